package train

import (
	"math"

	"github.com/skane-air/aqcast/internal/model"
)

// Evaluate scores predictions against observed targets. R² is reported as 0
// when the targets have no variance.
func Evaluate(y, pred []float64) model.Metrics {
	if len(y) == 0 {
		return model.Metrics{}
	}
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))

	var ssRes, ssTot float64
	for i, v := range y {
		ssRes += (v - pred[i]) * (v - pred[i])
		ssTot += (v - mean) * (v - mean)
	}

	m := model.Metrics{MSE: ssRes / float64(len(y))}
	m.RMSE = math.Sqrt(m.MSE)
	if ssTot > 0 {
		m.R2 = 1 - ssRes/ssTot
	}
	return m
}
