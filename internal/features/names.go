// Package features turns daily observations into lagged, rolling, calendar
// and spatial model inputs.
package features

import (
	"github.com/skane-air/aqcast/internal/model"
)

// Target is the predicted column.
const Target = "pm25"

var names = []string{
	"pm25_lag_1", "pm25_lag_2", "pm25_lag_3", "pm25_roll_3",
	"temperature_mean", "precipitation_sum", "wind_speed_max", "wind_direction_dominant",
	"temperature_mean_lag_1", "temperature_mean_roll_3",
	"precipitation_sum_lag_1", "precipitation_sum_roll_3",
	"wind_speed_max_lag_1", "wind_speed_max_roll_3",
	"wind_direction_dominant_lag_1", "wind_direction_dominant_roll_3",
	"day_of_week", "latitude", "longitude",
}

// Names returns the model input columns in canonical order. Every artifact
// records this list and inference refuses a model whose list differs.
func Names() []string {
	out := make([]string, len(names))
	copy(out, names)
	return out
}

// Vector returns the inputs of e ordered as Names.
func Vector(e model.Engineered) []float64 {
	w := e.Weather.Values()
	lag := e.WeatherLag1.Values()
	roll := e.WeatherRoll3.Values()

	v := make([]float64, 0, len(names))
	v = append(v, e.PM25Lag1, e.PM25Lag2, e.PM25Lag3, e.PM25Roll3)
	v = append(v, w[:]...)
	for i := range w {
		v = append(v, lag[i], roll[i])
	}
	v = append(v, float64(e.DayOfWeek), e.Latitude, e.Longitude)
	return v
}

// Matrix stacks the vectors of rows and collects their pm25 targets.
func Matrix(rows []model.Engineered) (x [][]float64, y []float64) {
	x = make([][]float64, len(rows))
	y = make([]float64, len(rows))
	for i, r := range rows {
		x[i] = Vector(r)
		y[i] = r.PM25
	}
	return x, y
}
