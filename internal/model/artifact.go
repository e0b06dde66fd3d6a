package model

import (
	"slices"
	"time"
)

// Hyperparameters are the tunable knobs of the gradient-boosted regressor.
type Hyperparameters struct {
	MaxDepth        int     `json:"max_depth"`
	LearningRate    float64 `json:"learning_rate"`
	NEstimators     int     `json:"n_estimators"`
	Subsample       float64 `json:"subsample"`
	ColsampleByTree float64 `json:"colsample_bytree"`
	MinChildWeight  float64 `json:"min_child_weight"`
	Gamma           float64 `json:"gamma"`
}

// Metrics are the validation scores of a fitted model.
type Metrics struct {
	MSE  float64 `json:"mse"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

// Trial records one hyperparameter search candidate.
type Trial struct {
	Number int             `json:"number"`
	Params Hyperparameters `json:"params"`
	MSE    float64         `json:"mse"`
}

// Artifact is a trained model plus everything needed to use it safely.
type Artifact struct {
	ID             string          `json:"id"`
	Version        int             `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	FeatureNames   []string        `json:"feature_names"`
	Params         Hyperparameters `json:"params"`
	Metrics        Metrics         `json:"metrics"`
	SplitDate      time.Time       `json:"split_date"` // first validation date
	TrainRows      int             `json:"train_rows"`
	ValidationRows int             `json:"validation_rows"`
	Trials         []Trial         `json:"trials,omitempty"`
	Model          []byte          `json:"model"` // serialized regressor
}

// SameFeatures reports whether names matches the recorded feature order exactly.
func (a *Artifact) SameFeatures(names []string) bool {
	return slices.Equal(a.FeatureNames, names)
}
