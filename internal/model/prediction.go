package model

import "time"

// Prediction is one forecast day for one location.
// Unique per (LocationID, ForecastDate, TargetDate).
type Prediction struct {
	LocationID    string    `json:"location_id"`
	ForecastDate  time.Time `json:"forecast_date"`
	TargetDate    time.Time `json:"target_date"`
	PredictedPM25 float64   `json:"predicted_pm25"`
	ModelVersion  int       `json:"model_version"`
}

// Hindcast pairs a past prediction with the pm25 observed on its target date.
type Hindcast struct {
	Prediction
	ObservedPM25 float64 `json:"observed_pm25"`
}

// AbsError returns |predicted - observed|.
func (h Hindcast) AbsError() float64 {
	d := h.PredictedPM25 - h.ObservedPM25
	if d < 0 {
		return -d
	}
	return d
}
