// Package store persists the feature store: observations, weather, engineered
// rows, model artifacts, predictions and the run log.
package store

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/skane-air/aqcast/internal/model"
)

// ErrNotFound is returned when a requested model, run or forecast set does
// not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Command string          `json:"command,omitempty"`
	Status  model.RunStatus `json:"status,omitempty"`
	Limit   int             `json:"limit,omitempty"`
	Offset  int             `json:"offset,omitempty"`
}

// Store defines the feature store. Writes are idempotent upserts keyed by
// location and date(s). Zero from/to times leave a range open and an empty
// location id selects every location.
type Store interface {
	// Observations
	UpsertObservations(ctx context.Context, rows []model.Observation) (int64, error)
	Observations(ctx context.Context, locationID string, from, to time.Time) ([]model.Observation, error)
	// LatestObservations returns up to n rows on or before asOf, oldest first.
	LatestObservations(ctx context.Context, locationID string, asOf time.Time, n int) ([]model.Observation, error)

	// Weather
	UpsertWeather(ctx context.Context, rows []model.WeatherDay) (int64, error)
	Weather(ctx context.Context, locationID string, from, to time.Time) ([]model.WeatherDay, error)

	// Engineered features
	UpsertEngineered(ctx context.Context, rows []model.Engineered) (int64, error)
	Engineered(ctx context.Context, from, to time.Time) ([]model.Engineered, error)

	// Models. SaveModel assigns the next version.
	SaveModel(ctx context.Context, art *model.Artifact) error
	LatestModel(ctx context.Context) (*model.Artifact, error)
	GetModel(ctx context.Context, version int) (*model.Artifact, error)

	// Predictions
	UpsertPredictions(ctx context.Context, rows []model.Prediction) (int64, error)
	Predictions(ctx context.Context, forecastDate time.Time) ([]model.Prediction, error)
	LatestForecastDate(ctx context.Context) (time.Time, error)
	Hindcast(ctx context.Context, locationID string, from, to time.Time) ([]model.Hindcast, error)

	// Run log
	CreateRun(ctx context.Context, command string) (*model.Run, error)
	CompleteRun(ctx context.Context, runID string, result model.RunResult) error
	FailRun(ctx context.Context, runID string, errMsg string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	// LastSuccess returns when the latest complete or partial run of command
	// started, or nil if there is none.
	LastSuccess(ctx context.Context, command string) (*time.Time, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// InvalidRowError rejects a row that failed validation at the store boundary.
type InvalidRowError struct {
	Index int
	Err   error
}

func (e *InvalidRowError) Error() string {
	return eris.Wrapf(e.Err, "store: invalid row %d", e.Index).Error()
}

func (e *InvalidRowError) Unwrap() error { return e.Err }

func validateAll[T interface{ Validate() error }](rows []T) error {
	for i, r := range rows {
		if err := r.Validate(); err != nil {
			return &InvalidRowError{Index: i, Err: err}
		}
	}
	return nil
}

func validatePredictions(rows []model.Prediction) error {
	for i, p := range rows {
		switch {
		case p.LocationID == "":
			return &InvalidRowError{Index: i, Err: eris.New("prediction has no location")}
		case p.ForecastDate.IsZero() || p.TargetDate.IsZero():
			return &InvalidRowError{Index: i, Err: eris.New("prediction has no date")}
		case !p.TargetDate.After(p.ForecastDate):
			return &InvalidRowError{Index: i, Err: eris.Errorf("prediction target %s not after forecast date",
				p.TargetDate.Format(model.DateLayout))}
		case math.IsNaN(p.PredictedPM25) || math.IsInf(p.PredictedPM25, 0) || p.PredictedPM25 < 0:
			return &InvalidRowError{Index: i, Err: eris.New("prediction value must be a non-negative number")}
		}
	}
	return nil
}
