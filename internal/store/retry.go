package store

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/resilience"
)

// Retrying decorates a Store so every operation is retried once on failure.
// Errors that survive the retry are returned as *model.StoreError. Not-found
// results, invalid rows and cancellation are returned as they are.
type Retrying struct {
	next  Store
	retry resilience.RetryConfig
}

var _ Store = (*Retrying)(nil)

// WithRetry wraps s with the retry-once policy.
func WithRetry(s Store) *Retrying {
	return &Retrying{next: s, retry: resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}}
}

// Unwrap returns the decorated store.
func (r *Retrying) Unwrap() Store { return r.next }

func retryable(err error) bool {
	var invalid *InvalidRowError
	return !errors.Is(err, ErrNotFound) &&
		!errors.As(err, &invalid) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func call[T any](ctx context.Context, r *Retrying, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := r.retry
	cfg.ShouldRetry = retryable
	cfg.OnRetry = func(attempt int, err error) {
		zap.L().Warn("store operation failed, retrying",
			zap.String("component", "store"),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	v, err := resilience.DoVal(ctx, cfg, fn)
	if err != nil && retryable(err) {
		return v, &model.StoreError{Op: op, Err: err}
	}
	return v, err
}

func callErr(ctx context.Context, r *Retrying, op string, fn func(ctx context.Context) error) error {
	_, err := call(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (r *Retrying) UpsertObservations(ctx context.Context, rows []model.Observation) (int64, error) {
	return call(ctx, r, "upsert observations", func(ctx context.Context) (int64, error) {
		return r.next.UpsertObservations(ctx, rows)
	})
}

func (r *Retrying) Observations(ctx context.Context, locationID string, from, to time.Time) ([]model.Observation, error) {
	return call(ctx, r, "observations", func(ctx context.Context) ([]model.Observation, error) {
		return r.next.Observations(ctx, locationID, from, to)
	})
}

func (r *Retrying) LatestObservations(ctx context.Context, locationID string, asOf time.Time, n int) ([]model.Observation, error) {
	return call(ctx, r, "latest observations", func(ctx context.Context) ([]model.Observation, error) {
		return r.next.LatestObservations(ctx, locationID, asOf, n)
	})
}

func (r *Retrying) UpsertWeather(ctx context.Context, rows []model.WeatherDay) (int64, error) {
	return call(ctx, r, "upsert weather", func(ctx context.Context) (int64, error) {
		return r.next.UpsertWeather(ctx, rows)
	})
}

func (r *Retrying) Weather(ctx context.Context, locationID string, from, to time.Time) ([]model.WeatherDay, error) {
	return call(ctx, r, "weather", func(ctx context.Context) ([]model.WeatherDay, error) {
		return r.next.Weather(ctx, locationID, from, to)
	})
}

func (r *Retrying) UpsertEngineered(ctx context.Context, rows []model.Engineered) (int64, error) {
	return call(ctx, r, "upsert engineered", func(ctx context.Context) (int64, error) {
		return r.next.UpsertEngineered(ctx, rows)
	})
}

func (r *Retrying) Engineered(ctx context.Context, from, to time.Time) ([]model.Engineered, error) {
	return call(ctx, r, "engineered", func(ctx context.Context) ([]model.Engineered, error) {
		return r.next.Engineered(ctx, from, to)
	})
}

func (r *Retrying) SaveModel(ctx context.Context, art *model.Artifact) error {
	return callErr(ctx, r, "save model", func(ctx context.Context) error {
		return r.next.SaveModel(ctx, art)
	})
}

func (r *Retrying) LatestModel(ctx context.Context) (*model.Artifact, error) {
	return call(ctx, r, "latest model", r.next.LatestModel)
}

func (r *Retrying) GetModel(ctx context.Context, version int) (*model.Artifact, error) {
	return call(ctx, r, "get model", func(ctx context.Context) (*model.Artifact, error) {
		return r.next.GetModel(ctx, version)
	})
}

func (r *Retrying) UpsertPredictions(ctx context.Context, rows []model.Prediction) (int64, error) {
	return call(ctx, r, "upsert predictions", func(ctx context.Context) (int64, error) {
		return r.next.UpsertPredictions(ctx, rows)
	})
}

func (r *Retrying) Predictions(ctx context.Context, forecastDate time.Time) ([]model.Prediction, error) {
	return call(ctx, r, "predictions", func(ctx context.Context) ([]model.Prediction, error) {
		return r.next.Predictions(ctx, forecastDate)
	})
}

func (r *Retrying) LatestForecastDate(ctx context.Context) (time.Time, error) {
	return call(ctx, r, "latest forecast date", r.next.LatestForecastDate)
}

func (r *Retrying) Hindcast(ctx context.Context, locationID string, from, to time.Time) ([]model.Hindcast, error) {
	return call(ctx, r, "hindcast", func(ctx context.Context) ([]model.Hindcast, error) {
		return r.next.Hindcast(ctx, locationID, from, to)
	})
}

func (r *Retrying) CreateRun(ctx context.Context, command string) (*model.Run, error) {
	return call(ctx, r, "create run", func(ctx context.Context) (*model.Run, error) {
		return r.next.CreateRun(ctx, command)
	})
}

func (r *Retrying) CompleteRun(ctx context.Context, runID string, result model.RunResult) error {
	return callErr(ctx, r, "complete run", func(ctx context.Context) error {
		return r.next.CompleteRun(ctx, runID, result)
	})
}

func (r *Retrying) FailRun(ctx context.Context, runID string, errMsg string) error {
	return callErr(ctx, r, "fail run", func(ctx context.Context) error {
		return r.next.FailRun(ctx, runID, errMsg)
	})
}

func (r *Retrying) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	return call(ctx, r, "list runs", func(ctx context.Context) ([]model.Run, error) {
		return r.next.ListRuns(ctx, filter)
	})
}

func (r *Retrying) LastSuccess(ctx context.Context, command string) (*time.Time, error) {
	return call(ctx, r, "last success", func(ctx context.Context) (*time.Time, error) {
		return r.next.LastSuccess(ctx, command)
	})
}

func (r *Retrying) Ping(ctx context.Context) error {
	return callErr(ctx, r, "ping", r.next.Ping)
}

func (r *Retrying) Migrate(ctx context.Context) error {
	return callErr(ctx, r, "migrate", r.next.Migrate)
}

func (r *Retrying) Close() error {
	return r.next.Close()
}
