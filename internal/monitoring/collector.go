package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/skane-air/aqcast/internal/metrics"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/store"
)

// LocationHindcast is the hindcast error of one location over the lookback window.
type LocationHindcast struct {
	Location string  `json:"location"`
	Samples  int     `json:"samples"`
	MAE      float64 `json:"mae"`
}

// MetricsSnapshot holds a point-in-time view of forecast health.
type MetricsSnapshot struct {
	// Run log (within lookback window).
	RunsTotal    int     `json:"runs_total"`
	RunsComplete int     `json:"runs_complete"`
	RunsPartial  int     `json:"runs_partial"`
	RunsFailed   int     `json:"runs_failed"`
	RunsRunning  int     `json:"runs_running"`
	FailRate     float64 `json:"fail_rate"`

	// Freshness of the prediction set.
	LastPredict        *time.Time `json:"last_predict,omitempty"`
	LatestForecastDate *time.Time `json:"latest_forecast_date,omitempty"`
	PredictAge         float64    `json:"predict_age_hours"`

	Hindcast []LocationHindcast `json:"hindcast"`

	// Metadata.
	LookbackDays int       `json:"lookback_days"`
	CollectedAt  time.Time `json:"collected_at"`
}

// Source is the subset of the feature store the collector reads.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
	LastSuccess(ctx context.Context, command string) (*time.Time, error)
	LatestForecastDate(ctx context.Context) (time.Time, error)
	Hindcast(ctx context.Context, locationID string, from, to time.Time) ([]model.Hindcast, error)
}

// Collector gathers run, freshness and hindcast metrics from the store.
type Collector struct {
	store     Source
	locations []model.Location
	metrics   *metrics.Recorder
	now       func() time.Time
}

// NewCollector creates a new metrics collector. rec may be nil.
func NewCollector(st Source, locs []model.Location, rec *metrics.Recorder) *Collector {
	return &Collector{store: st, locations: locs, metrics: rec, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackDays int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackDays: lookbackDays,
		CollectedAt:  now,
	}
	cutoff := now.AddDate(0, 0, -lookbackDays)

	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusPartial:
			snap.RunsPartial++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
		}
	}
	if finished := snap.RunsComplete + snap.RunsPartial + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}

	last, err := c.store.LastSuccess(ctx, model.CommandPredict)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: last predict")
	}
	if last != nil {
		snap.LastPredict = last
		snap.PredictAge = now.Sub(*last).Hours()
	}

	fd, err := c.store.LatestForecastDate(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, eris.Wrap(err, "monitoring: latest forecast date")
	default:
		snap.LatestForecastDate = &fd
	}

	today := model.Day(now)
	for _, loc := range c.locations {
		rows, err := c.store.Hindcast(ctx, loc.ID, model.AddDays(today, -lookbackDays), today)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: hindcast %s", loc.ID)
		}
		h := LocationHindcast{Location: loc.ID, Samples: len(rows), MAE: MAE(rows)}
		if h.Samples > 0 {
			c.metrics.HindcastMAE(loc.ID, h.MAE)
		}
		snap.Hindcast = append(snap.Hindcast, h)
	}

	return snap, nil
}

// MAE returns the mean absolute error of hindcast rows, or 0 for none.
func MAE(rows []model.Hindcast) float64 {
	if len(rows) == 0 {
		return 0
	}
	var sum float64
	for _, r := range rows {
		sum += r.AbsError()
	}
	return sum / float64(len(rows))
}
