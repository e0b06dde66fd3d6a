// Package pipeline sequences the batch steps: backfill, feature update,
// training, prediction and the daily run. Every step is recorded in the run
// log and in metrics.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/ingest"
	"github.com/skane-air/aqcast/internal/metrics"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/predict"
	"github.com/skane-air/aqcast/internal/store"
)

// Skip reasons added by the pipeline on top of the predictor's.
const (
	ReasonFetch   = "fetch_failed"
	ReasonOutlier = "outlier"
	ReasonWeather = "no_weather"
)

// Skip reports a location a step could not process.
type Skip = predict.Skip

// StepResult summarizes one step execution.
type StepResult struct {
	Command  string
	RunID    string
	Status   model.RunStatus
	Rows     int64
	Skips    []Skip
	Metadata map[string]any
}

// Pipeline owns the dependencies shared by every step.
type Pipeline struct {
	cfg       *config.Config
	store     store.Store
	ingest    *ingest.Ingester
	locations []model.Location
	metrics   *metrics.Recorder
	now       func() time.Time
}

// New creates a Pipeline. rec may be nil.
func New(cfg *config.Config, st store.Store, ing *ingest.Ingester, locs []model.Location, rec *metrics.Recorder) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		store:     st,
		ingest:    ing,
		locations: locs,
		metrics:   rec,
		now:       time.Now,
	}
}

// Today returns the current UTC calendar date.
func (p *Pipeline) Today() time.Time {
	return model.Day(p.now())
}

// step runs fn inside a run-log record. A step that reports skips finishes
// as partial; an error marks the run failed and is returned unchanged.
func (p *Pipeline) step(ctx context.Context, command string, fn func(ctx context.Context, res *StepResult) error) (*StepResult, error) {
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("step", command))
	start := time.Now()

	run, err := p.store.CreateRun(ctx, command)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: create %s run", command)
	}
	log = log.With(zap.String("run_id", run.ID))
	log.Info("pipeline: step starting")

	res := &StepResult{Command: command, RunID: run.ID, Metadata: make(map[string]any)}
	fnErr := fn(ctx, res)

	for _, s := range res.Skips {
		p.metrics.Skip(command, s.Reason)
	}

	if fnErr != nil {
		res.Status = model.RunStatusFailed
		// The run log must be updated even after a timeout.
		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if failErr := p.store.FailRun(failCtx, run.ID, fnErr.Error()); failErr != nil {
			log.Warn("pipeline: failed to record run failure", zap.Error(failErr))
		}
		p.metrics.StepEnd(command, string(res.Status), time.Since(start), res.Rows)
		log.Error("pipeline: step failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(fnErr))
		return res, fnErr
	}

	res.Status = model.RunStatusComplete
	if len(res.Skips) > 0 {
		res.Status = model.RunStatusPartial
		res.Metadata["skipped"] = skipStrings(res.Skips)
	}
	if err := p.store.CompleteRun(ctx, run.ID, model.RunResult{
		Status:   res.Status,
		Rows:     res.Rows,
		Metadata: res.Metadata,
	}); err != nil {
		log.Warn("pipeline: failed to record run result", zap.Error(err))
	}
	p.metrics.StepEnd(command, string(res.Status), time.Since(start), res.Rows)

	log.Info("pipeline: step complete",
		zap.String("status", string(res.Status)),
		zap.Int64("rows", res.Rows),
		zap.Int("skipped", len(res.Skips)),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func skipStrings(skips []Skip) []string {
	out := make([]string, len(skips))
	for i, s := range skips {
		out[i] = s.String()
	}
	return out
}

// Daily runs the feature update for today and then predicts from today.
// It stops at the first failing step.
func (p *Pipeline) Daily(ctx context.Context) (*StepResult, error) {
	today := p.Today()
	return p.step(ctx, model.CommandDaily, func(ctx context.Context, res *StepResult) error {
		feat, err := p.UpdateFeatures(ctx, today)
		if err != nil {
			return eris.Wrap(err, "daily: features")
		}
		pred, err := p.Predict(ctx, today, 0)
		if err != nil {
			return eris.Wrap(err, "daily: predict")
		}
		res.Rows = feat.Rows + pred.Rows
		res.Skips = mergeSkips(feat.Skips, pred.Skips)
		res.Metadata["forecast_date"] = today.Format(model.DateLayout)
		res.Metadata["features_run"] = feat.RunID
		res.Metadata["predict_run"] = pred.RunID
		return nil
	})
}

// mergeSkips concatenates skip lists, keeping the first report per location
// and reason.
func mergeSkips(lists ...[]Skip) []Skip {
	type key struct{ loc, reason string }
	seen := make(map[key]bool)
	var out []Skip
	for _, l := range lists {
		for _, s := range l {
			k := key{s.Location, s.Reason}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, s)
		}
	}
	return out
}

// allFailed returns a FetchError when every location failed to fetch.
func allFailed(errs map[string]error, total int) error {
	if total == 0 || len(errs) < total {
		return nil
	}
	ids := make([]string, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	first := errs[ids[0]]
	var fe *model.FetchError
	if errors.As(first, &fe) {
		return eris.Wrapf(fe, "all %d locations failed", total)
	}
	return &model.FetchError{Provider: "pipeline", Err: eris.Wrapf(first, "all %d locations failed", total)}
}
