package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/fetcher"
	"github.com/skane-air/aqcast/internal/ingest"
	"github.com/skane-air/aqcast/internal/metrics"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/pipeline"
	"github.com/skane-air/aqcast/internal/resilience"
	"github.com/skane-air/aqcast/internal/store"
	"github.com/skane-air/aqcast/pkg/aqicn"
	"github.com/skane-air/aqcast/pkg/openmeteo"
)

// pipelineEnv holds the store, locations, clients and pipeline shared by
// the step commands.
type pipelineEnv struct {
	Store     store.Store
	Locations []model.Location
	Metrics   *metrics.Recorder
	Pipeline  *pipeline.Pipeline
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured feature store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline validates cfg for command, opens the store, loads the
// locations and builds the pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context, command string) (*pipelineEnv, error) {
	if err := cfg.Validate(command); err != nil {
		return nil, err
	}

	locs, err := config.LoadLocations(cfg.Locations.File)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	rec := metrics.New()
	p := pipeline.New(cfg, st, newIngester(cfg), locs, rec)

	zap.L().Debug("pipeline initialized",
		zap.String("command", command),
		zap.String("store", cfg.Store.Driver),
		zap.Int("locations", len(locs)))

	return &pipelineEnv{Store: st, Locations: locs, Metrics: rec, Pipeline: p}, nil
}

// newIngester wires the provider clients behind the shared retry and
// circuit breaker guard.
func newIngester(c *config.Config) *ingest.Ingester {
	aq := aqicn.NewClient(c.AQICN.Token, aqicn.WithBaseURL(c.AQICN.BaseURL), aqicn.WithRateLimit(2, 2))
	om := openmeteo.NewClient(
		openmeteo.WithForecastURL(c.OpenMeteo.ForecastURL),
		openmeteo.WithArchiveURL(c.OpenMeteo.ArchiveURL),
		openmeteo.WithRateLimit(5, 5),
	)
	files := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: 2 * time.Minute,
		Retry: resilience.RetryConfig{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(c.Retry.MaxBackoffMs) * time.Millisecond,
		},
	})
	return ingest.New(aq, om, files, resilience.NewGuard(c.Retry, c.Circuit))
}
