package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/features"
	"github.com/skane-air/aqcast/internal/ingest"
	"github.com/skane-air/aqcast/internal/model"
)

// UpdateFeatures fetches today's pm25 and the weather forecast for every
// location, stores them, and recomputes engineered rows over the trailing
// recompute window. A location whose fetch fails is skipped; the step fails
// only when every location fails.
func (p *Pipeline) UpdateFeatures(ctx context.Context, today time.Time) (*StepResult, error) {
	today = model.Day(today)
	return p.step(ctx, model.CommandFeatures, func(ctx context.Context, res *StepResult) error {
		log := zap.L().With(zap.String("component", "pipeline"), zap.String("step", model.CommandFeatures))

		fetchErrs := make(map[string]error)
		var obs []model.Observation
		var weather []model.WeatherDay
		for _, loc := range p.locations {
			if err := ctx.Err(); err != nil {
				return err
			}
			reading, err := p.ingest.CurrentPM25(ctx, loc)
			if err != nil {
				log.Warn("pm25 fetch failed, skipping location", zap.String("location", loc.ID), zap.Error(err))
				fetchErrs[loc.ID] = err
				res.Skips = append(res.Skips, Skip{Location: loc.ID, Reason: ReasonFetch, Detail: ingest.ProviderAQICN})
				continue
			}
			forecast, err := p.ingest.ForecastWeather(ctx, loc, p.cfg.OpenMeteo.ForecastDays)
			if err != nil {
				log.Warn("weather forecast fetch failed, skipping location", zap.String("location", loc.ID), zap.Error(err))
				fetchErrs[loc.ID] = err
				res.Skips = append(res.Skips, Skip{Location: loc.ID, Reason: ReasonFetch, Detail: ingest.ProviderOpenMeteo})
				continue
			}
			weather = append(weather, forecast...)

			joined, _ := ingest.Join(loc, []ingest.Reading{reading}, forecast)
			if len(joined) == 0 {
				// A station reporting yesterday's value falls before the forecast window.
				stored, err := p.store.Weather(ctx, loc.ID, reading.Date, reading.Date)
				if err != nil {
					return err
				}
				joined, _ = ingest.Join(loc, []ingest.Reading{reading}, stored)
			}
			if len(joined) == 0 {
				res.Skips = append(res.Skips, Skip{Location: loc.ID, Reason: ReasonWeather, Detail: reading.Date.Format(model.DateLayout)})
				continue
			}
			kept, _ := features.FilterOutliers(joined, p.cfg.Features.PM25Max)
			if len(kept) == 0 {
				res.Skips = append(res.Skips, Skip{Location: loc.ID, Reason: ReasonOutlier, Detail: formatPM25(reading.PM25)})
				continue
			}
			obs = append(obs, kept...)
		}

		if err := allFailed(fetchErrs, len(p.locations)); err != nil {
			return err
		}

		nw, err := p.store.UpsertWeather(ctx, weather)
		if err != nil {
			return eris.Wrap(err, "features: upsert weather")
		}
		no, err := p.store.UpsertObservations(ctx, obs)
		if err != nil {
			return eris.Wrap(err, "features: upsert observations")
		}

		// A station ahead of UTC can report a local date after today.
		to := today
		for _, o := range obs {
			if o.Date.After(to) {
				to = o.Date
			}
		}
		days := max(p.cfg.Features.RecomputeDays, 1)
		ne, err := p.recompute(ctx, model.AddDays(today, -days+1), to)
		if err != nil {
			return err
		}

		res.Rows = nw + no + ne
		res.Metadata["observations"] = no
		res.Metadata["weather_days"] = nw
		res.Metadata["engineered"] = ne
		return nil
	})
}

// recompute rebuilds engineered rows dated [from, to] from stored observations
// and upserts them.
func (p *Pipeline) recompute(ctx context.Context, from, to time.Time) (int64, error) {
	obs, err := p.store.Observations(ctx, "", model.AddDays(from, -features.Window), to)
	if err != nil {
		return 0, eris.Wrap(err, "recompute: read observations")
	}
	result := features.Engineer(obs, p.locations)

	rows := make([]model.Engineered, 0, len(result.Rows))
	for _, r := range result.Rows {
		if !r.Date.Before(from) {
			rows = append(rows, r)
		}
	}
	n, err := p.store.UpsertEngineered(ctx, rows)
	if err != nil {
		return 0, eris.Wrap(err, "recompute: upsert engineered")
	}
	zap.L().Info("engineered rows recomputed",
		zap.String("component", "pipeline"),
		zap.String("from", from.Format(model.DateLayout)),
		zap.String("to", to.Format(model.DateLayout)),
		zap.Int("rows", len(rows)),
		zap.Any("dropped", result.Dropped))
	return n, nil
}
