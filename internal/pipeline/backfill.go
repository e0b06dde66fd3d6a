package pipeline

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/features"
	"github.com/skane-air/aqcast/internal/ingest"
	"github.com/skane-air/aqcast/internal/model"
)

// Backfill loads historical pm25 files from source and archive weather for
// [from, to], joins them into observations and rebuilds the engineered rows
// of the range. Dates without weather and outliers are dropped.
func (p *Pipeline) Backfill(ctx context.Context, source string, from, to time.Time) (*StepResult, error) {
	from, to = model.Day(from), model.Day(to)
	if to.Before(from) {
		return nil, eris.Errorf("backfill: --to %s is before --from %s",
			to.Format(model.DateLayout), from.Format(model.DateLayout))
	}

	return p.step(ctx, model.CommandBackfill, func(ctx context.Context, res *StepResult) error {
		log := zap.L().With(zap.String("component", "pipeline"), zap.String("step", model.CommandBackfill))

		fetchErrs := make(map[string]error)
		var rows int64
		var noWeather, outliers int
		for _, loc := range p.locations {
			if err := ctx.Err(); err != nil {
				return err
			}
			llog := log.With(zap.String("location", loc.ID))

			readings, err := p.ingest.History(ctx, source, loc, from, to)
			if err != nil {
				llog.Warn("history unavailable, skipping location", zap.Error(err))
				fetchErrs[loc.ID] = err
				res.Skips = append(res.Skips, Skip{Location: loc.ID, Reason: ReasonFetch, Detail: ingest.ProviderHistory})
				continue
			}
			if len(readings) == 0 {
				res.Skips = append(res.Skips, Skip{Location: loc.ID, Reason: ReasonFetch, Detail: "no readings in range"})
				continue
			}

			weather, err := p.ingest.ArchiveWeather(ctx, loc, readings[0].Date, readings[len(readings)-1].Date)
			if err != nil {
				llog.Warn("archive weather unavailable, skipping location", zap.Error(err))
				fetchErrs[loc.ID] = err
				res.Skips = append(res.Skips, Skip{Location: loc.ID, Reason: ReasonFetch, Detail: ingest.ProviderOpenMeteo})
				continue
			}

			obs, dropped := ingest.Join(loc, readings, weather)
			noWeather += dropped
			kept, filtered := features.FilterOutliers(obs, p.cfg.Features.PM25Max)
			outliers += filtered[features.ReasonOutlier] + filtered[features.ReasonInvalid]

			nw, err := p.store.UpsertWeather(ctx, weather)
			if err != nil {
				return eris.Wrapf(err, "backfill %s: upsert weather", loc.ID)
			}
			no, err := p.store.UpsertObservations(ctx, kept)
			if err != nil {
				return eris.Wrapf(err, "backfill %s: upsert observations", loc.ID)
			}
			rows += nw + no
			llog.Info("location backfilled",
				zap.Int("readings", len(readings)),
				zap.Int("observations", len(kept)),
				zap.Int("no_weather", dropped))
		}

		if err := allFailed(fetchErrs, len(p.locations)); err != nil {
			return err
		}

		ne, err := p.recompute(ctx, from, to)
		if err != nil {
			return err
		}
		res.Rows = rows + ne
		res.Metadata["from"] = from.Format(model.DateLayout)
		res.Metadata["to"] = to.Format(model.DateLayout)
		res.Metadata["dropped_no_weather"] = noWeather
		res.Metadata["dropped_outliers"] = outliers
		res.Metadata["engineered"] = ne
		return nil
	})
}

func formatPM25(v float64) string {
	return "pm25=" + strconv.FormatFloat(v, 'f', 1, 64)
}
