package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/skane-air/aqcast/internal/features"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/predict"
	"github.com/skane-air/aqcast/internal/store"
	"github.com/skane-air/aqcast/internal/train"
)

// Train fits a model on every stored engineered row and saves the artifact
// under a new version.
func (p *Pipeline) Train(ctx context.Context) (*StepResult, *model.Artifact, error) {
	var art *model.Artifact
	res, err := p.step(ctx, model.CommandTrain, func(ctx context.Context, res *StepResult) error {
		rows, err := p.store.Engineered(ctx, time.Time{}, time.Time{})
		if err != nil {
			return eris.Wrap(err, "train: read engineered rows")
		}
		art, err = train.New(p.cfg.Train).Train(ctx, rows)
		if err != nil {
			return err
		}
		if err := p.store.SaveModel(ctx, art); err != nil {
			return eris.Wrap(err, "train: save model")
		}
		res.Rows = 1
		res.Metadata["model_version"] = art.Version
		res.Metadata["rmse"] = art.Metrics.RMSE
		res.Metadata["r2"] = art.Metrics.R2
		res.Metadata["split_date"] = art.SplitDate.Format(model.DateLayout)
		res.Metadata["train_rows"] = art.TrainRows
		res.Metadata["validation_rows"] = art.ValidationRows
		return nil
	})
	return res, art, err
}

// Predict forecasts the horizon after forecastDate for every location with
// model version (0 selects the latest) and upserts the predictions. Skipped
// locations make the run partial; the run fails when every location is
// skipped.
func (p *Pipeline) Predict(ctx context.Context, forecastDate time.Time, version int) (*StepResult, error) {
	forecastDate = model.Day(forecastDate)
	return p.step(ctx, model.CommandPredict, func(ctx context.Context, res *StepResult) error {
		art, err := p.loadModel(ctx, version)
		if err != nil {
			return err
		}
		predictor, err := predict.New(art, p.cfg.Predict)
		if err != nil {
			return err
		}

		inputs, err := p.predictInputs(ctx, forecastDate, predictor.Horizon())
		if err != nil {
			return err
		}
		out := predictor.Predict(forecastDate, inputs)
		res.Skips = out.Skips
		res.Metadata["forecast_date"] = forecastDate.Format(model.DateLayout)
		res.Metadata["model_version"] = art.Version

		if len(out.Predictions) == 0 {
			return &model.DataInsufficientError{Stage: "predict", Have: 0, Need: 1}
		}
		n, err := p.store.UpsertPredictions(ctx, out.Predictions)
		if err != nil {
			return eris.Wrap(err, "predict: upsert predictions")
		}
		res.Rows = n
		return nil
	})
}

func (p *Pipeline) loadModel(ctx context.Context, version int) (*model.Artifact, error) {
	var art *model.Artifact
	var err error
	if version > 0 {
		art, err = p.store.GetModel(ctx, version)
	} else {
		art, err = p.store.LatestModel(ctx)
	}
	if errors.Is(err, store.ErrNotFound) {
		if version > 0 {
			return nil, eris.Errorf("predict: model version %d not found", version)
		}
		return nil, eris.New("predict: no trained model; run `aqcast train` first")
	}
	if err != nil {
		return nil, eris.Wrap(err, "predict: load model")
	}
	return art, nil
}

// predictInputs reads the seed history and weather each location needs: the
// latest observations on or before forecastDate, enough rows to cover a stale
// anchor plus the lag window, and weather through the end of the horizon.
func (p *Pipeline) predictInputs(ctx context.Context, forecastDate time.Time, horizon int) ([]predict.Input, error) {
	lookback := p.cfg.Predict.MaxStalenessDays + 2*features.Window
	to := model.AddDays(forecastDate, horizon)

	inputs := make([]predict.Input, 0, len(p.locations))
	for _, loc := range p.locations {
		obs, err := p.store.LatestObservations(ctx, loc.ID, forecastDate, lookback+1)
		if err != nil {
			return nil, eris.Wrapf(err, "predict %s: read observations", loc.ID)
		}
		from := model.AddDays(forecastDate, -lookback)
		if len(obs) > 0 && obs[0].Date.Before(from) {
			from = obs[0].Date
		}
		weather, err := p.store.Weather(ctx, loc.ID, from, to)
		if err != nil {
			return nil, eris.Wrapf(err, "predict %s: read weather", loc.ID)
		}
		inputs = append(inputs, predict.Input{Location: loc, Observations: obs, Weather: weather})
	}
	return inputs, nil
}
