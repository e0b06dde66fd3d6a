// Package train fits the pm25 regressor: chronological split, bounded
// hyperparameter search, final fit and validation metrics.
package train

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/features"
	"github.com/skane-air/aqcast/internal/gbt"
	"github.com/skane-air/aqcast/internal/model"
)

// Trainer produces model artifacts from engineered rows.
type Trainer struct {
	cfg config.TrainConfig
	now func() time.Time
}

// New creates a Trainer.
func New(cfg config.TrainConfig) *Trainer {
	return &Trainer{cfg: cfg, now: time.Now}
}

// Train splits rows, searches hyperparameters, refits the winner on the
// training split and scores it on validation. The artifact's Version is left
// for the store to assign.
func (t *Trainer) Train(ctx context.Context, rows []model.Engineered) (*model.Artifact, error) {
	log := zap.L().With(zap.String("component", "train"))

	if len(rows) < t.cfg.MinRows {
		return nil, &model.DataInsufficientError{Stage: "train", Have: len(rows), Need: t.cfg.MinRows}
	}
	split, err := ChronologicalSplit(rows, t.cfg.ValidationFraction)
	if err != nil {
		return nil, err
	}
	if len(split.Train) == 0 || len(split.Validation) == 0 {
		return nil, &model.DataInsufficientError{Stage: "train", Have: min(len(split.Train), len(split.Validation)), Need: 1}
	}
	log.Info("training split",
		zap.Int("train_rows", len(split.Train)),
		zap.Int("validation_rows", len(split.Validation)),
		zap.String("cutoff", split.Cutoff.Format(model.DateLayout)))

	best, trials, err := Search(ctx, split, t.cfg.Trials, t.cfg.Seed)
	if err != nil {
		return nil, err
	}

	// Refit with the winner's seed so the stored model is the one that was scored.
	xt, yt := features.Matrix(split.Train)
	fitted, err := gbt.Fit(xt, yt, GBTParams(best, trialSeed(t.cfg.Seed, bestTrial(trials).Number)))
	if err != nil {
		return nil, eris.Wrap(err, "train: final fit")
	}
	xv, yv := features.Matrix(split.Validation)
	metrics := Evaluate(yv, fitted.PredictAll(xv))

	data, err := fitted.Marshal()
	if err != nil {
		return nil, err
	}

	log.Info("model trained",
		zap.Float64("r2", metrics.R2),
		zap.Float64("rmse", metrics.RMSE),
		zap.Float64("mse", metrics.MSE),
		zap.Int("max_depth", best.MaxDepth),
		zap.Int("n_estimators", best.NEstimators))

	return &model.Artifact{
		ID:             uuid.NewString(),
		CreatedAt:      t.now().UTC(),
		FeatureNames:   features.Names(),
		Params:         best,
		Metrics:        metrics,
		SplitDate:      split.Cutoff,
		TrainRows:      len(split.Train),
		ValidationRows: len(split.Validation),
		Trials:         trials,
		Model:          data,
	}, nil
}
