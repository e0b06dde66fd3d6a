package train

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/features"
	"github.com/skane-air/aqcast/internal/gbt"
	"github.com/skane-air/aqcast/internal/model"
)

// Search space bounds.
const (
	minDepth, maxDepth   = 3, 10
	minLR, maxLR         = 0.01, 0.3
	minTrees, maxTrees   = 50, 500
	treeStep             = 50
	minSample, maxSample = 0.5, 1.0
	minChild, maxChild   = 1.0, 10.0
	maxGamma             = 5.0
)

// dims is the number of searched hyperparameters.
const dims = 7

// point is a candidate in the unit hypercube; decode maps it onto the space.
type point [dims]float64

func (p point) decode() model.Hyperparameters {
	return model.Hyperparameters{
		MaxDepth:        minDepth + int(math.Round(p[0]*(maxDepth-minDepth))),
		LearningRate:    math.Exp(math.Log(minLR) + p[1]*(math.Log(maxLR)-math.Log(minLR))),
		NEstimators:     minTrees + treeStep*int(math.Round(p[2]*(maxTrees-minTrees)/treeStep)),
		Subsample:       minSample + p[3]*(maxSample-minSample),
		ColsampleByTree: minSample + p[4]*(maxSample-minSample),
		MinChildWeight:  minChild + p[5]*(maxChild-minChild),
		Gamma:           p[6] * maxGamma,
	}
}

// sampler proposes trials: the first third uniformly at random, the rest as
// Gaussian perturbations of the best point so far with a shrinking radius.
type sampler struct {
	rng     *rand.Rand
	total   int
	explore int
}

func newSampler(seed int64, total int) *sampler {
	return &sampler{
		rng:     rand.New(rand.NewPCG(uint64(seed), uint64(seed)+1)),
		total:   total,
		explore: max(1, total/3),
	}
}

func (s *sampler) next(trial int, best *point) point {
	var p point
	if trial < s.explore || best == nil {
		for i := range p {
			p[i] = s.rng.Float64()
		}
		return p
	}
	progress := float64(trial-s.explore) / float64(max(1, s.total-s.explore))
	radius := 0.05 + 0.25*(1-progress)
	for i := range p {
		p[i] = min(1, max(0, best[i]+s.rng.NormFloat64()*radius))
	}
	return p
}

// GBTParams converts searched hyperparameters into learner parameters.
func GBTParams(h model.Hyperparameters, seed uint64) gbt.Params {
	p := gbt.DefaultParams()
	p.MaxDepth = h.MaxDepth
	p.LearningRate = h.LearningRate
	p.NEstimators = h.NEstimators
	p.Subsample = h.Subsample
	p.ColsampleByTree = h.ColsampleByTree
	p.MinChildWeight = h.MinChildWeight
	p.Gamma = h.Gamma
	p.Seed = seed
	return p
}

// trialSeed is the boosting seed used for the given trial number.
func trialSeed(seed int64, trial int) uint64 {
	return uint64(seed) + uint64(trial)
}

// bestTrial returns the earliest trial with the lowest MSE.
func bestTrial(trials []model.Trial) model.Trial {
	best := trials[0]
	for _, tr := range trials[1:] {
		if tr.MSE < best.MSE {
			best = tr
		}
	}
	return best
}

// Search runs the bounded hyperparameter search, fitting each trial on the
// training split and scoring it by validation MSE. The lowest MSE wins; ties
// keep the earliest trial.
func Search(ctx context.Context, split Split, trials int, seed int64) (model.Hyperparameters, []model.Trial, error) {
	log := zap.L().With(zap.String("component", "train"))
	if trials < 1 {
		return model.Hyperparameters{}, nil, eris.Errorf("train: trials %d must be positive", trials)
	}

	xt, yt := features.Matrix(split.Train)
	xv, yv := features.Matrix(split.Validation)

	s := newSampler(seed, trials)
	var (
		best    *point
		bestMSE = math.Inf(1)
		history = make([]model.Trial, 0, trials)
	)
	for trial := range trials {
		if err := ctx.Err(); err != nil {
			return model.Hyperparameters{}, nil, eris.Wrap(err, "train: search cancelled")
		}

		p := s.next(trial, best)
		hp := p.decode()
		m, err := gbt.Fit(xt, yt, GBTParams(hp, trialSeed(seed, trial)))
		if err != nil {
			return model.Hyperparameters{}, nil, eris.Wrapf(err, "train: trial %d", trial)
		}
		score := Evaluate(yv, m.PredictAll(xv)).MSE
		history = append(history, model.Trial{Number: trial, Params: hp, MSE: score})

		if score < bestMSE {
			bestMSE = score
			cp := p
			best = &cp
		}
		log.Debug("search trial",
			zap.Int("trial", trial),
			zap.Float64("mse", score),
			zap.Float64("best_mse", bestMSE),
			zap.Int("max_depth", hp.MaxDepth),
			zap.Float64("learning_rate", hp.LearningRate),
			zap.Int("n_estimators", hp.NEstimators))
	}
	return best.decode(), history, nil
}
