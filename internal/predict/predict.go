// Package predict produces recursive multi-day pm25 forecasts per location
// from a trained artifact and stored history.
package predict

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/features"
	"github.com/skane-air/aqcast/internal/gbt"
	"github.com/skane-air/aqcast/internal/model"
)

// Skip reasons.
const (
	ReasonNoHistory      = "no_history"
	ReasonStaleHistory   = "stale_history"
	ReasonMissingWeather = "missing_weather"
	ReasonSeedHistory    = "insufficient_seed_history"
)

// Skip reports a location that produced no forecast.
type Skip struct {
	Location string `json:"location"`
	Reason   string `json:"reason"`
	Detail   string `json:"detail,omitempty"`
}

func (s Skip) String() string {
	if s.Detail == "" {
		return s.Location + ": " + s.Reason
	}
	return fmt.Sprintf("%s: %s (%s)", s.Location, s.Reason, s.Detail)
}

// Input is the stored history of one location. Observation weather takes
// precedence over WeatherDay rows for the same date.
type Input struct {
	Location     model.Location
	Observations []model.Observation
	Weather      []model.WeatherDay
}

// Result is one batch of forecasts.
type Result struct {
	ForecastDate time.Time
	Predictions  []model.Prediction
	Skips        []Skip
}

// Predictor forecasts with one model version.
type Predictor struct {
	model        *gbt.Model
	version      int
	horizon      int
	maxStaleness int
}

// New checks the artifact's feature order against the engineer's and decodes
// its regressor. A mismatch returns *model.SchemaMismatchError.
func New(art *model.Artifact, cfg config.PredictConfig) (*Predictor, error) {
	names := features.Names()
	if !art.SameFeatures(names) {
		return nil, &model.SchemaMismatchError{Expected: art.FeatureNames, Got: names}
	}
	m, err := gbt.Unmarshal(art.Model)
	if err != nil {
		return nil, err
	}
	if m.NumFeatures != len(names) {
		return nil, &model.SchemaMismatchError{Expected: art.FeatureNames, Got: names}
	}
	horizon := cfg.HorizonDays
	if horizon <= 0 {
		horizon = 7
	}
	return &Predictor{
		model:        m,
		version:      art.Version,
		horizon:      horizon,
		maxStaleness: cfg.MaxStalenessDays,
	}, nil
}

// Horizon returns the number of emitted days per location.
func (p *Predictor) Horizon() int { return p.horizon }

// Predict forecasts forecastDate+1 .. forecastDate+horizon for every input, in
// input order. Locations that cannot be forecast are reported as skips and do
// not stop the batch.
func (p *Predictor) Predict(forecastDate time.Time, inputs []Input) Result {
	log := zap.L().With(zap.String("component", "predict"))
	forecastDate = model.Day(forecastDate)

	res := Result{ForecastDate: forecastDate}
	for _, in := range inputs {
		preds, skip := p.location(forecastDate, in)
		if skip != nil {
			log.Warn("location skipped",
				zap.String("location", skip.Location),
				zap.String("reason", skip.Reason),
				zap.String("detail", skip.Detail))
			res.Skips = append(res.Skips, *skip)
			continue
		}
		res.Predictions = append(res.Predictions, preds...)
	}

	log.Info("batch inference summary",
		zap.String("forecast_date", forecastDate.Format(model.DateLayout)),
		zap.Int("model_version", p.version),
		zap.Int("locations", len(inputs)),
		zap.Int("predictions", len(res.Predictions)),
		zap.Int("skipped", len(res.Skips)))
	return res
}

// location runs the recursive forecast for one location. Every day after the
// anchor is predicted in date order and fed back as pm25 history, so gap days
// between the anchor and forecastDate are filled but not emitted.
func (p *Predictor) location(forecastDate time.Time, in Input) ([]model.Prediction, *Skip) {
	id := in.Location.ID
	h := features.NewHistory(in.Location)
	for _, w := range in.Weather {
		h.SetWeather(w.Date, w.Weather)
	}
	for _, o := range in.Observations {
		h.AddObservation(o)
	}

	anchor, ok := h.LatestPM25(forecastDate)
	if !ok {
		return nil, &Skip{Location: id, Reason: ReasonNoHistory}
	}
	if age := model.DaysBetween(anchor, forecastDate); age > p.maxStaleness {
		return nil, &Skip{
			Location: id,
			Reason:   ReasonStaleHistory,
			Detail:   fmt.Sprintf("latest pm25 %s is %d days old", anchor.Format(model.DateLayout), age),
		}
	}

	last := model.AddDays(forecastDate, p.horizon)
	out := make([]model.Prediction, 0, p.horizon)
	for d := model.AddDays(anchor, 1); !d.After(last); d = model.AddDays(d, 1) {
		row, ok := h.Row(d)
		if !ok {
			return nil, p.diagnose(h, d)
		}
		v := max(0, p.model.Predict(features.Vector(row)))
		h.SetPM25(d, v)
		if d.After(forecastDate) {
			out = append(out, model.Prediction{
				LocationID:    id,
				ForecastDate:  forecastDate,
				TargetDate:    d,
				PredictedPM25: v,
				ModelVersion:  p.version,
			})
		}
	}
	return out, nil
}

// diagnose explains why no row could be built for date.
func (p *Predictor) diagnose(h *features.History, date time.Time) *Skip {
	id := h.Location.ID
	if _, ok := h.Weather(date); !ok {
		return &Skip{Location: id, Reason: ReasonMissingWeather, Detail: date.Format(model.DateLayout)}
	}
	for k := 1; k <= features.Window; k++ {
		d := model.AddDays(date, -k)
		if _, ok := h.Weather(d); !ok {
			return &Skip{Location: id, Reason: ReasonMissingWeather, Detail: d.Format(model.DateLayout)}
		}
	}
	return &Skip{Location: id, Reason: ReasonSeedHistory, Detail: date.Format(model.DateLayout)}
}
