package predict

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/features"
	"github.com/skane-air/aqcast/internal/gbt"
	"github.com/skane-air/aqcast/internal/model"
)

var forecastDate = time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)

var skane = []model.Location{
	{ID: "malmo", Latitude: 55.605, Longitude: 13.0038},
	{ID: "lund", Latitude: 55.7047, Longitude: 13.191},
	{ID: "helsingborg", Latitude: 56.0465, Longitude: 12.6945},
	{ID: "kristianstad", Latitude: 56.0294, Longitude: 14.1567},
	{ID: "landskrona", Latitude: 55.8708, Longitude: 12.8302},
	{ID: "trelleborg", Latitude: 55.3751, Longitude: 13.1569},
	{ID: "ystad", Latitude: 55.4295, Longitude: 13.82},
}

// stepArtifact returns an artifact whose single tree predicts base+1 when
// pm25_lag_1 < 10 and base+3 otherwise.
func stepArtifact(t *testing.T, base float64) *model.Artifact {
	t.Helper()
	m := gbt.Model{
		NumFeatures: len(features.Names()),
		BaseScore:   base,
		Trees: []gbt.Tree{{Nodes: []gbt.Node{
			{Feature: 0, Threshold: 10, Left: 1, Right: 2},
			{Feature: -1, Value: 1},
			{Feature: -1, Value: 3},
		}}},
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return &model.Artifact{Version: 3, FeatureNames: features.Names(), Model: data}
}

func weather(i int) model.Weather {
	return model.Weather{TemperatureMean: 12, PrecipitationSum: 0.2, WindSpeedMax: 6 + float64(i%3), WindDirectionDominant: 240}
}

// input builds a location history whose latest pm25 is anchorAge days before
// forecastDate, with forecast weather through forecastDate+7.
func input(loc model.Location, anchorAge int) Input {
	in := Input{Location: loc}
	anchor := model.AddDays(forecastDate, -anchorAge)
	for k := 2; k >= 0; k-- {
		d := model.AddDays(anchor, -k)
		in.Observations = append(in.Observations, model.Observation{
			LocationID: loc.ID, Date: d, PM25: 20, Weather: weather(k),
			Latitude: loc.Latitude, Longitude: loc.Longitude,
		})
	}
	for d := model.AddDays(anchor, 1); !d.After(model.AddDays(forecastDate, 7)); d = model.AddDays(d, 1) {
		in.Weather = append(in.Weather, model.WeatherDay{
			LocationID: loc.ID, Date: d, Weather: weather(d.Day()), Source: model.WeatherForecast,
		})
	}
	return in
}

func newPredictor(t *testing.T, art *model.Artifact) *Predictor {
	t.Helper()
	p, err := New(art, config.PredictConfig{HorizonDays: 7, MaxStalenessDays: 2})
	require.NoError(t, err)
	return p
}

func TestNew_SchemaMismatch(t *testing.T) {
	t.Parallel()

	art := stepArtifact(t, 5)
	art.FeatureNames = slices.Clone(art.FeatureNames)
	art.FeatureNames[0], art.FeatureNames[1] = art.FeatureNames[1], art.FeatureNames[0]

	_, err := New(art, config.PredictConfig{HorizonDays: 7})
	var sm *model.SchemaMismatchError
	require.True(t, errors.As(err, &sm))
	assert.Equal(t, "pm25_lag_2", sm.Expected[0])
	assert.Equal(t, "pm25_lag_1", sm.Got[0])
}

func TestPredict_Recursive(t *testing.T) {
	t.Parallel()

	p := newPredictor(t, stepArtifact(t, 5))
	res := p.Predict(forecastDate, []Input{input(skane[0], 0)})
	require.Empty(t, res.Skips)
	require.Len(t, res.Predictions, 7)

	var got []float64
	for i, pr := range res.Predictions {
		assert.Equal(t, model.AddDays(forecastDate, i+1), pr.TargetDate)
		assert.Equal(t, forecastDate, pr.ForecastDate)
		assert.Equal(t, 3, pr.ModelVersion)
		got = append(got, pr.PredictedPM25)
	}
	// Day 1 sees observed lag 20; every later day sees the previous prediction.
	assert.Equal(t, []float64{8, 6, 6, 6, 6, 6, 6}, got)
}

func TestPredict_GapDaysFilledNotEmitted(t *testing.T) {
	t.Parallel()

	p := newPredictor(t, stepArtifact(t, 5))
	res := p.Predict(forecastDate, []Input{input(skane[0], 2)})
	require.Empty(t, res.Skips)
	require.Len(t, res.Predictions, 7)
	assert.Equal(t, model.AddDays(forecastDate, 1), res.Predictions[0].TargetDate)
	// Two gap days (8, 6) were predicted before the first emitted day.
	assert.Equal(t, 6.0, res.Predictions[0].PredictedPM25)
}

func TestPredict_StaleAndMissingHistory(t *testing.T) {
	t.Parallel()

	p := newPredictor(t, stepArtifact(t, 5))
	res := p.Predict(forecastDate, []Input{
		input(skane[0], 3),
		{Location: skane[1]},
	})
	assert.Empty(t, res.Predictions)
	require.Len(t, res.Skips, 2)
	assert.Equal(t, ReasonStaleHistory, res.Skips[0].Reason)
	assert.Equal(t, ReasonNoHistory, res.Skips[1].Reason)
}

func TestPredict_SeedHistoryGap(t *testing.T) {
	t.Parallel()

	in := input(skane[0], 0)
	in.Observations = in.Observations[1:] // drop anchor-2 entirely
	in.Weather = append(in.Weather, model.WeatherDay{
		LocationID: skane[0].ID, Date: model.AddDays(forecastDate, -2), Weather: weather(0), Source: model.WeatherArchive,
	})

	res := newPredictor(t, stepArtifact(t, 5)).Predict(forecastDate, []Input{in})
	require.Len(t, res.Skips, 1)
	assert.Equal(t, ReasonSeedHistory, res.Skips[0].Reason)
}

func TestPredict_ClipsAtZero(t *testing.T) {
	t.Parallel()

	res := newPredictor(t, stepArtifact(t, -50)).Predict(forecastDate, []Input{input(skane[0], 0)})
	require.Len(t, res.Predictions, 7)
	for _, pr := range res.Predictions {
		assert.Zero(t, pr.PredictedPM25)
	}
}

func TestPredict_OneMissingForecastOfSeven(t *testing.T) {
	t.Parallel()

	var inputs []Input
	for _, loc := range skane {
		inputs = append(inputs, input(loc, 0))
	}
	inputs[4].Weather = inputs[4].Weather[:3] // forecast ends early for landskrona

	res := newPredictor(t, stepArtifact(t, 5)).Predict(forecastDate, inputs)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, "landskrona", res.Skips[0].Location)
	assert.Equal(t, ReasonMissingWeather, res.Skips[0].Reason)
	assert.Equal(t, model.AddDays(forecastDate, 4).Format(model.DateLayout), res.Skips[0].Detail)
	assert.Len(t, res.Predictions, 6*7)

	// Locations keep configured order.
	var order []string
	for _, pr := range res.Predictions {
		if len(order) == 0 || order[len(order)-1] != pr.LocationID {
			order = append(order, pr.LocationID)
		}
	}
	assert.Equal(t, []string{"malmo", "lund", "helsingborg", "kristianstad", "trelleborg", "ystad"}, order)
}

func TestPredict_Deterministic(t *testing.T) {
	t.Parallel()

	rows := make([]model.Observation, 0, 40)
	for i := range 40 {
		rows = append(rows, model.Observation{
			LocationID: "malmo", Date: model.AddDays(forecastDate, i-39),
			PM25: 8 + float64(i%7), Weather: weather(i),
		})
	}
	eng := features.Engineer(rows, skane[:1])
	x, y := features.Matrix(eng.Rows)
	fitted, err := gbt.Fit(x, y, gbt.Params{MaxDepth: 3, LearningRate: 0.2, NEstimators: 20, Subsample: 0.8, ColsampleByTree: 0.8, MinChildWeight: 1, Lambda: 1, Seed: 9})
	require.NoError(t, err)
	data, err := fitted.Marshal()
	require.NoError(t, err)
	art := &model.Artifact{Version: 1, FeatureNames: features.Names(), Model: data}

	in := input(skane[0], 0)
	in.Observations = rows
	a := newPredictor(t, art).Predict(forecastDate, []Input{in})
	b := newPredictor(t, art).Predict(forecastDate, []Input{in})
	require.Len(t, a.Predictions, 7)
	assert.Equal(t, a, b)
}
