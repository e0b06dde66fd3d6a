package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/store"
)

const (
	histFrom = "2024-01-01"
	histTo   = "2024-02-29"
	today    = "2024-03-01"
)

func backfilled(t *testing.T, locs ...model.Location) *harness {
	t.Helper()
	h := newHarness(t, day(today), locs...)
	dir := t.TempDir()
	for i, loc := range locs {
		writeHistory(t, dir, loc, day(histFrom), day(histTo), float64(i)*3)
	}
	res, err := h.p.Backfill(context.Background(), dir, day(histFrom), day(histTo))
	require.NoError(t, err)
	require.Equal(t, model.RunStatusComplete, res.Status)
	return h
}

func lastRun(t *testing.T, st store.Store, command string) model.Run {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), store.RunFilter{Command: command, Limit: 1})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func scrape(t *testing.T, h *harness) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.rec.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestBackfill(t *testing.T) {
	h := backfilled(t, malmo, lund)
	ctx := context.Background()

	obs, err := h.store.Observations(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, obs, 2*60)

	rows, err := h.store.Engineered(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, rows, 2*57, "first three days of each location lack history")

	weather, err := h.store.Weather(ctx, "malmo", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, weather, 60)
	assert.Equal(t, model.WeatherArchive, weather[0].Source)

	run := lastRun(t, h.store, model.CommandBackfill)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.Equal(t, "2024-01-01", run.Metadata["from"])

	assert.Contains(t, scrape(t, h), `aqcast_step_status_total{status="complete",step="backfill"} 1`)
}

func TestBackfill_MissingFileIsPartial(t *testing.T) {
	h := newHarness(t, day(today), malmo, lund)
	dir := t.TempDir()
	writeHistory(t, dir, malmo, day(histFrom), day(histTo), 0)

	res, err := h.p.Backfill(context.Background(), dir, day(histFrom), day(histTo))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, res.Status)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, "lund", res.Skips[0].Location)
	assert.Equal(t, ReasonFetch, res.Skips[0].Reason)

	run := lastRun(t, h.store, model.CommandBackfill)
	assert.Equal(t, model.RunStatusPartial, run.Status)
	assert.Equal(t, []any{"lund: fetch_failed (history)"}, run.Metadata["skipped"])
	assert.Contains(t, scrape(t, h), `aqcast_locations_skipped_total{reason="fetch_failed",step="backfill"} 1`)
}

func TestBackfill_AllMissingFails(t *testing.T) {
	h := newHarness(t, day(today), malmo, lund)

	_, err := h.p.Backfill(context.Background(), t.TempDir(), day(histFrom), day(histTo))
	var fe *model.FetchError
	require.True(t, errors.As(err, &fe))

	run := lastRun(t, h.store, model.CommandBackfill)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "all 2 locations failed")
}

func TestBackfill_DropsOutliers(t *testing.T) {
	h := newHarness(t, day(today), malmo)
	dir := t.TempDir()
	csv := "date,median\n" +
		"2024-01-01,10\n2024-01-02,11\n2024-01-03,12\n2024-01-04,13\n2024-01-05,999\n" +
		"2024-01-06,14\n2024-01-07,15\n2024-01-08,16\n2024-01-09,17\n2024-01-10,18\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "malmo.csv"), []byte(csv), 0o644))

	res, err := h.p.Backfill(context.Background(), dir, day("2024-01-01"), day("2024-01-10"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Metadata["dropped_outliers"])

	obs, err := h.store.Observations(context.Background(), "malmo", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, obs, 9)

	rows, err := h.store.Engineered(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	var dates []string
	for _, r := range rows {
		dates = append(dates, r.Date.Format(model.DateLayout))
	}
	assert.Equal(t, []string{"2024-01-04", "2024-01-09", "2024-01-10"}, dates)
}

func TestBackfill_RejectsReversedRange(t *testing.T) {
	h := newHarness(t, day(today), malmo)
	_, err := h.p.Backfill(context.Background(), t.TempDir(), day("2024-02-01"), day("2024-01-01"))
	assert.ErrorContains(t, err, "before")
}

func TestUpdateFeatures(t *testing.T) {
	h := backfilled(t, malmo, lund)
	ctx := context.Background()
	h.aq.On("Feed", mock.Anything, malmo.Station).Return(feedOn(day(today), 14), nil)
	h.aq.On("Feed", mock.Anything, lund.Station).Return(feedOn(day(today), 11), nil)

	res, err := h.p.UpdateFeatures(ctx, day(today))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	assert.Empty(t, res.Skips)

	obs, err := h.store.Observations(ctx, "malmo", day(today), day(today))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, 14.0, obs[0].PM25)
	w := syntheticWeather(day(today))
	assert.Equal(t, w.TemperatureMean, obs[0].TemperatureMean)

	forecast, err := h.store.Weather(ctx, "lund", day(today), time.Time{})
	require.NoError(t, err)
	require.Len(t, forecast, 10)
	assert.Equal(t, model.WeatherForecast, forecast[9].Source)

	prev, err := h.store.Observations(ctx, "malmo", day("2024-02-29"), day("2024-02-29"))
	require.NoError(t, err)
	require.Len(t, prev, 1)

	rows, err := h.store.Engineered(ctx, day(today), day(today))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "malmo", rows[1].LocationID)
	assert.Equal(t, prev[0].PM25, rows[1].PM25Lag1)
	assert.Equal(t, model.DayOfWeek(day(today)), rows[0].DayOfWeek)

	h.aq.AssertExpectations(t)
}

func TestUpdateFeatures_LocalDateAheadOfUTC(t *testing.T) {
	h := backfilled(t, malmo)
	ctx := context.Background()
	tomorrow := model.AddDays(day(today), 1)
	h.aq.On("Feed", mock.Anything, malmo.Station).Return(feedOn(day(today), 14), nil).Once()
	h.aq.On("Feed", mock.Anything, malmo.Station).Return(feedOn(tomorrow, 9), nil).Once()

	_, err := h.p.UpdateFeatures(ctx, day(today))
	require.NoError(t, err)
	res, err := h.p.UpdateFeatures(ctx, day(today))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Status)

	rows, err := h.store.Engineered(ctx, tomorrow, tomorrow)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 9.0, rows[0].PM25)
	assert.Equal(t, 14.0, rows[0].PM25Lag1)

	h.aq.AssertExpectations(t)
}

func TestUpdateFeatures_OneLocationFails(t *testing.T) {
	h := backfilled(t, malmo, lund)
	h.aq.On("Feed", mock.Anything, malmo.Station).Return(feedOn(day(today), 14), nil)
	h.aq.On("Feed", mock.Anything, lund.Station).Return(nil, errors.New("unknown station"))

	res, err := h.p.UpdateFeatures(context.Background(), day(today))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, res.Status)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, Skip{Location: "lund", Reason: ReasonFetch, Detail: "aqicn"}, res.Skips[0])

	obs, err := h.store.Observations(context.Background(), "", day(today), day(today))
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "malmo", obs[0].LocationID)
}

func TestUpdateFeatures_OutlierSkipped(t *testing.T) {
	h := backfilled(t, malmo)
	h.aq.On("Feed", mock.Anything, malmo.Station).Return(feedOn(day(today), 999), nil)

	res, err := h.p.UpdateFeatures(context.Background(), day(today))
	require.NoError(t, err)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, ReasonOutlier, res.Skips[0].Reason)

	obs, err := h.store.Observations(context.Background(), "malmo", day(today), day(today))
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestUpdateFeatures_AllFail(t *testing.T) {
	h := backfilled(t, malmo, lund)
	h.aq.On("Feed", mock.Anything, mock.Anything).Return(nil, errors.New("invalid key"))

	_, err := h.p.UpdateFeatures(context.Background(), day(today))
	var fe *model.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "aqicn", fe.Provider)

	assert.Equal(t, model.RunStatusFailed, lastRun(t, h.store, model.CommandFeatures).Status)
	assert.Contains(t, scrape(t, h), `aqcast_step_status_total{status="failed",step="features"} 1`)
}

func TestTrainAndPredict(t *testing.T) {
	h := backfilled(t, malmo, lund)
	ctx := context.Background()
	h.aq.On("Feed", mock.Anything, malmo.Station).Return(feedOn(day(today), 14), nil)
	h.aq.On("Feed", mock.Anything, lund.Station).Return(feedOn(day(today), 11), nil)
	_, err := h.p.UpdateFeatures(ctx, day(today))
	require.NoError(t, err)

	res, art, err := h.p.Train(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	assert.Equal(t, 1, art.Version)
	assert.Equal(t, 1, res.Metadata["model_version"])

	pred, err := h.p.Predict(ctx, day(today), 0)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, pred.Status)
	assert.Equal(t, int64(14), pred.Rows)

	stored, err := h.store.Predictions(ctx, day(today))
	require.NoError(t, err)
	require.Len(t, stored, 14)
	assert.Equal(t, "lund", stored[0].LocationID)
	assert.Equal(t, model.AddDays(day(today), 1), stored[0].TargetDate)
	assert.Equal(t, model.AddDays(day(today), 7), stored[6].TargetDate)
	for _, p := range stored {
		assert.GreaterOrEqual(t, p.PredictedPM25, 0.0)
		assert.Equal(t, 1, p.ModelVersion)
	}

	_, err = h.p.Predict(ctx, day(today), 7)
	assert.ErrorContains(t, err, "model version 7 not found")
}

func TestPredictInputs_LatestRows(t *testing.T) {
	h := backfilled(t, malmo)

	inputs, err := h.p.predictInputs(context.Background(), day(today), 7)
	require.NoError(t, err)
	require.Len(t, inputs, 1)

	// MaxStalenessDays 2 plus two lag windows, counted inclusively.
	obs := inputs[0].Observations
	require.Len(t, obs, 9)
	assert.Equal(t, day("2024-02-21"), obs[0].Date)
	assert.Equal(t, day(histTo), obs[len(obs)-1].Date)
	for i := 1; i < len(obs); i++ {
		assert.True(t, obs[i].Date.After(obs[i-1].Date))
	}
	assert.Equal(t, day("2024-02-21"), inputs[0].Weather[0].Date)
}

func TestTrain_InsufficientData(t *testing.T) {
	h := newHarness(t, day(today), malmo)

	_, _, err := h.p.Train(context.Background())
	var di *model.DataInsufficientError
	require.True(t, errors.As(err, &di))
	assert.Equal(t, "train", di.Stage)
	assert.Equal(t, model.RunStatusFailed, lastRun(t, h.store, model.CommandTrain).Status)
}

func TestPredict_NoModel(t *testing.T) {
	h := newHarness(t, day(today), malmo)

	_, err := h.p.Predict(context.Background(), day(today), 0)
	assert.ErrorContains(t, err, "no trained model")
	assert.Equal(t, model.RunStatusFailed, lastRun(t, h.store, model.CommandPredict).Status)
}

func TestPredict_StaleLocationPartial(t *testing.T) {
	h := backfilled(t, malmo, lund)
	ctx := context.Background()
	h.p.cfg.OpenMeteo.ForecastDays = 14
	h.p.cfg.Predict.MaxStalenessDays = 3
	h.aq.On("Feed", mock.Anything, malmo.Station).Return(feedOn(day(today), 14), nil)
	h.aq.On("Feed", mock.Anything, lund.Station).Return(nil, errors.New("unknown station"))
	_, err := h.p.UpdateFeatures(ctx, day(today))
	require.NoError(t, err)
	_, _, err = h.p.Train(ctx)
	require.NoError(t, err)

	// malmo's anchor is three days old; lund's (2024-02-29) is four.
	fd := model.AddDays(day(today), 3)
	res, err := h.p.Predict(ctx, fd, 0)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, res.Status)
	assert.Equal(t, int64(7), res.Rows)
	require.Len(t, res.Skips, 1)
	assert.Equal(t, "lund", res.Skips[0].Location)
	assert.Equal(t, "stale_history", res.Skips[0].Reason)
}

func TestDaily(t *testing.T) {
	h := backfilled(t, malmo, lund)
	ctx := context.Background()
	_, _, err := h.p.Train(ctx)
	require.NoError(t, err)
	h.aq.On("Feed", mock.Anything, mock.Anything).Return(feedOn(day(today), 12), nil)

	res, err := h.p.Daily(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, res.Status)
	assert.Equal(t, today, res.Metadata["forecast_date"])

	for _, cmd := range []string{model.CommandDaily, model.CommandFeatures, model.CommandPredict} {
		assert.Equal(t, model.RunStatusComplete, lastRun(t, h.store, cmd).Status, cmd)
	}
	latest, err := h.store.LatestForecastDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, day(today), latest)
}

func TestDaily_StopsOnFeatureFailure(t *testing.T) {
	h := backfilled(t, malmo)
	h.aq.On("Feed", mock.Anything, mock.Anything).Return(nil, errors.New("invalid key"))

	_, err := h.p.Daily(context.Background())
	require.Error(t, err)
	var fe *model.FetchError
	assert.True(t, errors.As(err, &fe))

	assert.Equal(t, model.RunStatusFailed, lastRun(t, h.store, model.CommandDaily).Status)
	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{Command: model.CommandPredict})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestMergeSkips(t *testing.T) {
	a := []Skip{{Location: "lund", Reason: ReasonFetch, Detail: "aqicn"}}
	b := []Skip{{Location: "lund", Reason: ReasonFetch, Detail: "again"}, {Location: "lund", Reason: "stale_history"}}
	got := mergeSkips(a, b)
	require.Len(t, got, 2)
	assert.Equal(t, "aqicn", got[0].Detail)
	assert.Equal(t, "stale_history", got[1].Reason)
}
