package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/metrics"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/store"
)

type mockStore struct {
	runs       []model.Run
	lastOK     *time.Time
	forecast   time.Time
	hindcast   map[string][]model.Hindcast
	runsErr    error
	hindFrom   time.Time
	hindTo     time.Time
	hindLookup []string
}

func (m *mockStore) ListRuns(context.Context, store.RunFilter) ([]model.Run, error) {
	return m.runs, m.runsErr
}

func (m *mockStore) LastSuccess(context.Context, string) (*time.Time, error) {
	return m.lastOK, nil
}

func (m *mockStore) LatestForecastDate(context.Context) (time.Time, error) {
	if m.forecast.IsZero() {
		return time.Time{}, store.ErrNotFound
	}
	return m.forecast, nil
}

func (m *mockStore) Hindcast(_ context.Context, loc string, from, to time.Time) ([]model.Hindcast, error) {
	m.hindLookup = append(m.hindLookup, loc)
	m.hindFrom, m.hindTo = from, to
	return m.hindcast[loc], nil
}

func hc(pred, obs float64) model.Hindcast {
	return model.Hindcast{Prediction: model.Prediction{PredictedPM25: pred}, ObservedPM25: obs}
}

func TestCollector_Collect(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	last := now.Add(-6 * time.Hour)
	st := &mockStore{
		runs: []model.Run{
			{Status: model.RunStatusComplete, StartedAt: now.Add(-time.Hour)},
			{Status: model.RunStatusPartial, StartedAt: now.Add(-25 * time.Hour)},
			{Status: model.RunStatusFailed, StartedAt: now.Add(-49 * time.Hour)},
			{Status: model.RunStatusRunning, StartedAt: now.Add(-time.Minute)},
			{Status: model.RunStatusFailed, StartedAt: now.AddDate(0, 0, -30)}, // outside window
		},
		lastOK:   &last,
		forecast: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		hindcast: map[string][]model.Hindcast{
			"malmo": {hc(10, 12), hc(8, 4)},
		},
	}
	rec := metrics.New()
	c := NewCollector(st, []model.Location{{ID: "malmo"}, {ID: "lund"}}, rec)
	c.now = func() time.Time { return now }

	snap, err := c.Collect(context.Background(), 14)
	require.NoError(t, err)

	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 1, snap.RunsPartial)
	assert.Equal(t, 1, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.InDelta(t, 1.0/3, snap.FailRate, 1e-9)

	assert.Equal(t, 6.0, snap.PredictAge)
	require.NotNil(t, snap.LatestForecastDate)
	assert.Equal(t, st.forecast, *snap.LatestForecastDate)

	require.Len(t, snap.Hindcast, 2)
	assert.Equal(t, LocationHindcast{Location: "malmo", Samples: 2, MAE: 3}, snap.Hindcast[0])
	assert.Equal(t, LocationHindcast{Location: "lund"}, snap.Hindcast[1])
	assert.Equal(t, []string{"malmo", "lund"}, st.hindLookup)
	assert.Equal(t, time.Date(2024, 2, 25, 0, 0, 0, 0, time.UTC), st.hindFrom)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), st.hindTo)
}

func TestCollector_EmptyStore(t *testing.T) {
	c := NewCollector(&mockStore{}, nil, nil)

	snap, err := c.Collect(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, snap.RunsTotal)
	assert.Nil(t, snap.LastPredict)
	assert.Nil(t, snap.LatestForecastDate)
	assert.Zero(t, snap.FailRate)
}

func TestCollector_StoreError(t *testing.T) {
	c := NewCollector(&mockStore{runsErr: errors.New("db down")}, nil, nil)

	_, err := c.Collect(context.Background(), 7)
	assert.ErrorContains(t, err, "db down")
}

func TestMAE(t *testing.T) {
	assert.Zero(t, MAE(nil))
	assert.InDelta(t, 2.5, MAE([]model.Hindcast{hc(1, 3), hc(6, 3)}), 1e-9)
}
