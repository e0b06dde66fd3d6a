package model

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDayOfWeek(t *testing.T) {
	t.Parallel()

	tests := []struct {
		date string
		want int
	}{
		{"2024-03-04", 0}, // Monday
		{"2024-03-05", 1},
		{"2024-03-09", 5},
		{"2024-03-10", 6}, // Sunday
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			t.Parallel()
			d, err := ParseDate(tt.date)
			require.NoError(t, err)
			assert.Equal(t, tt.want, DayOfWeek(d))
		})
	}
}

func TestDateHelpers(t *testing.T) {
	t.Parallel()

	d := Day(time.Date(2024, 2, 28, 23, 59, 0, 0, time.UTC))
	assert.Equal(t, "2024-02-28", d.Format(DateLayout))
	assert.Equal(t, "2024-03-01", AddDays(d, 2).Format(DateLayout))
	assert.Equal(t, 2, DaysBetween(d, AddDays(d, 2)))
	assert.Equal(t, -1, DaysBetween(d, AddDays(d, -1)))

	_, err := ParseDate("28/02/2024")
	assert.Error(t, err)
}

func TestObservationValidate(t *testing.T) {
	t.Parallel()

	d, _ := ParseDate("2024-01-01")
	ok := Observation{LocationID: "malmo", Date: d, PM25: 12}
	assert.NoError(t, ok.Validate())

	noID := ok
	noID.LocationID = ""
	assert.Error(t, noID.Validate())

	nan := ok
	nan.PM25 = math.NaN()
	assert.Error(t, nan.Validate())

	inf := ok
	inf.WindSpeedMax = math.Inf(1)
	assert.ErrorContains(t, inf.Validate(), "wind_speed_max")
}

func TestEngineeredValidate(t *testing.T) {
	t.Parallel()

	d, _ := ParseDate("2024-01-01")
	e := Engineered{Observation: Observation{LocationID: "lund", Date: d, PM25: 5}, DayOfWeek: 0}
	assert.NoError(t, e.Validate())

	bad := e
	bad.WeatherRoll3.PrecipitationSum = math.NaN()
	assert.Error(t, bad.Validate())

	dow := e
	dow.DayOfWeek = 7
	assert.ErrorContains(t, dow.Validate(), "day_of_week")
}

func TestErrorsUnwrap(t *testing.T) {
	t.Parallel()

	cause := eris.New("boom")
	var fe *FetchError
	err := eris.Wrap(&FetchError{Provider: "aqicn", Location: "ystad", Err: cause}, "update features")
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "ystad", fe.Location)
	assert.ErrorIs(t, err, cause)

	se := &StoreError{Op: "upsert observations", Err: cause}
	assert.ErrorIs(t, se, cause)
	assert.Contains(t, se.Error(), "upsert observations")

	di := &DataInsufficientError{Stage: "train", Have: 10, Need: 60}
	assert.Equal(t, "train: insufficient data: have 10, need 60", di.Error())

	sm := &SchemaMismatchError{Expected: []string{"a", "b"}, Got: []string{"b", "a"}}
	assert.Contains(t, sm.Error(), "[a,b]")
}

func TestArtifactSameFeatures(t *testing.T) {
	t.Parallel()

	a := &Artifact{FeatureNames: []string{"x", "y"}}
	assert.True(t, a.SameFeatures([]string{"x", "y"}))
	assert.False(t, a.SameFeatures([]string{"y", "x"}))
	assert.False(t, a.SameFeatures([]string{"x"}))
}

func TestHindcastAbsError(t *testing.T) {
	t.Parallel()

	h := Hindcast{Prediction: Prediction{PredictedPM25: 8}, ObservedPM25: 11}
	assert.InDelta(t, 3.0, h.AbsError(), 1e-9)
}

func TestRunDuration(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	r := Run{StartedAt: start}
	assert.Zero(t, r.Duration())
	done := start.Add(90 * time.Second)
	r.CompletedAt = &done
	assert.Equal(t, 90*time.Second, r.Duration())
}

func TestLocationIndex(t *testing.T) {
	t.Parallel()

	idx := LocationIndex([]Location{{ID: "malmo", City: "Malmö"}, {ID: "lund", City: "Lund"}})
	assert.Len(t, idx, 2)
	assert.Equal(t, "Malmö", idx["malmo"].City)
}
