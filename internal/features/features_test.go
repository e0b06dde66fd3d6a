package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/model"
)

var (
	malmo = model.Location{ID: "malmo", City: "Malmö", Latitude: 55.605, Longitude: 13.0038}
	lund  = model.Location{ID: "lund", City: "Lund", Latitude: 55.7047, Longitude: 13.191}
	start = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC) // Monday
)

func series(loc model.Location, values ...float64) []model.Observation {
	obs := make([]model.Observation, len(values))
	for i, v := range values {
		obs[i] = model.Observation{
			LocationID: loc.ID,
			Date:       start.AddDate(0, 0, i),
			PM25:       v,
			Weather: model.Weather{
				TemperatureMean:       float64(i),
				PrecipitationSum:      float64(i) * 0.5,
				WindSpeedMax:          10 + float64(i),
				WindDirectionDominant: 200 + float64(i),
			},
		}
	}
	return obs
}

func TestNamesMatchVector(t *testing.T) {
	t.Parallel()

	n := Names()
	require.Len(t, n, 19)
	assert.Equal(t, "pm25_lag_1", n[0])
	assert.Equal(t, "temperature_mean_lag_1", n[8])
	assert.Equal(t, "wind_direction_dominant_roll_3", n[15])
	assert.Equal(t, "longitude", n[18])

	n[0] = "mutated"
	assert.Equal(t, "pm25_lag_1", Names()[0], "Names returns a copy")

	res := Engineer(series(malmo, 1, 2, 3, 4), []model.Location{malmo})
	require.Len(t, res.Rows, 1)
	v := Vector(res.Rows[0])
	require.Len(t, v, len(Names()))
	// day 3: weather index 3, lags from days 2,1,0
	want := []float64{
		3, 2, 1, 2,
		3, 1.5, 13, 203,
		2, 1,
		1, 0.5,
		12, 11,
		202, 201,
		3, 55.605, 13.0038,
	}
	assert.InDeltaSlice(t, want, v, 1e-9)
}

func TestScenarioTenDays(t *testing.T) {
	t.Parallel()

	res := Engineer(series(malmo, 10, 12, 11, 15, 14, 13, 16, 15, 14, 17), []model.Location{malmo})
	require.Len(t, res.Rows, 7, "first three days lack history")
	assert.Equal(t, 3, res.Dropped[ReasonMissingHistory])

	last := res.Rows[len(res.Rows)-1]
	assert.Equal(t, start.AddDate(0, 0, 9), last.Date)
	assert.InDelta(t, 17.0, last.PM25, 1e-9)
	assert.InDelta(t, 14.0, last.PM25Lag1, 1e-9)
	assert.InDelta(t, 15.0, last.PM25Lag2, 1e-9)
	assert.InDelta(t, 16.0, last.PM25Lag3, 1e-9)
	assert.InDelta(t, 15.0, last.PM25Roll3, 1e-9) // mean(14, 15, 16)
}

func TestLag1EqualsPreviousDay(t *testing.T) {
	t.Parallel()

	values := []float64{3, 8, 1, 9, 4, 7, 2, 6}
	res := Engineer(series(malmo, values...), []model.Location{malmo})
	for _, r := range res.Rows {
		i := model.DaysBetween(start, r.Date)
		assert.InDelta(t, values[i-1], r.PM25Lag1, 1e-9)
		assert.InDelta(t, values[i-2], r.PM25Lag2, 1e-9)
		assert.InDelta(t, values[i-3], r.PM25Lag3, 1e-9)
	}
}

func TestRoll3OnlyDependsOnPrecedingThreeDays(t *testing.T) {
	t.Parallel()

	base := []float64{5, 6, 7, 8, 9, 10, 11}
	target := start.AddDate(0, 0, 6)
	roll := func(values []float64) float64 {
		res := Engineer(series(malmo, values...), []model.Location{malmo})
		for _, r := range res.Rows {
			if r.Date.Equal(target) {
				return r.PM25Roll3
			}
		}
		t.Fatal("target row missing")
		return 0
	}

	orig := roll(base)
	assert.InDelta(t, (8.0+9+10)/3, orig, 1e-9)

	for i := range base {
		changed := append([]float64(nil), base...)
		changed[i] += 100
		got := roll(changed)
		if i >= 3 && i <= 5 {
			assert.NotEqual(t, orig, got, "day %d is in the window", i)
		} else {
			assert.InDelta(t, orig, got, 1e-9, "day %d is outside the window", i)
		}
	}
}

func TestMissingDayDropsDependentRows(t *testing.T) {
	t.Parallel()

	obs := series(malmo, 1, 2, 3, 4, 5, 6, 7, 8)
	obs = append(obs[:4], obs[5:]...) // remove day 4

	res := Engineer(obs, []model.Location{malmo})
	var got []int
	for _, r := range res.Rows {
		got = append(got, model.DaysBetween(start, r.Date))
	}
	// Days 5, 6, 7 each need day 4 in their window.
	assert.Equal(t, []int{3}, got)
}

func TestUnorderedMixedAndDuplicates(t *testing.T) {
	t.Parallel()

	a := series(malmo, 1, 2, 3, 4)
	b := series(lund, 10, 20, 30, 40)
	dup := a[2]
	dup.PM25 = 99
	obs := []model.Observation{b[3], a[3], a[1], b[0], a[2], b[2], a[0], b[1], dup}
	obs = append(obs, model.Observation{LocationID: "nowhere", Date: start})

	res := Engineer(obs, []model.Location{malmo, lund})
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "malmo", res.Rows[0].LocationID)
	assert.InDelta(t, 99.0, res.Rows[0].PM25Lag1, 1e-9, "last duplicate wins")
	assert.Equal(t, "lund", res.Rows[1].LocationID)
	assert.InDelta(t, 30.0, res.Rows[1].PM25Lag1, 1e-9)
	assert.InDelta(t, lund.Latitude, res.Rows[1].Latitude, 1e-9)
	assert.Equal(t, 1, res.Dropped[ReasonUnknownLocation])
}

func TestIntradayTimestampsCollapseToOneRowPerDay(t *testing.T) {
	t.Parallel()

	obs := series(malmo, 10, 12, 11, 15)
	late := obs[3]
	late.Date = late.Date.Add(18 * time.Hour)
	obs = append(obs, late)

	res := Engineer(obs, []model.Location{malmo})
	require.Len(t, res.Rows, 1)
	assert.Equal(t, start.AddDate(0, 0, 3), res.Rows[0].Date)
	assert.InDelta(t, 11.0, res.Rows[0].PM25Lag1, 1e-9)
	assert.InDelta(t, 11.0, res.Rows[0].PM25Roll3, 1e-9)
}

func TestUniqueDates(t *testing.T) {
	t.Parallel()

	d := func(day, hour int) time.Time { return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC) }
	got := uniqueDates([]time.Time{d(6, 0), d(4, 9), d(5, 0), d(4, 0), d(6, 23)})
	assert.Equal(t, []time.Time{d(4, 0), d(5, 0), d(6, 0)}, got)
	assert.Empty(t, uniqueDates(nil))
}

func TestDayOfWeekFeature(t *testing.T) {
	t.Parallel()

	res := Engineer(series(malmo, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10), []model.Location{malmo})
	for _, r := range res.Rows {
		assert.Equal(t, model.DaysBetween(start, r.Date)%7, r.DayOfWeek)
	}
}

func TestFilterOutliers(t *testing.T) {
	t.Parallel()

	obs := series(malmo, 5, -1, 999, 500, 0)
	obs = append(obs, model.Observation{LocationID: "malmo", Date: start, PM25: math.NaN()})

	kept, dropped := FilterOutliers(obs, 500)
	require.Len(t, kept, 3)
	assert.Equal(t, []float64{5, 500, 0}, []float64{kept[0].PM25, kept[1].PM25, kept[2].PM25})
	assert.Equal(t, 2, dropped[ReasonOutlier])
	assert.Equal(t, 1, dropped[ReasonInvalid])
}

func TestHistoryRowForInference(t *testing.T) {
	t.Parallel()

	h := NewHistory(malmo)
	for _, o := range series(malmo, 4, 5, 6) {
		h.AddObservation(o)
	}
	day3 := start.AddDate(0, 0, 3)
	_, ok := h.Row(day3)
	assert.False(t, ok, "no weather for day 3 yet")

	h.SetWeather(day3, model.Weather{TemperatureMean: 2})
	row, ok := h.Row(day3)
	require.True(t, ok)
	assert.Zero(t, row.PM25)
	assert.InDelta(t, 6.0, row.PM25Lag1, 1e-9)

	latest, ok := h.LatestPM25(day3)
	require.True(t, ok)
	assert.Equal(t, start.AddDate(0, 0, 2), latest)
	_, ok = h.LatestPM25(start.AddDate(0, 0, -1))
	assert.False(t, ok)
}

func TestMatrix(t *testing.T) {
	t.Parallel()

	res := Engineer(series(malmo, 1, 2, 3, 4, 5), []model.Location{malmo})
	x, y := Matrix(res.Rows)
	require.Len(t, x, 2)
	assert.Equal(t, []float64{4, 5}, y)
	assert.Len(t, x[0], len(Names()))
}
