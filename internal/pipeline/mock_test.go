package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/ingest"
	"github.com/skane-air/aqcast/internal/metrics"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/resilience"
	"github.com/skane-air/aqcast/internal/store"
	"github.com/skane-air/aqcast/pkg/aqicn"
	"github.com/skane-air/aqcast/pkg/openmeteo"
)

// --- AQICN Mock ---

type mockAQICN struct {
	mock.Mock
}

func (m *mockAQICN) Feed(ctx context.Context, station string) (*aqicn.Feed, error) {
	args := m.Called(ctx, station)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aqicn.Feed), args.Error(1)
}

// --- Open-Meteo fake ---

// fakeOpenMeteo serves a deterministic weather series for any date range.
type fakeOpenMeteo struct {
	today time.Time
	err   error
}

func syntheticWeather(d time.Time) openmeteo.Day {
	i := float64(d.YearDay())
	return openmeteo.Day{
		Date:                  d,
		TemperatureMean:       2 + 3*math.Sin(i/5),
		PrecipitationSum:      math.Mod(i*1.7, 4),
		WindSpeedMax:          10 + math.Mod(i*3.1, 12),
		WindDirectionDominant: math.Mod(i*37, 360),
	}
}

func (f *fakeOpenMeteo) Forecast(_ context.Context, _, _ float64, days int) ([]openmeteo.Day, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]openmeteo.Day, 0, days)
	for k := 0; k < days; k++ {
		out = append(out, syntheticWeather(model.AddDays(f.today, k)))
	}
	return out, nil
}

func (f *fakeOpenMeteo) Archive(_ context.Context, _, _ float64, from, to time.Time) ([]openmeteo.Day, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []openmeteo.Day
	for d := model.Day(from); !d.After(to); d = model.AddDays(d, 1) {
		out = append(out, syntheticWeather(d))
	}
	return out, nil
}

// --- helpers ---

var (
	malmo = model.Location{ID: "malmo", City: "Malmö", Country: "Sweden", Station: "@10027", Latitude: 55.605, Longitude: 13.0038}
	lund  = model.Location{ID: "lund", City: "Lund", Country: "Sweden", Station: "@10032", Latitude: 55.7047, Longitude: 13.191}
)

func day(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() *config.Config {
	return &config.Config{
		OpenMeteo: config.OpenMeteoConfig{ForecastDays: 10},
		Features:  config.FeaturesConfig{PM25Max: 500, RecomputeDays: 7},
		Train:     config.TrainConfig{Trials: 3, Seed: 42, ValidationFraction: 0.2, MinRows: 60},
		Predict:   config.PredictConfig{HorizonDays: 7, MaxStalenessDays: 2},
	}
}

type harness struct {
	p     *Pipeline
	store store.Store
	aq    *mockAQICN
	om    *fakeOpenMeteo
	rec   *metrics.Recorder
}

func newHarness(t *testing.T, today time.Time, locs ...model.Location) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	aq := &mockAQICN{}
	om := &fakeOpenMeteo{today: today}
	guard := resilience.NewGuard(
		config.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 1, MaxBackoffMs: 1},
		config.CircuitConfig{FailureThreshold: 100, ResetTimeoutSecs: 60},
	)
	rec := metrics.New()
	p := New(testConfig(), st, ingest.New(aq, om, nil, guard), locs, rec)
	p.now = func() time.Time { return today.Add(6 * time.Hour) }
	return &harness{p: p, store: st, aq: aq, om: om, rec: rec}
}

// writeHistory writes <dir>/<id>.csv with one median value per day in [from, to].
func writeHistory(t *testing.T, dir string, loc model.Location, from, to time.Time, offset float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("# synthetic station history\n")
	b.WriteString("date, median\n")
	for d := from; !d.After(to); d = model.AddDays(d, 1) {
		i := float64(d.YearDay())
		fmt.Fprintf(&b, "%s, %.2f\n", d.Format(model.DateLayout), offset+8+4*math.Sin(i/4)+math.Mod(i, 3))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, loc.ID+".csv"), []byte(b.String()), 0o644))
}

func feedOn(d time.Time, pm25 float64) *aqicn.Feed {
	cet := time.FixedZone("CET", 3600)
	return &aqicn.Feed{PM25: pm25, Measured: time.Date(d.Year(), d.Month(), d.Day(), 7, 0, 0, 0, cet)}
}
