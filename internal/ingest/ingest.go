// Package ingest maps provider responses and historical air-quality files onto
// observation and weather rows for the configured locations.
package ingest

import (
	"context"
	"slices"
	"time"

	"github.com/skane-air/aqcast/internal/fetcher"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/resilience"
	"github.com/skane-air/aqcast/pkg/aqicn"
	"github.com/skane-air/aqcast/pkg/openmeteo"
)

// Provider names used for breakers, retries and FetchError.
const (
	ProviderAQICN     = "aqicn"
	ProviderOpenMeteo = "openmeteo"
	ProviderHistory   = "history"
)

// Reading is one daily pm25 value for a location.
type Reading struct {
	LocationID string
	Date       time.Time
	PM25       float64
}

// Ingester fetches readings and weather through the resilience guard.
type Ingester struct {
	aq    aqicn.Client
	om    openmeteo.Client
	files fetcher.Fetcher
	guard *resilience.Guard
	now   func() time.Time
}

// New creates an Ingester. files is used for remote history sources and may be
// nil when only local files are read.
func New(aq aqicn.Client, om openmeteo.Client, files fetcher.Fetcher, guard *resilience.Guard) *Ingester {
	return &Ingester{aq: aq, om: om, files: files, guard: guard, now: time.Now}
}

// CurrentPM25 returns the station's latest reading, dated by the station's
// local calendar day.
func (i *Ingester) CurrentPM25(ctx context.Context, loc model.Location) (Reading, error) {
	feed, err := resilience.Call(ctx, i.guard, ProviderAQICN, "feed", func(ctx context.Context) (*aqicn.Feed, error) {
		return i.aq.Feed(ctx, loc.Station)
	})
	if err != nil {
		return Reading{}, &model.FetchError{Provider: ProviderAQICN, Location: loc.ID, Err: err}
	}
	return Reading{LocationID: loc.ID, Date: feed.Date(), PM25: feed.PM25}, nil
}

// ForecastWeather returns up to days of forecast weather starting today.
func (i *Ingester) ForecastWeather(ctx context.Context, loc model.Location, days int) ([]model.WeatherDay, error) {
	out, err := resilience.Call(ctx, i.guard, ProviderOpenMeteo, "forecast", func(ctx context.Context) ([]openmeteo.Day, error) {
		return i.om.Forecast(ctx, loc.Latitude, loc.Longitude, days)
	})
	if err != nil {
		return nil, &model.FetchError{Provider: ProviderOpenMeteo, Location: loc.ID, Err: err}
	}
	return i.weatherDays(loc, out, model.WeatherForecast), nil
}

// ArchiveWeather returns observed weather for [from, to].
func (i *Ingester) ArchiveWeather(ctx context.Context, loc model.Location, from, to time.Time) ([]model.WeatherDay, error) {
	out, err := resilience.Call(ctx, i.guard, ProviderOpenMeteo, "archive", func(ctx context.Context) ([]openmeteo.Day, error) {
		return i.om.Archive(ctx, loc.Latitude, loc.Longitude, from, to)
	})
	if err != nil {
		return nil, &model.FetchError{Provider: ProviderOpenMeteo, Location: loc.ID, Err: err}
	}
	return i.weatherDays(loc, out, model.WeatherArchive), nil
}

func (i *Ingester) weatherDays(loc model.Location, days []openmeteo.Day, src model.WeatherSource) []model.WeatherDay {
	fetched := i.now().UTC()
	out := make([]model.WeatherDay, 0, len(days))
	for _, d := range days {
		out = append(out, model.WeatherDay{
			LocationID: loc.ID,
			Date:       model.Day(d.Date),
			Weather: model.Weather{
				TemperatureMean:       d.TemperatureMean,
				PrecipitationSum:      d.PrecipitationSum,
				WindSpeedMax:          d.WindSpeedMax,
				WindDirectionDominant: d.WindDirectionDominant,
			},
			Source:    src,
			FetchedAt: fetched,
		})
	}
	return out
}

// Join pairs readings with same-day weather into observations for loc.
// Readings without weather are dropped; the count is returned. Output is in
// date order.
func Join(loc model.Location, readings []Reading, weather []model.WeatherDay) ([]model.Observation, int) {
	byDate := make(map[time.Time]model.Weather, len(weather))
	for _, w := range weather {
		byDate[model.Day(w.Date)] = w.Weather
	}

	var dropped int
	out := make([]model.Observation, 0, len(readings))
	for _, r := range readings {
		w, ok := byDate[model.Day(r.Date)]
		if !ok {
			dropped++
			continue
		}
		out = append(out, model.Observation{
			LocationID: loc.ID,
			Date:       model.Day(r.Date),
			PM25:       r.PM25,
			Weather:    w,
			Latitude:   loc.Latitude,
			Longitude:  loc.Longitude,
		})
	}
	slices.SortStableFunc(out, func(a, b model.Observation) int { return a.Date.Compare(b.Date) })
	return out, dropped
}
