// Package openmeteo provides a client for the Open-Meteo forecast and
// historical archive APIs (daily aggregates only).
package openmeteo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skane-air/aqcast/internal/resilience"
)

const dateLayout = "2006-01-02"

// DailyVariables are requested from both endpoints, in this order.
var DailyVariables = []string{
	"temperature_2m_mean",
	"precipitation_sum",
	"wind_speed_10m_max",
	"wind_direction_10m_dominant",
}

// Client defines the Open-Meteo operations.
type Client interface {
	// Forecast returns up to days of daily forecast starting today (UTC).
	Forecast(ctx context.Context, lat, lon float64, days int) ([]Day, error)
	// Archive returns observed daily weather for [from, to].
	Archive(ctx context.Context, lat, lon float64, from, to time.Time) ([]Day, error)
}

// Day is one complete day of weather. Days with any missing variable are
// never returned.
type Day struct {
	Date                  time.Time
	TemperatureMean       float64 // °C
	PrecipitationSum      float64 // mm
	WindSpeedMax          float64 // km/h
	WindDirectionDominant float64 // degrees
}

type dailyResponse struct {
	Daily struct {
		Time          []string   `json:"time"`
		Temperature   []*float64 `json:"temperature_2m_mean"`
		Precipitation []*float64 `json:"precipitation_sum"`
		WindSpeed     []*float64 `json:"wind_speed_10m_max"`
		WindDirection []*float64 `json:"wind_direction_10m_dominant"`
	} `json:"daily"`
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// Option configures the Open-Meteo client.
type Option func(*httpClient)

// WithForecastURL overrides the forecast endpoint.
func WithForecastURL(u string) Option {
	return func(c *httpClient) { c.forecastURL = u }
}

// WithArchiveURL overrides the archive endpoint.
func WithArchiveURL(u string) Option {
	return func(c *httpClient) { c.archiveURL = u }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

// WithRateLimit caps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

type httpClient struct {
	forecastURL string
	archiveURL  string
	http        *http.Client
	limiter     *rate.Limiter
}

// NewClient creates a new Open-Meteo client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		forecastURL: "https://api.open-meteo.com/v1/forecast",
		archiveURL:  "https://archive-api.open-meteo.com/v1/archive",
		http:        &http.Client{Timeout: 60 * time.Second},
		limiter:     rate.NewLimiter(5, 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func baseQuery(lat, lon float64) url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("timezone", "UTC")
	for _, v := range DailyVariables {
		q.Add("daily", v)
	}
	return q
}

func (c *httpClient) Forecast(ctx context.Context, lat, lon float64, days int) ([]Day, error) {
	q := baseQuery(lat, lon)
	q.Set("forecast_days", strconv.Itoa(days))
	return c.get(ctx, c.forecastURL, q)
}

func (c *httpClient) Archive(ctx context.Context, lat, lon float64, from, to time.Time) ([]Day, error) {
	if to.Before(from) {
		return nil, eris.Errorf("openmeteo: archive range %s..%s is empty",
			from.Format(dateLayout), to.Format(dateLayout))
	}
	q := baseQuery(lat, lon)
	q.Set("start_date", from.Format(dateLayout))
	q.Set("end_date", to.Format(dateLayout))
	return c.get(ctx, c.archiveURL, q)
}

func (c *httpClient) get(ctx context.Context, endpoint string, q url.Values) ([]Day, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "openmeteo: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "openmeteo: create request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "openmeteo: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "openmeteo: read body"), 0)
	}

	var dr dailyResponse
	decodeErr := json.Unmarshal(body, &dr)
	if resp.StatusCode != http.StatusOK {
		reason := dr.Reason
		if decodeErr != nil || reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		err := eris.Errorf("openmeteo: status %d: %s", resp.StatusCode, reason)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}
	if decodeErr != nil {
		return nil, eris.Wrap(decodeErr, "openmeteo: decode response")
	}
	return dr.days()
}

func (dr *dailyResponse) days() ([]Day, error) {
	d := dr.Daily
	n := len(d.Time)
	if len(d.Temperature) != n || len(d.Precipitation) != n || len(d.WindSpeed) != n || len(d.WindDirection) != n {
		return nil, eris.New("openmeteo: daily arrays have mismatched lengths")
	}

	out := make([]Day, 0, n)
	for i, ts := range d.Time {
		date, err := time.Parse(dateLayout, ts)
		if err != nil {
			return nil, eris.Wrapf(err, "openmeteo: parse date %q", ts)
		}
		if d.Temperature[i] == nil || d.Precipitation[i] == nil || d.WindSpeed[i] == nil || d.WindDirection[i] == nil {
			zap.L().Debug("openmeteo: dropping incomplete day", zap.String("date", ts))
			continue
		}
		out = append(out, Day{
			Date:                  date,
			TemperatureMean:       *d.Temperature[i],
			PrecipitationSum:      *d.Precipitation[i],
			WindSpeedMax:          *d.WindSpeed[i],
			WindDirectionDominant: *d.WindDirection[i],
		})
	}
	return out, nil
}
