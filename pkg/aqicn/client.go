// Package aqicn provides a client for the World Air Quality Index (waqi.info) feed API.
package aqicn

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/skane-air/aqcast/internal/resilience"
)

// ErrNoPM25 is returned when a station feed carries no pm25 reading.
var ErrNoPM25 = eris.New("aqicn: station reports no pm25")

// Client defines the AQICN operations.
type Client interface {
	// Feed returns the current reading of a station ("@10027", "sweden/malmo/radhuset").
	Feed(ctx context.Context, station string) (*Feed, error)
}

// Feed is a station's latest pm25 reading.
type Feed struct {
	Station  string
	City     string
	PM25     float64
	Measured time.Time // in the station's local offset
}

// Date returns the calendar date of the measurement in the station's local time,
// as midnight UTC.
func (f *Feed) Date() time.Time {
	y, m, d := f.Measured.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type feedResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type feedData struct {
	City struct {
		Name string `json:"name"`
	} `json:"city"`
	IAQI map[string]struct {
		V float64 `json:"v"`
	} `json:"iaqi"`
	Time struct {
		S  string `json:"s"`
		TZ string `json:"tz"`
	} `json:"time"`
}

// Option configures the AQICN client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new AQICN client.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: "https://api.waqi.info",
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(2, 2),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Feed fetches the station feed. Transport failures, 429 and 5xx responses
// are returned as resilience.TransientError; the caller owns retries.
func (c *httpClient) Feed(ctx context.Context, station string) (*Feed, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "aqicn: rate limiter wait")
	}

	endpoint := fmt.Sprintf("%s/feed/%s/?token=%s", c.baseURL, station, url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, eris.Wrap(err, "aqicn: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "aqicn: feed %s", station), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "aqicn: read body"), 0)
	}
	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("aqicn: feed %s: status %d: %s", station, resp.StatusCode, truncate(string(body), 200))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(err, resp.StatusCode)
		}
		return nil, err
	}

	return parseFeed(station, body)
}

func parseFeed(station string, body []byte) (*Feed, error) {
	var fr feedResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, eris.Wrap(err, "aqicn: decode response")
	}
	if fr.Status != "ok" {
		var msg string
		_ = json.Unmarshal(fr.Data, &msg)
		err := eris.Errorf("aqicn: feed %s: status %q: %s", station, fr.Status, msg)
		// The API reports quota exhaustion in-band.
		if strings.Contains(strings.ToLower(msg), "over quota") {
			return nil, resilience.NewTransientError(err, http.StatusTooManyRequests)
		}
		return nil, err
	}

	var data feedData
	if err := json.Unmarshal(fr.Data, &data); err != nil {
		return nil, eris.Wrap(err, "aqicn: decode data")
	}
	pm, ok := data.IAQI["pm25"]
	if !ok {
		return nil, eris.Wrapf(ErrNoPM25, "station %s", station)
	}

	measured, err := parseTime(data.Time.S, data.Time.TZ)
	if err != nil {
		return nil, err
	}
	return &Feed{
		Station:  station,
		City:     data.City.Name,
		PM25:     pm.V,
		Measured: measured,
	}, nil
}

// parseTime reads "2024-01-05 14:00:00" with a "+01:00" style offset.
func parseTime(s, tz string) (time.Time, error) {
	if tz == "" {
		tz = "+00:00"
	}
	t, err := time.Parse("2006-01-02 15:04:05-07:00", s+tz)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "aqicn: parse time %q %q", s, tz)
	}
	return t, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
