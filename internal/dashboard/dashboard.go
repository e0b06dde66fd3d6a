// Package dashboard serves stored forecasts, hindcasts and freshness over HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/metrics"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/monitoring"
	"github.com/skane-air/aqcast/internal/store"
)

// PM2.5 bands in µg/m³ shown on the page.
const (
	ModerateThreshold  = 25.0
	UnhealthyThreshold = 50.0
)

// Reader is the subset of the feature store the dashboard reads.
type Reader interface {
	LatestForecastDate(ctx context.Context) (time.Time, error)
	Predictions(ctx context.Context, forecastDate time.Time) ([]model.Prediction, error)
	Hindcast(ctx context.Context, locationID string, from, to time.Time) ([]model.Hindcast, error)
	LastSuccess(ctx context.Context, command string) (*time.Time, error)
}

// Server renders the forecast dashboard. It keeps the last prediction set it
// loaded successfully and falls back to it when the store fails.
type Server struct {
	store        Reader
	locations    []model.Location
	metrics      *metrics.Recorder
	staleAfter   time.Duration
	lookbackDays int
	now          func() time.Time

	mu       sync.Mutex
	lastGood *Forecast
}

// New creates a dashboard server. rec may be nil.
func New(st Reader, locs []model.Location, rec *metrics.Recorder, cfg config.MonitoringConfig) *Server {
	lookback := cfg.LookbackDays
	if lookback <= 0 {
		lookback = 14
	}
	return &Server{
		store:        st,
		locations:    locs,
		metrics:      rec,
		staleAfter:   cfg.StaleAfter(),
		lookbackDays: lookback,
		now:          time.Now,
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/", s.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Get("/forecast", s.handleForecast)
		r.Get("/hindcast/{location}", s.handleHindcast)
		r.Get("/locations", s.handleLocations)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "dashboard"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Day is one forecast day of a location.
type Day struct {
	TargetDate string  `json:"target_date"`
	PM25       float64 `json:"pm25"`
	Band       string  `json:"band"`
}

// LocationForecast is the forecast of one location.
type LocationForecast struct {
	ID   string `json:"id"`
	City string `json:"city"`
	Days []Day  `json:"days"`
}

// Forecast is the prediction set shown by the dashboard.
type Forecast struct {
	ForecastDate string             `json:"forecast_date,omitempty"`
	GeneratedAt  *time.Time         `json:"generated_at,omitempty"`
	AgeHours     float64            `json:"age_hours"`
	Stale        bool               `json:"stale"`
	Degraded     bool               `json:"degraded"` // served from the last good set after a store error
	ModelVersion int                `json:"model_version,omitempty"`
	Locations    []LocationForecast `json:"locations"`
}

// Band classifies a pm25 value.
func Band(v float64) string {
	switch {
	case v >= UnhealthyThreshold:
		return "unhealthy"
	case v >= ModerateThreshold:
		return "moderate"
	default:
		return "good"
	}
}

// forecast loads the latest prediction set. On a store error it returns the
// last good set marked degraded and stale; ok is false when there is none.
func (s *Server) forecast(ctx context.Context) (Forecast, bool) {
	f, err := s.loadForecast(ctx)
	if err == nil {
		s.mu.Lock()
		s.lastGood = &f
		s.mu.Unlock()
		return f, true
	}

	zap.L().Warn("dashboard: store read failed, serving last good forecast",
		zap.String("component", "dashboard"), zap.Error(err))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastGood == nil {
		return Forecast{Stale: true, Degraded: true}, false
	}
	out := *s.lastGood
	out.Stale = true
	out.Degraded = true
	if out.GeneratedAt != nil {
		out.AgeHours = s.now().Sub(*out.GeneratedAt).Hours()
	}
	return out, true
}

func (s *Server) loadForecast(ctx context.Context) (Forecast, error) {
	f := Forecast{Stale: true}

	last, err := s.store.LastSuccess(ctx, model.CommandPredict)
	if err != nil {
		return f, err
	}
	if last != nil {
		f.GeneratedAt = last
		f.AgeHours = s.now().Sub(*last).Hours()
		f.Stale = s.staleAfter > 0 && s.now().Sub(*last) > s.staleAfter
	}

	fd, err := s.store.LatestForecastDate(ctx)
	if errors.Is(err, store.ErrNotFound) {
		f.Stale = true
		return f, nil
	}
	if err != nil {
		return f, err
	}
	preds, err := s.store.Predictions(ctx, fd)
	if err != nil {
		return f, err
	}

	f.ForecastDate = fd.Format(model.DateLayout)
	byLoc := make(map[string][]Day)
	for _, p := range preds {
		byLoc[p.LocationID] = append(byLoc[p.LocationID], Day{
			TargetDate: p.TargetDate.Format(model.DateLayout),
			PM25:       p.PredictedPM25,
			Band:       Band(p.PredictedPM25),
		})
		f.ModelVersion = p.ModelVersion
	}
	for _, loc := range s.locations {
		days, ok := byLoc[loc.ID]
		if !ok {
			continue
		}
		f.Locations = append(f.Locations, LocationForecast{ID: loc.ID, City: loc.City, Days: days})
	}
	return f, nil
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	f, ok := s.forecast(r.Context())
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "forecast unavailable", "stale": true})
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// HindcastRow is one past prediction paired with the observed value.
type HindcastRow struct {
	ForecastDate string  `json:"forecast_date"`
	TargetDate   string  `json:"target_date"`
	LeadDays     int     `json:"lead_days"`
	Predicted    float64 `json:"predicted_pm25"`
	Observed     float64 `json:"observed_pm25"`
	AbsError     float64 `json:"abs_error"`
}

func (s *Server) handleHindcast(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "location")
	if !s.known(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown location " + id})
		return
	}

	today := model.Day(s.now())
	rows, err := s.store.Hindcast(r.Context(), id, model.AddDays(today, -s.lookbackDays), today)
	if err != nil {
		zap.L().Warn("dashboard: hindcast read failed", zap.String("component", "dashboard"), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "hindcast unavailable"})
		return
	}

	out := make([]HindcastRow, 0, len(rows))
	for _, h := range rows {
		out = append(out, HindcastRow{
			ForecastDate: h.ForecastDate.Format(model.DateLayout),
			TargetDate:   h.TargetDate.Format(model.DateLayout),
			LeadDays:     model.DaysBetween(h.ForecastDate, h.TargetDate),
			Predicted:    h.PredictedPM25,
			Observed:     h.ObservedPM25,
			AbsError:     h.AbsError(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"location":      id,
		"lookback_days": s.lookbackDays,
		"samples":       len(rows),
		"mae":           monitoring.MAE(rows),
		"rows":          out,
	})
}

func (s *Server) handleLocations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.locations)
}

func (s *Server) known(id string) bool {
	for _, l := range s.locations {
		if l.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("dashboard: write response", zap.Error(err))
	}
}

func formatPM(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
