// Package metrics exposes pipeline step metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder collects step durations, outcomes, row counts and skipped locations.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	stepDuration *prometheus.HistogramVec
	stepStatus   *prometheus.CounterVec
	rowsWritten  *prometheus.CounterVec
	skipped      *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
	hindcastMAE  *prometheus.GaugeVec
}

// New creates a Recorder on its own registry, including Go and process collectors.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aqcast_step_duration_seconds",
			Help:    "Duration of pipeline step executions.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"step", "status"}),
		stepStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqcast_step_status_total",
			Help: "Pipeline step executions by final status.",
		}, []string{"step", "status"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqcast_rows_written_total",
			Help: "Rows written to the feature store by step.",
		}, []string{"step"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aqcast_locations_skipped_total",
			Help: "Locations skipped by step and reason.",
		}, []string{"step", "reason"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqcast_step_last_success_timestamp_seconds",
			Help: "Unix time of the last successful or partial step execution.",
		}, []string{"step"}),
		hindcastMAE: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aqcast_hindcast_mae",
			Help: "Mean absolute error of past predictions against observed pm25.",
		}, []string{"location"}),
	}

	registry.MustRegister(r.stepDuration, r.stepStatus, r.rowsWritten, r.skipped, r.lastSuccess, r.hindcastMAE)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// StepEnd records one finished step.
func (r *Recorder) StepEnd(step, status string, elapsed time.Duration, rows int64) {
	if r == nil {
		return
	}
	r.stepDuration.WithLabelValues(step, status).Observe(elapsed.Seconds())
	r.stepStatus.WithLabelValues(step, status).Inc()
	if rows > 0 {
		r.rowsWritten.WithLabelValues(step).Add(float64(rows))
	}
	if status != "failed" {
		r.lastSuccess.WithLabelValues(step).SetToCurrentTime()
	}
}

// Skip records a location skipped by a step.
func (r *Recorder) Skip(step, reason string) {
	if r == nil {
		return
	}
	r.skipped.WithLabelValues(step, reason).Inc()
}

// HindcastMAE sets the latest hindcast error for a location.
func (r *Recorder) HindcastMAE(location string, mae float64) {
	if r == nil {
		return
	}
	r.hindcastMAE.WithLabelValues(location).Set(mae)
}
