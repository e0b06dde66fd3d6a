package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_StepEnd(t *testing.T) {
	r := New()
	r.StepEnd("daily", "partial", 2*time.Second, 42)
	r.StepEnd("daily", "failed", time.Second, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.stepStatus.WithLabelValues("daily", "partial")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stepStatus.WithLabelValues("daily", "failed")))
	assert.Equal(t, 42.0, testutil.ToFloat64(r.rowsWritten.WithLabelValues("daily")))
	assert.Greater(t, testutil.ToFloat64(r.lastSuccess.WithLabelValues("daily")), 0.0)
}

func TestRecorder_Skip(t *testing.T) {
	r := New()
	r.Skip("predict", "stale_history")
	r.Skip("predict", "stale_history")
	r.Skip("features", "fetch")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.skipped.WithLabelValues("predict", "stale_history")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.skipped.WithLabelValues("features", "fetch")))
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.HindcastMAE("malmo", 3.5)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `aqcast_hindcast_mae{location="malmo"} 3.5`))
	assert.Contains(t, body, "go_goroutines")
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.StepEnd("train", "complete", time.Second, 1)
		r.Skip("predict", "no_history")
		r.HindcastMAE("lund", 1)
	})
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
