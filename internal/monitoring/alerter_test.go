package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skane-air/aqcast/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		StaleAfterHours:      36,
		HindcastMAEThreshold: 15,
		LookbackDays:         14,
	}
}

func freshSnapshot() *MetricsSnapshot {
	last := time.Now().UTC().Add(-2 * time.Hour)
	return &MetricsSnapshot{
		RunsTotal:    14,
		RunsComplete: 12,
		RunsPartial:  2,
		LastPredict:  &last,
		PredictAge:   2,
		Hindcast: []LocationHindcast{
			{Location: "malmo", Samples: 20, MAE: 4.2},
			{Location: "lund", Samples: 20, MAE: 3.1},
		},
		LookbackDays: 14,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	assert.Empty(t, a.Evaluate(freshSnapshot()))
}

func TestAlerter_Evaluate_StaleForecast(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := freshSnapshot()
	old := time.Now().UTC().Add(-50 * time.Hour)
	snap.LastPredict = &old
	snap.PredictAge = 50

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleForecast, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "50.0h ago")
}

func TestAlerter_Evaluate_NeverPredicted(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	alerts := a.Evaluate(&MetricsSnapshot{LookbackDays: 14})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleForecast, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "No successful prediction")
}

func TestAlerter_Evaluate_HindcastError(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := freshSnapshot()
	snap.Hindcast = append(snap.Hindcast,
		LocationHindcast{Location: "ystad", Samples: 10, MAE: 22.5},
		LocationHindcast{Location: "trelleborg", Samples: 2, MAE: 40}, // too few samples
	)

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertHindcastError, alerts[0].Type)
	assert.Equal(t, "ystad", alerts[0].Details["location"])
	assert.Contains(t, alerts[0].Message, "22.5")
}

func TestAlerter_Evaluate_MultipleAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:    5,
		RunsComplete: 3,
		RunsFailed:   2,
		FailRate:     0.4,
		Hindcast:     []LocationHindcast{{Location: "malmo", Samples: 7, MAE: 30}},
		LookbackDays: 14,
	}

	alerts := a.Evaluate(snap)
	assert.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertStaleForecast])
	assert.True(t, types[AlertHindcastError])
	assert.True(t, types[AlertRunFailures])
}

func TestAlerter_Evaluate_DisabledThresholds(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Hindcast:     []LocationHindcast{{Location: "malmo", Samples: 7, MAE: 300}},
		LookbackDays: 14,
	}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertStaleForecast, Severity: "high", Message: "test alert 1"},
		{Type: AlertHindcastError, Severity: "medium", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertStaleForecast, Message: "test"},
	})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertRunFailures, Message: "test"}})
	assert.Equal(t, 0, sent)
}
