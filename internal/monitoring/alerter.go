package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStaleForecast AlertType = "stale_forecast"
	AlertHindcastError AlertType = "hindcast_error"
	AlertRunFailures   AlertType = "run_failures"
)

// minHindcastSamples is the number of hindcast pairs needed before the error
// of a location is judged.
const minHindcastSamples = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Staleness: no successful prediction run inside the window.
	if stale := a.cfg.StaleAfter(); stale > 0 {
		switch {
		case snap.LastPredict == nil:
			alerts = append(alerts, Alert{
				Type:      AlertStaleForecast,
				Severity:  "high",
				Message:   "No successful prediction run has been recorded",
				Timestamp: now,
			})
		case snap.PredictAge > stale.Hours():
			alerts = append(alerts, Alert{
				Type:     AlertStaleForecast,
				Severity: "high",
				Message: fmt.Sprintf("Last successful prediction run was %.1fh ago (threshold %dh)",
					snap.PredictAge, a.cfg.StaleAfterHours),
				Details: map[string]any{
					"last_predict":    snap.LastPredict.Format(time.RFC3339),
					"age_hours":       snap.PredictAge,
					"threshold_hours": a.cfg.StaleAfterHours,
				},
				Timestamp: now,
			})
		}
	}

	// Hindcast error per location.
	if a.cfg.HindcastMAEThreshold > 0 {
		for _, h := range snap.Hindcast {
			if h.Samples < minHindcastSamples || h.MAE <= a.cfg.HindcastMAEThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertHindcastError,
				Severity: "medium",
				Message: fmt.Sprintf("Hindcast MAE for %s is %.1f µg/m³ (threshold %.1f, %d samples in last %dd)",
					h.Location, h.MAE, a.cfg.HindcastMAEThreshold, h.Samples, snap.LookbackDays),
				Details: map[string]any{
					"location":  h.Location,
					"mae":       h.MAE,
					"threshold": a.cfg.HindcastMAEThreshold,
					"samples":   h.Samples,
				},
				Timestamp: now,
			})
		}
	}

	// Failed runs.
	if snap.RunsFailed > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailures,
			Severity: "high",
			Message: fmt.Sprintf("%d pipeline run(s) failed in last %dd (fail rate %.1f%%)",
				snap.RunsFailed, snap.LookbackDays, snap.FailRate*100),
			Details: map[string]any{
				"failed":    snap.RunsFailed,
				"total":     snap.RunsTotal,
				"fail_rate": snap.FailRate,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
