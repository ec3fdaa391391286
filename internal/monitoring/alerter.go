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

	"github.com/sells-group/repusense/internal/config"
	"github.com/sells-group/repusense/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPipelineFailureRate AlertType = "pipeline_failure_rate"
	AlertStageFailureRate    AlertType = "stage_failure_rate"
	AlertRequestBacklog      AlertType = "request_backlog"
	AlertRemoteUnreachable   AlertType = "remote_unreachable"
)

// minRunsForRate keeps a handful of runs from tripping rate alerts.
const minRunsForRate = 5

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

	// Check pipeline failure rate.
	finished := snap.RunsCompleted + snap.RunsPartial + snap.RunsFailed
	if finished >= minRunsForRate && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPipelineFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Pipeline failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Check per-stage failure rates over runs that reached analysis.
	reached := snap.RunsCompleted + snap.RunsPartial
	if reached >= minRunsForRate && a.cfg.StageFailureRateThreshold > 0 {
		for _, stage := range model.AnalysisStages {
			n := snap.StageFailures[stage]
			rate := float64(n) / float64(reached)
			if rate <= a.cfg.StageFailureRateThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertStageFailureRate,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Stage %s failed in %d of %d runs in last %dh",
					stage, n, reached, snap.LookbackHours,
				),
				Details: map[string]any{
					"stage":        string(stage),
					"failure_rate": rate,
					"threshold":    a.cfg.StageFailureRateThreshold,
				},
				Timestamp: now,
			})
		}
	}

	// Check scheduled request backlog.
	if a.cfg.BacklogThreshold > 0 && snap.PendingRequests > a.cfg.BacklogThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRequestBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d scheduled requests waiting, threshold %d",
				snap.PendingRequests, a.cfg.BacklogThreshold,
			),
			Details: map[string]any{
				"pending":                 snap.PendingRequests,
				"oldest_pending_age_secs": snap.OldestPendingAge,
			},
			Timestamp: now,
		})
	}

	if snap.RemoteEnabled && !snap.RemoteReachable {
		alerts = append(alerts, Alert{
			Type:      AlertRemoteUnreachable,
			Severity:  "high",
			Message:   "Remote result store is unreachable; artifacts are written locally only",
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	if a.cfg.WebhookURL == "" {
		for _, alert := range alerts {
			zap.L().Warn("monitoring: alert",
				zap.String("type", string(alert.Type)),
				zap.String("message", alert.Message),
			)
		}
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
