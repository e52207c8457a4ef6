// Package notify posts finished-job alerts to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadflow/internal/config"
	"github.com/sells-group/leadflow/internal/jobctl"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobCompleted  AlertType = "job_completed"
	AlertJobStopped    AlertType = "job_stopped"
	AlertJobFailed     AlertType = "job_failed"
	AlertStepCompleted AlertType = "step_completed"
)

// Alert is the webhook payload.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Webhook sends an Alert for every finished event. With no URL configured it
// does nothing.
type Webhook struct {
	url    string
	client *http.Client
	now    func() time.Time
}

// NewWebhook creates a Webhook from config.
func NewWebhook(cfg config.NotifyConfig) *Webhook {
	return &Webhook{
		url:    cfg.WebhookURL,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// Enabled reports whether a webhook URL is configured.
func (w *Webhook) Enabled() bool {
	return w.url != ""
}

// Notify implements jobctl.Notifier.
func (w *Webhook) Notify(ctx context.Context, ev jobctl.Event) error {
	if !w.Enabled() {
		return nil
	}

	alert := Build(ev, w.now().UTC())
	if err := w.send(ctx, alert); err != nil {
		return err
	}
	zap.L().Info("notify: alert sent",
		zap.String("type", string(alert.Type)),
		zap.String("severity", alert.Severity),
		zap.Int("step", ev.StepID),
	)
	return nil
}

// Build turns a finished event into an Alert.
func Build(ev jobctl.Event, at time.Time) Alert {
	alert := Alert{
		Message:   fmt.Sprintf("Step %d: %s", ev.StepID, ev.Caption),
		Timestamp: at,
		Details: map[string]any{
			"step":        ev.StepID,
			"status":      string(ev.Status),
			"current_row": ev.Sample.CurrentRow,
			"total_rows":  ev.Sample.TotalRows,
		},
	}

	if ev.Handle == nil {
		alert.Type = AlertStepCompleted
		alert.Severity = "info"
		return alert
	}

	alert.Details["job_id"] = ev.Handle.JobID
	switch ev.Status {
	case jobctl.StatusFailed:
		alert.Type = AlertJobFailed
		alert.Severity = "high"
	case jobctl.StatusStopped:
		alert.Type = AlertJobStopped
		alert.Severity = "medium"
	default:
		alert.Type = AlertJobCompleted
		alert.Severity = "info"
	}
	return alert
}

func (w *Webhook) send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "notify: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
