package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event names the lifecycle moments pushed to the notification collaborator.
type Event string

const (
	EventPendingApproval Event = "pending_approval"
	EventActivated       Event = "activated"
	EventRolledBack      Event = "rolled_back"
	EventFailed          Event = "failed"
)

// Notifier is the notification collaborator. Called at pending_approval and
// at every terminal transition; delivery failures must not affect the attempt.
type Notifier interface {
	Notify(ctx context.Context, project string, event Event, severity Severity, evidence any)
}

// LogNotifier is the default sink: structured log lines.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) Notify(ctx context.Context, project string, event Event, severity Severity, evidence any) {
	log.Info().
		Str("project", project).
		Str("event", string(event)).
		Str("severity", string(severity)).
		Interface("evidence", evidence).
		Msg("deployment event")
}

// WebhookNotifier POSTs events to an external endpoint. Best effort.
type WebhookNotifier struct {
	url        string
	httpClient *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{url: url, httpClient: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, project string, event Event, severity Severity, evidence any) {
	payload, err := json.Marshal(map[string]any{
		"project":   project,
		"event":     event,
		"severity":  severity,
		"evidence":  evidence,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("project", project).Msg("notify: marshal payload failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Str("project", project).Msg("notify: build request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("project", project).Str("event", string(event)).Msg("notify: delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Error().Int("status", resp.StatusCode).Str("project", project).Str("event", string(event)).Msg("notify: endpoint rejected event")
	}
}

// MultiNotifier fans out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, project string, event Event, severity Severity, evidence any) {
	for _, n := range m {
		n.Notify(ctx, project, event, severity, evidence)
	}
}
