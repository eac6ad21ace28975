// Package notify delivers queue milestones to external channels. Delivery
// is best-effort: a notifier must never block or fail the queue loop.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Event is one notification payload.
type Event struct {
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Level  string `json:"level"` // info | error
	PlanID string `json:"plan_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
}

// Notifier delivers one event. Implementations swallow their own errors
// after logging them.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Multi fans one event out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}

// WebhookNotifier POSTs events as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		w.logger.Warn("webhook payload marshal failed", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Warn("webhook request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed", "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		w.logger.Warn("webhook delivery rejected", "status", resp.StatusCode)
	}
}
