// Package notify tells humans that a request is waiting for them.
//
// Notification is fire-and-forget with respect to the pipeline: a failed
// delivery is logged and never changes a run's status. The approval queue
// is the durable source of truth; notifications are only a prompt to go
// look at it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tetrad-labs/countersign/pkg/approval"
)

// DefaultTimeout bounds one webhook delivery.
const DefaultTimeout = 10 * time.Second

// Notifier delivers a pending-approval alert to one channel.
type Notifier interface {
	NotifyPending(ctx context.Context, p approval.PendingApproval) error
}

// LogNotifier writes the alert to the structured log. It is the default
// channel and the fallback when no webhook is configured.
type LogNotifier struct {
	logger *slog.Logger
}

var _ Notifier = (*LogNotifier)(nil)

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyPending(ctx context.Context, p approval.PendingApproval) error {
	n.logger.WarnContext(ctx, "human approval required",
		"approval_id", p.ID,
		"user_id", p.UserID,
		"session_id", p.SessionID,
		"action", p.Intent.Action,
		"reason", p.Reason)
	return nil
}

// webhookPayload is the JSON body posted to the configured endpoint.
type webhookPayload struct {
	Event      string    `json:"event"`
	ApprovalID string    `json:"approval_id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	Action     string    `json:"action"`
	TopicID    string    `json:"topic_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// WebhookNotifier posts a JSON alert to an operator-configured endpoint
// (chat bridge, ticketing hook, pager). Any non-2xx response is an error.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ Notifier = (*WebhookNotifier)(nil)

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(n *WebhookNotifier) { n.client = c }
}

// WithLogger sets the notifier's logger.
func WithLogger(logger *slog.Logger) WebhookOption {
	return func(n *WebhookNotifier) { n.logger = logger }
}

// NewWebhookNotifier creates a webhook notifier for url.
func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: DefaultTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *WebhookNotifier) NotifyPending(ctx context.Context, p approval.PendingApproval) error {
	body, err := json.Marshal(webhookPayload{
		Event:      "approval.pending",
		ApprovalID: p.ID.String(),
		UserID:     p.UserID,
		SessionID:  p.SessionID,
		Action:     p.Intent.Action,
		TopicID:    p.Intent.TopicID,
		Reason:     p.Reason,
		CreatedAt:  p.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: deliver webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}

	n.logger.DebugContext(ctx, "webhook notification delivered", "approval_id", p.ID)
	return nil
}

// Fanout delivers to every channel and reports the first failure after all
// channels were attempted. One broken channel never starves the others.
type Fanout struct {
	notifiers []Notifier
	logger    *slog.Logger
}

var _ Notifier = (*Fanout)(nil)

// NewFanout creates a multi-channel notifier.
func NewFanout(logger *slog.Logger, notifiers ...Notifier) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{notifiers: notifiers, logger: logger}
}

func (f *Fanout) NotifyPending(ctx context.Context, p approval.PendingApproval) error {
	var firstErr error
	for _, n := range f.notifiers {
		if err := n.NotifyPending(ctx, p); err != nil {
			f.logger.WarnContext(ctx, "notification channel failed",
				"approval_id", p.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
