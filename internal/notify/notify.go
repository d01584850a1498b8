// Package notify forwards command results back to the originating chat
// interaction. Delivery is best-effort: the result report is authoritative
// whether or not the echo succeeds.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sabarelay.org/internal/relay"
)

// Notifier posts a user-facing summary to an origin reference.
type Notifier interface {
	NotifyResult(ctx context.Context, origin string, entry relay.CommandEntry) error
}

// Webhook posts a JSON summary to the origin reference, which carries the
// callback URL recorded at submission (e.g. a Discord interaction webhook).
type Webhook struct {
	client *http.Client
}

// NewWebhook creates a webhook notifier with a bounded request timeout.
func NewWebhook(timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{client: &http.Client{Timeout: timeout}}
}

type resultSummary struct {
	RequestID   string          `json:"request_id"`
	NodeID      string          `json:"node_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func (n *Webhook) NotifyResult(ctx context.Context, origin string, entry relay.CommandEntry) error {
	body, err := json.Marshal(resultSummary{
		RequestID:   entry.ID,
		NodeID:      entry.NodeID,
		Status:      string(entry.Status),
		Result:      entry.Result,
		CompletedAt: entry.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal summary: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, origin, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: origin returned %d", resp.StatusCode)
	}
	return nil
}

// Nop discards notifications. Used when no origin forwarding is configured.
type Nop struct{}

func (Nop) NotifyResult(context.Context, string, relay.CommandEntry) error { return nil }
