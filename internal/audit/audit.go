// Package audit records security-relevant relay events, both as structured
// log lines and as persisted rows subject to retention.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"sabarelay.org/internal/obs"
	"sabarelay.org/internal/relay"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder persists audit rows and mirrors them to the structured log.
type Recorder struct {
	store relay.AuditStore
	now   func() time.Time
}

// Option configures Recorder behavior.
type Option func(*Recorder)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewRecorder constructs a recorder over the audit store.
func NewRecorder(store relay.AuditStore, opts ...Option) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("audit: store is required")
	}
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Event is one auditable action.
type Event struct {
	Action  string
	NodeID  string
	GuildID string
	ActorID string
	Outcome string
	Detail  map[string]any
}

// Record appends the event to the audit store and emits a log line. A
// storage failure is returned; the log line is best-effort either way.
func (r *Recorder) Record(ctx context.Context, ev Event) error {
	ev.Action = strings.TrimSpace(ev.Action)
	if ev.Action == "" {
		return errors.New("audit: action is required")
	}
	if ev.Outcome == "" {
		ev.Outcome = "ok"
	}

	var detail string
	if len(ev.Detail) > 0 {
		b, err := json.Marshal(ev.Detail)
		if err != nil {
			return err
		}
		detail = string(b)
	}

	entry := relay.AuditEntry{
		OccurredAt: r.now().UTC(),
		ActorID:    ev.ActorID,
		NodeID:     ev.NodeID,
		GuildID:    ev.GuildID,
		Action:     ev.Action,
		Detail:     detail,
		Outcome:    ev.Outcome,
	}
	err := r.store.Append(ctx, &entry)

	line := map[string]any{
		"ts":      entry.OccurredAt.Format(time.RFC3339Nano),
		"type":    "audit",
		"event":   ev.Action,
		"outcome": ev.Outcome,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	if ev.NodeID != "" {
		line["node_id"] = ev.NodeID
	}
	if ev.ActorID != "" {
		line["actor_id"] = ev.ActorID
	}
	if len(ev.Detail) > 0 {
		line["fields"] = ev.Detail
	}
	obs.LogRequest(line)

	return err
}

// ListForNode returns the most recent audit rows for a node.
func (r *Recorder) ListForNode(ctx context.Context, nodeID string, limit int) ([]relay.AuditEntry, error) {
	return r.store.ListForNode(ctx, nodeID, limit)
}
