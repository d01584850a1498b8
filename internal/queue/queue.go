// Package queue implements the command-queue lifecycle: submission, long-poll
// delivery and result reporting. Payloads are opaque; only the routing
// envelope is validated here.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"sabarelay.org/internal/ids"
	"sabarelay.org/internal/notify"
	"sabarelay.org/internal/obs"
	"sabarelay.org/internal/relay"
)

const (
	defaultEntryTTL  = 60 * time.Second
	defaultPollBatch = 10
)

// Service coordinates queue entries for destination nodes.
type Service struct {
	store    relay.Store
	waiters  *Waiters
	notifier notify.Notifier
	now      func() time.Time

	entryTTL time.Duration
	batch    int
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithEntryTTL overrides the submission-to-expiry deadline.
func WithEntryTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.entryTTL = d
		}
	}
}

// WithPollBatch overrides the per-poll delivery batch size.
func WithPollBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithNotifier sets the origin notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// NewService constructs a queue service.
func NewService(store relay.Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("queue: store is required")
	}
	s := &Service{
		store:    store,
		waiters:  NewWaiters(),
		notifier: notify.Nop{},
		now:      time.Now,
		entryTTL: defaultEntryTTL,
		batch:    defaultPollBatch,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SubmitRequest is the validated outer envelope of a command submission.
// Payload contents are never interpreted.
type SubmitRequest struct {
	NodeID      string
	RequesterID string
	GuildID     string
	ChannelID   string
	OriginRef   string
	Payload     json.RawMessage
}

// Submit enqueues a command for an online node and wakes any blocked poll.
// Submitting to an offline node is rejected synchronously with
// relay.ErrNodeOffline; nothing is queued for an absent destination.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (relay.CommandEntry, error) {
	req.NodeID = strings.TrimSpace(req.NodeID)
	req.RequesterID = strings.TrimSpace(req.RequesterID)
	if req.NodeID == "" || req.RequesterID == "" {
		return relay.CommandEntry{}, fmt.Errorf("%w: node_id and requester_id are required", relay.ErrInvalidInput)
	}
	if len(req.Payload) == 0 {
		return relay.CommandEntry{}, fmt.Errorf("%w: payload is required", relay.ErrInvalidInput)
	}

	node, err := s.store.Nodes().Find(ctx, req.NodeID)
	if err != nil {
		return relay.CommandEntry{}, err
	}
	if node.Status != relay.NodeOnline {
		return relay.CommandEntry{}, relay.ErrNodeOffline
	}

	now := s.now().UTC()
	if _, err := s.store.Users().Ensure(ctx, req.RequesterID, "", now); err != nil {
		return relay.CommandEntry{}, err
	}

	entry := relay.CommandEntry{
		ID:          ids.NewAt(now),
		NodeID:      req.NodeID,
		Payload:     req.Payload,
		RequesterID: req.RequesterID,
		GuildID:     req.GuildID,
		ChannelID:   req.ChannelID,
		OriginRef:   req.OriginRef,
		Status:      relay.StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.entryTTL),
	}
	if err := s.store.Queue().Create(ctx, &entry); err != nil {
		return relay.CommandEntry{}, err
	}

	s.waiters.Wake(req.NodeID)
	obs.CommandsTotal.WithLabelValues("queued").Inc()
	return entry, nil
}

// Poll returns up to the configured batch of pending entries for the node,
// transitioned to delivered. When none are pending it blocks up to wait for
// a submission, then re-checks; an empty slice means "no work".
//
// The waiter is registered before the pending-check so a submission landing
// between check and block still wakes this poll (the wake-then-wait race).
func (s *Service) Poll(ctx context.Context, nodeID string, wait time.Duration) ([]relay.CommandEntry, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return nil, fmt.Errorf("%w: node_id is required", relay.ErrInvalidInput)
	}

	ch := s.waiters.Register(nodeID)
	defer s.waiters.Cancel(nodeID, ch)

	entries, err := s.claim(ctx, nodeID)
	if err != nil || len(entries) > 0 {
		return entries, err
	}
	if wait <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.claim(ctx, nodeID)
}

func (s *Service) claim(ctx context.Context, nodeID string) ([]relay.CommandEntry, error) {
	entries, err := s.store.Queue().ClaimPending(ctx, nodeID, s.batch, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	obs.CommandsTotal.WithLabelValues("delivered").Add(float64(len(entries)))
	return entries, nil
}

// Report records a node's execution result and closes the entry.
//
// Only the destination node may resolve its entries; a second report for an
// already-terminal entry is a conflict, not a silent success. Origin
// notification is best-effort and never fails the report.
func (s *Service) Report(ctx context.Context, requestID, nodeID string, success bool, data json.RawMessage) (relay.CommandEntry, error) {
	entry, err := s.store.Queue().Find(ctx, requestID)
	if err != nil {
		return relay.CommandEntry{}, err
	}
	if entry.NodeID != nodeID {
		return relay.CommandEntry{}, relay.ErrForbidden
	}
	if entry.Status.Terminal() {
		return relay.CommandEntry{}, relay.ErrConflict
	}

	status := relay.StatusCompleted
	if !success {
		status = relay.StatusError
	}
	now := s.now().UTC()
	if err := s.store.Queue().Resolve(ctx, requestID, status, data, now); err != nil {
		return relay.CommandEntry{}, err
	}
	obs.CommandsTotal.WithLabelValues(string(status)).Inc()

	entry.Status = status
	entry.CompletedAt = &now
	entry.Result = data

	if entry.OriginRef != "" {
		if err := s.notifier.NotifyResult(ctx, entry.OriginRef, entry); err != nil {
			obs.LogRequest(map[string]any{
				"ts":         now.Format(time.RFC3339Nano),
				"level":      "warn",
				"msg":        "origin_notify_failed",
				"request_id": entry.ID,
				"node_id":    entry.NodeID,
				"error":      err.Error(),
			})
		}
	}
	return entry, nil
}
