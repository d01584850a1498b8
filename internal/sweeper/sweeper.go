// Package sweeper runs the periodic retention pass: overdue entries time out,
// aged terminal entries and audit rows are purged, and silent nodes are
// marked offline.
package sweeper

import (
	"context"
	"errors"
	"time"

	"sabarelay.org/internal/obs"
	"sabarelay.org/internal/relay"
)

const (
	defaultInterval       = 6 * time.Hour
	defaultEntryRetention = 7 * 24 * time.Hour
	defaultAuditRetention = 30 * 24 * time.Hour
	defaultLiveness       = 24 * time.Hour
)

// Sweeper owns the retention schedule. Every pass is idempotent; a pass that
// finds nothing to do is the steady state, not an error.
type Sweeper struct {
	store relay.Store
	now   func() time.Time

	interval       time.Duration
	entryRetention time.Duration
	auditRetention time.Duration
	liveness       time.Duration
}

// Option configures Sweeper behavior.
type Option func(*Sweeper)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithInterval overrides the pass cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithEntryRetention overrides how long terminal entries stay queryable.
func WithEntryRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.entryRetention = d
		}
	}
}

// WithAuditRetention overrides how long audit rows are kept.
func WithAuditRetention(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.auditRetention = d
		}
	}
}

// WithLivenessThreshold overrides the heartbeat silence that flips a node
// offline.
func WithLivenessThreshold(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.liveness = d
		}
	}
}

// New constructs a sweeper.
func New(store relay.Store, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper: store is required")
	}
	s := &Sweeper{
		store:          store,
		now:            time.Now,
		interval:       defaultInterval,
		entryRetention: defaultEntryRetention,
		auditRetention: defaultAuditRetention,
		liveness:       defaultLiveness,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes a pass immediately, then on every tick until the context is
// cancelled. Pass failures are logged and the schedule keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepLogged(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	report, err := s.Sweep(ctx)
	fields := map[string]any{
		"ts":               s.now().UTC().Format(time.RFC3339Nano),
		"level":            "info",
		"msg":              "sweep_completed",
		"expired_entries":  report.ExpiredEntries,
		"deleted_entries":  report.DeletedEntries,
		"deleted_audits":   report.DeletedAudits,
		"silenced_nodes":   report.SilencedNodes,
	}
	if err != nil {
		fields["level"] = "error"
		fields["msg"] = "sweep_failed"
		fields["error"] = err.Error()
	}
	obs.LogRequest(fields)
}

// Report summarizes one retention pass.
type Report struct {
	ExpiredEntries int64
	DeletedEntries int64
	DeletedAudits  int64
	SilencedNodes  int64
}

// Sweep runs one retention pass. Steps run in order and the first storage
// error aborts the pass; everything already done stays done.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := s.now().UTC()
	var report Report

	expired, err := s.store.Queue().ExpireOverdue(ctx, now)
	if err != nil {
		return report, err
	}
	report.ExpiredEntries = expired
	if expired > 0 {
		obs.CommandsTotal.WithLabelValues("timeout").Add(float64(expired))
	}

	deleted, err := s.store.Queue().DeleteTerminalBefore(ctx, now.Add(-s.entryRetention))
	if err != nil {
		return report, err
	}
	report.DeletedEntries = deleted
	obs.SweepDeletedTotal.WithLabelValues("entries").Add(float64(deleted))

	audits, err := s.store.Audit().DeleteBefore(ctx, now.Add(-s.auditRetention))
	if err != nil {
		return report, err
	}
	report.DeletedAudits = audits
	obs.SweepDeletedTotal.WithLabelValues("audits").Add(float64(audits))

	silenced, err := s.store.Nodes().MarkSilentOffline(ctx, now.Add(-s.liveness), now)
	if err != nil {
		return report, err
	}
	report.SilencedNodes = silenced
	return report, nil
}
