package sweeper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sabarelay.org/internal/relay"
)

func seedStore(t *testing.T, now time.Time) relay.Store {
	t.Helper()
	store := relay.NewInMemory()
	ctx := context.Background()

	if _, err := store.Users().Ensure(ctx, "owner", "owner", now); err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	if err := store.Nodes().Create(ctx, &relay.Node{
		ID: "node-1", OwnerID: "owner", Status: relay.NodeOnline,
	}); err != nil {
		t.Fatalf("create node: %v", err)
	}
	return store
}

func TestSweepTimesOutOverdueEntries(t *testing.T) {
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	store := seedStore(t, now)
	ctx := context.Background()

	overdue := relay.CommandEntry{
		ID: "entry-overdue", NodeID: "node-1", RequesterID: "user-1",
		Payload: json.RawMessage(`{"op":"restart"}`), Status: relay.StatusPending,
		CreatedAt: now.Add(-2 * time.Minute), ExpiresAt: now.Add(-time.Minute),
	}
	fresh := relay.CommandEntry{
		ID: "entry-fresh", NodeID: "node-1", RequesterID: "user-1",
		Payload: json.RawMessage(`{"op":"status"}`), Status: relay.StatusPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}
	for _, e := range []relay.CommandEntry{overdue, fresh} {
		e := e
		if err := store.Queue().Create(ctx, &e); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}

	sw, err := New(store, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.ExpiredEntries != 1 {
		t.Fatalf("expected 1 expired entry, got %d", report.ExpiredEntries)
	}

	got, err := store.Queue().Find(ctx, "entry-overdue")
	if err != nil {
		t.Fatalf("find overdue: %v", err)
	}
	if got.Status != relay.StatusTimeout {
		t.Fatalf("overdue entry should be timeout, got %s", got.Status)
	}
	got, err = store.Queue().Find(ctx, "entry-fresh")
	if err != nil {
		t.Fatalf("find fresh: %v", err)
	}
	if got.Status != relay.StatusPending {
		t.Fatalf("fresh entry must stay pending, got %s", got.Status)
	}

	// A second pass finds nothing new.
	report, err = sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if report.ExpiredEntries != 0 {
		t.Fatalf("second pass must be a no-op, expired %d", report.ExpiredEntries)
	}
}

func TestSweepPurgesAgedTerminalEntries(t *testing.T) {
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	store := seedStore(t, now)
	ctx := context.Background()

	old := now.Add(-8 * 24 * time.Hour)
	aged := relay.CommandEntry{
		ID: "entry-aged", NodeID: "node-1", RequesterID: "user-1",
		Payload: json.RawMessage(`{}`), Status: relay.StatusCompleted,
		CreatedAt: old, ExpiresAt: old.Add(time.Minute), CompletedAt: &old,
	}
	recentDone := now.Add(-time.Hour)
	recent := relay.CommandEntry{
		ID: "entry-recent", NodeID: "node-1", RequesterID: "user-1",
		Payload: json.RawMessage(`{}`), Status: relay.StatusCompleted,
		CreatedAt: recentDone, ExpiresAt: recentDone.Add(time.Minute), CompletedAt: &recentDone,
	}
	for _, e := range []relay.CommandEntry{aged, recent} {
		e := e
		if err := store.Queue().Create(ctx, &e); err != nil {
			t.Fatalf("create %s: %v", e.ID, err)
		}
	}

	sw, err := New(store, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.DeletedEntries != 1 {
		t.Fatalf("expected 1 deleted entry, got %d", report.DeletedEntries)
	}
	if _, err := store.Queue().Find(ctx, "entry-aged"); !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("aged terminal entry should be gone, got %v", err)
	}
	if _, err := store.Queue().Find(ctx, "entry-recent"); err != nil {
		t.Fatalf("recent terminal entry must survive: %v", err)
	}
}

func TestSweepPurgesAgedAuditRows(t *testing.T) {
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	store := seedStore(t, now)
	ctx := context.Background()

	for _, e := range []relay.AuditEntry{
		{NodeID: "node-1", Action: "command_submitted", OccurredAt: now.Add(-31 * 24 * time.Hour)},
		{NodeID: "node-1", Action: "command_completed", OccurredAt: now.Add(-time.Hour)},
	} {
		e := e
		if err := store.Audit().Append(ctx, &e); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}

	sw, err := New(store, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.DeletedAudits != 1 {
		t.Fatalf("expected 1 deleted audit row, got %d", report.DeletedAudits)
	}
	remaining, err := store.Audit().ListForNode(ctx, "node-1", 10)
	if err != nil {
		t.Fatalf("list audits: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Action != "command_completed" {
		t.Fatalf("unexpected surviving audit rows: %+v", remaining)
	}
}

func TestSweepMarksSilentNodesOffline(t *testing.T) {
	now := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	store := seedStore(t, now)
	ctx := context.Background()

	// node-1 heartbeated recently; node-2 has been silent past the threshold.
	if err := store.Nodes().Heartbeat(ctx, "node-1", now.Add(-time.Hour), "", nil); err != nil {
		t.Fatalf("heartbeat node-1: %v", err)
	}
	if _, err := store.Users().Ensure(ctx, "owner2", "owner2", now); err != nil {
		t.Fatalf("ensure owner2: %v", err)
	}
	if err := store.Nodes().Create(ctx, &relay.Node{
		ID: "node-2", OwnerID: "owner2", Status: relay.NodeOnline,
		LastHeartbeatAt: now.Add(-25 * time.Hour),
	}); err != nil {
		t.Fatalf("create node-2: %v", err)
	}

	sw, err := New(store, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	report, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.SilencedNodes != 1 {
		t.Fatalf("expected 1 silenced node, got %d", report.SilencedNodes)
	}

	n1, _ := store.Nodes().Find(ctx, "node-1")
	if n1.Status != relay.NodeOnline {
		t.Fatalf("recently heartbeating node must stay online, got %s", n1.Status)
	}
	n2, _ := store.Nodes().Find(ctx, "node-2")
	if n2.Status != relay.NodeOffline {
		t.Fatalf("silent node must be marked offline, got %s", n2.Status)
	}
}
