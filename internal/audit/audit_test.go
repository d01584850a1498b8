package audit

import (
	"context"
	"strings"
	"testing"
	"time"

	"sabarelay.org/internal/relay"
)

func TestRecordPersistsEntry(t *testing.T) {
	store := relay.NewInMemory()
	now := time.Date(2026, 8, 22, 8, 0, 0, 0, time.UTC)
	rec, err := NewRecorder(store.Audit(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	err = rec.Record(context.Background(), Event{
		Action:  "permission_granted",
		NodeID:  "node-1",
		ActorID: "owner-1",
		Detail:  map[string]any{"user_id": "user-2", "level": "admin"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	rows, err := rec.ListForNode(context.Background(), "node-1", 10)
	if err != nil {
		t.Fatalf("ListForNode: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(rows))
	}
	row := rows[0]
	if row.Action != "permission_granted" || row.ActorID != "owner-1" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.Outcome != "ok" {
		t.Fatalf("outcome should default to ok, got %q", row.Outcome)
	}
	if !row.OccurredAt.Equal(now) {
		t.Fatalf("occurred_at not taken from the clock")
	}
	if !strings.Contains(row.Detail, `"level":"admin"`) {
		t.Fatalf("detail not serialized: %s", row.Detail)
	}
}

func TestRecordRequiresAction(t *testing.T) {
	store := relay.NewInMemory()
	rec, err := NewRecorder(store.Audit())
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	if err := rec.Record(context.Background(), Event{}); err == nil {
		t.Fatal("expected error for empty action")
	}
}
