package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"sabarelay.org/internal/relay"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestEnsureUserUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("insert into users").
		WithArgs("user-1", "Alice", now).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "display_name", "banned", "last_seen_at", "created_at"},
		).AddRow("user-1", "Alice", false, now, now))

	u, err := store.Users().Ensure(context.Background(), "user-1", "Alice", now)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if u.ID != "user-1" || u.DisplayName != "Alice" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindNodeNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select (.+) from nodes where id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.Nodes().Find(context.Background(), "missing"); !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatUnknownNode(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("update nodes").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Nodes().Heartbeat(context.Background(), "missing", now, "1.4.0", nil)
	if !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for zero rows, got %v", err)
	}
}

func TestClaimPendingDeliversBatch(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	created := now.Add(-time.Second)
	expires := now.Add(time.Minute)

	cols := []string{
		"id", "node_id", "payload", "requester_id", "guild_id", "channel_id",
		"origin_ref", "status", "created_at", "delivered_at", "completed_at",
		"expires_at", "result",
	}
	mock.ExpectQuery("update command_entries").
		WithArgs("node-1", 10, now).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("entry-1", "node-1", []byte(`{"op":"restart"}`), "user-1", "", "",
				"", "delivered", created, now, nil, expires, nil))

	entries, err := store.Queue().ClaimPending(context.Background(), "node-1", 10, now)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Status != relay.StatusDelivered || e.DeliveredAt == nil {
		t.Fatalf("claimed entry not delivered: %+v", e)
	}
	if string(e.Payload) != `{"op":"restart"}` {
		t.Fatalf("payload mangled: %s", e.Payload)
	}
	if e.CompletedAt != nil {
		t.Fatalf("fresh delivery must have no completion time")
	}
}

func TestResolveConflictsWhenNotDelivered(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select status from command_entries").
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err := store.Queue().Resolve(context.Background(), "entry-1", relay.StatusCompleted, nil, now)
	if !errors.Is(err, relay.ErrConflict) {
		t.Fatalf("expected ErrConflict for terminal entry, got %v", err)
	}
}

func TestResolveCompletes(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	result := json.RawMessage(`{"detail":"done"}`)

	mock.ExpectBegin()
	mock.ExpectQuery("select status from command_entries").
		WithArgs("entry-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("delivered"))
	mock.ExpectExec("update command_entries set status").
		WithArgs("entry-1", "completed", []byte(result), now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Queue().Resolve(context.Background(), "entry-1", relay.StatusCompleted, result, now); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveRejectsNonTerminalStatus(t *testing.T) {
	store, _ := newMockStore(t)
	err := store.Queue().Resolve(context.Background(), "entry-1", relay.StatusPending, nil, time.Now())
	if !errors.Is(err, relay.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestDeleteTerminalBeforeReportsCount(t *testing.T) {
	store, mock := newMockStore(t)
	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)

	mock.ExpectExec("delete from command_entries").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Queue().DeleteTerminalBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteTerminalBefore: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 deleted, got %d", n)
	}
}
