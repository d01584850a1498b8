package relay

import (
	"context"
	"encoding/json"
	"time"
)

// Store describes persistence required by the relay protocol.
type Store interface {
	Users() UserStore
	Nodes() NodeStore
	Permissions() PermissionStore
	Queue() QueueStore
	Audit() AuditStore
}

// UserStore manages chat-platform identities.
type UserStore interface {
	// Ensure creates the user on first contact, otherwise refreshes the
	// display name (when non-empty) and last-seen timestamp.
	Ensure(ctx context.Context, id, displayName string, seenAt time.Time) (User, error)
	Find(ctx context.Context, id string) (User, error)
	SetBanned(ctx context.Context, id string, banned bool) error
}

// NodeStore manages relay endpoints.
type NodeStore interface {
	// Create inserts a node; ErrConflict when the owner already has one.
	Create(ctx context.Context, n *Node) error
	Find(ctx context.Context, id string) (Node, error)
	FindByOwner(ctx context.Context, ownerID string) (Node, error)
	UpdateTokenHash(ctx context.Context, id, hash string, at time.Time) error
	// Heartbeat marks the node online and refreshes its last-heartbeat time.
	// Empty agentVersion and nil metadata leave the stored values untouched;
	// non-nil metadata replaces the snapshot wholesale.
	Heartbeat(ctx context.Context, id string, at time.Time, agentVersion string, metadata json.RawMessage) error
	SetStatus(ctx context.Context, id, status string, at time.Time) error
	// MarkSilentOffline flips online nodes whose last heartbeat predates the
	// cutoff. Returns the number of nodes transitioned.
	MarkSilentOffline(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// PermissionStore manages direct grants, role grants and guild links.
type PermissionStore interface {
	UpsertDirect(ctx context.Context, p DirectPermission) error
	DeleteDirect(ctx context.Context, nodeID, userID string) error
	FindDirect(ctx context.Context, nodeID, userID string) (DirectPermission, error)
	UpsertRole(ctx context.Context, p RolePermission) error
	DeleteRole(ctx context.Context, nodeID, guildID, roleID string) error
	// BestRoleLevel returns the maximum level among the given roles for
	// (node, guild); LevelNone when nothing matches.
	BestRoleLevel(ctx context.Context, nodeID, guildID string, roleIDs []string) (Level, error)
	LinkGuild(ctx context.Context, l GuildLink) error
	GuildLinked(ctx context.Context, guildID, nodeID string) (bool, error)
}

// QueueStore manages command entries.
type QueueStore interface {
	Create(ctx context.Context, e *CommandEntry) error
	Find(ctx context.Context, id string) (CommandEntry, error)
	CountForNode(ctx context.Context, nodeID string) (int, error)
	// ClaimPending atomically transitions up to limit pending entries for the
	// node to delivered, oldest-created first, recording delivery time.
	ClaimPending(ctx context.Context, nodeID string, limit int, at time.Time) ([]CommandEntry, error)
	// Resolve transitions a delivered entry to the given terminal status and
	// records the result. ErrConflict when the entry is not in a resolvable
	// state (idempotent double-report protection).
	Resolve(ctx context.Context, id string, status EntryStatus, result json.RawMessage, at time.Time) error
	// ExpireOverdue transitions pending/delivered entries whose deadline has
	// passed into timeout. Returns the number transitioned.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	// DeleteTerminalBefore purges terminal entries older than the cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditStore appends immutable entries and enforces retention.
type AuditStore interface {
	Append(ctx context.Context, e *AuditEntry) error
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ListForNode exists for operator inspection and tests.
	ListForNode(ctx context.Context, nodeID string, limit int) ([]AuditEntry, error)
}
