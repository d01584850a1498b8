package relay

import (
	"encoding/json"
	"time"
)

// Level is the effective permission tier for a (user, node) pair.
// Values are ordered; resolution takes the maximum of applicable grants.
type Level int

const (
	LevelNone  Level = 0
	LevelUser  Level = 1
	LevelAdmin Level = 2
)

func (l Level) String() string {
	switch l {
	case LevelUser:
		return "user"
	case LevelAdmin:
		return "admin"
	default:
		return "none"
	}
}

// ParseLevel maps the wire representation back to a Level.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "none":
		return LevelNone, true
	case "user":
		return LevelUser, true
	case "admin":
		return LevelAdmin, true
	default:
		return LevelNone, false
	}
}

// Node liveness states.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// EntryStatus tracks a queue entry through its state machine:
// pending -> delivered -> completed, or pending/delivered -> timeout/error.
// Transitions are monotonic; no entry regresses.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusDelivered EntryStatus = "delivered"
	StatusCompleted EntryStatus = "completed"
	StatusTimeout   EntryStatus = "timeout"
	StatusError     EntryStatus = "error"
)

// Terminal reports whether the status admits no further transition.
func (s EntryStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusError:
		return true
	}
	return false
}

// User is a chat-platform identity. Created on first contact and never
// hard-deleted: audit history references it.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Banned      bool      `json:"banned"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// Node is a user-owned relay endpoint ("host"). It cannot be reached by
// inbound connection and pulls work via long-polling. One node per owner.
type Node struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Name            string          `json:"name"`
	TokenHash       string          `json:"-"`
	Status          string          `json:"status"`
	LastHeartbeatAt time.Time       `json:"last_heartbeat_at"`
	AgentVersion    string          `json:"agent_version,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DirectPermission is an owner-granted level for a specific user on a node.
type DirectPermission struct {
	NodeID    string    `json:"node_id"`
	UserID    string    `json:"user_id"`
	Level     Level     `json:"level"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RolePermission delegates a level to an entire chat-platform role within a
// guild linked to the node.
type RolePermission struct {
	NodeID    string    `json:"node_id"`
	GuildID   string    `json:"guild_id"`
	RoleID    string    `json:"role_id"`
	Level     Level     `json:"level"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GuildLink associates a chat community with a node so role-based resolution
// has a guild scope.
type GuildLink struct {
	GuildID   string    `json:"guild_id"`
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
}

// CommandEntry is one queued unit of work addressed to a node. Payload and
// Result are opaque to the relay: arbitrary structured data, never
// interpreted here.
type CommandEntry struct {
	ID          string          `json:"id"`
	NodeID      string          `json:"node_id"`
	Payload     json.RawMessage `json:"payload"`
	RequesterID string          `json:"requester_id"`
	GuildID     string          `json:"guild_id,omitempty"`
	ChannelID   string          `json:"channel_id,omitempty"`
	OriginRef   string          `json:"origin_ref,omitempty"`
	Status      EntryStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// AuditEntry is an append-only record of a privileged operation.
type AuditEntry struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id"`
	NodeID     string    `json:"node_id,omitempty"`
	GuildID    string    `json:"guild_id,omitempty"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	Outcome    string    `json:"outcome"`
}
