package relay

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"sabarelay.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by tests
// and by relayd when no Postgres DSN is configured.
type InMemory struct {
	mu      sync.RWMutex
	users   map[string]*User
	nodes   map[string]*Node
	byOwner map[string]string // owner id -> node id
	direct  map[string]DirectPermission // nodeID+"\x00"+userID
	roles   map[string]RolePermission   // nodeID+"\x00"+guildID+"\x00"+roleID
	guilds  map[string]GuildLink        // guildID+"\x00"+nodeID
	entries map[string]*CommandEntry
	audits  []AuditEntry
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		users:   make(map[string]*User),
		nodes:   make(map[string]*Node),
		byOwner: make(map[string]string),
		direct:  make(map[string]DirectPermission),
		roles:   make(map[string]RolePermission),
		guilds:  make(map[string]GuildLink),
		entries: make(map[string]*CommandEntry),
	}
}

func (s *InMemory) Users() UserStore             { return (*memUsers)(s) }
func (s *InMemory) Nodes() NodeStore             { return (*memNodes)(s) }
func (s *InMemory) Permissions() PermissionStore { return (*memPerms)(s) }
func (s *InMemory) Queue() QueueStore            { return (*memQueue)(s) }
func (s *InMemory) Audit() AuditStore            { return (*memAudit)(s) }

func pairKey(a, b string) string     { return a + "\x00" + b }
func tripleKey(a, b, c string) string { return a + "\x00" + b + "\x00" + c }

// --- users ---

type memUsers InMemory

func (s *memUsers) Ensure(ctx context.Context, id, displayName string, seenAt time.Time) (User, error) {
	if id == "" {
		return User{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = &User{ID: id, DisplayName: displayName, CreatedAt: seenAt}
		s.users[id] = u
	} else if displayName != "" {
		u.DisplayName = displayName
	}
	u.LastSeenAt = seenAt
	return *u, nil
}

func (s *memUsers) Find(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *memUsers) SetBanned(ctx context.Context, id string, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Banned = banned
	return nil
}

// --- nodes ---

type memNodes InMemory

func (s *memNodes) Create(ctx context.Context, n *Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n.ID]; ok {
		return ErrConflict
	}
	if _, ok := s.byOwner[n.OwnerID]; ok {
		return ErrConflict
	}
	cp := *n
	s.nodes[n.ID] = &cp
	s.byOwner[n.OwnerID] = n.ID
	return nil
}

func (s *memNodes) Find(ctx context.Context, id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, ErrNotFound
	}
	return *n, nil
}

func (s *memNodes) FindByOwner(ctx context.Context, ownerID string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOwner[ownerID]
	if !ok {
		return Node{}, ErrNotFound
	}
	return *s.nodes[id], nil
}

func (s *memNodes) UpdateTokenHash(ctx context.Context, id, hash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.TokenHash = hash
	n.UpdatedAt = at
	return nil
}

func (s *memNodes) Heartbeat(ctx context.Context, id string, at time.Time, agentVersion string, metadata json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = NodeOnline
	n.LastHeartbeatAt = at
	n.UpdatedAt = at
	if agentVersion != "" {
		n.AgentVersion = agentVersion
	}
	if metadata != nil {
		n.Metadata = append(json.RawMessage(nil), metadata...)
	}
	return nil
}

func (s *memNodes) SetStatus(ctx context.Context, id, status string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.Status = status
	n.UpdatedAt = at
	return nil
}

func (s *memNodes) MarkSilentOffline(ctx context.Context, cutoff, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, n := range s.nodes {
		if n.Status == NodeOnline && n.LastHeartbeatAt.Before(cutoff) {
			n.Status = NodeOffline
			n.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

// --- permissions ---

type memPerms InMemory

func (s *memPerms) UpsertDirect(ctx context.Context, p DirectPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(p.NodeID, p.UserID)
	if existing, ok := s.direct[key]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	s.direct[key] = p
	return nil
}

func (s *memPerms) DeleteDirect(ctx context.Context, nodeID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.direct, pairKey(nodeID, userID))
	return nil
}

func (s *memPerms) FindDirect(ctx context.Context, nodeID, userID string) (DirectPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.direct[pairKey(nodeID, userID)]
	if !ok {
		return DirectPermission{}, ErrNotFound
	}
	return p, nil
}

func (s *memPerms) UpsertRole(ctx context.Context, p RolePermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tripleKey(p.NodeID, p.GuildID, p.RoleID)
	if existing, ok := s.roles[key]; ok {
		p.CreatedAt = existing.CreatedAt
	}
	s.roles[key] = p
	return nil
}

func (s *memPerms) DeleteRole(ctx context.Context, nodeID, guildID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles, tripleKey(nodeID, guildID, roleID))
	return nil
}

func (s *memPerms) BestRoleLevel(ctx context.Context, nodeID, guildID string, roleIDs []string) (Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := LevelNone
	for _, roleID := range roleIDs {
		if p, ok := s.roles[tripleKey(nodeID, guildID, roleID)]; ok && p.Level > best {
			best = p.Level
		}
	}
	return best, nil
}

func (s *memPerms) LinkGuild(ctx context.Context, l GuildLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guilds[pairKey(l.GuildID, l.NodeID)] = l
	return nil
}

func (s *memPerms) GuildLinked(ctx context.Context, guildID, nodeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.guilds[pairKey(guildID, nodeID)]
	return ok, nil
}

// --- queue ---

type memQueue InMemory

func (s *memQueue) Create(ctx context.Context, e *CommandEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return ErrConflict
	}
	cp := *e
	s.entries[e.ID] = &cp
	return nil
}

func (s *memQueue) Find(ctx context.Context, id string) (CommandEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return CommandEntry{}, ErrNotFound
	}
	return *e, nil
}

func (s *memQueue) CountForNode(ctx context.Context, nodeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.entries {
		if e.NodeID == nodeID {
			count++
		}
	}
	return count, nil
}

func (s *memQueue) ClaimPending(ctx context.Context, nodeID string, limit int, at time.Time) ([]CommandEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*CommandEntry
	for _, e := range s.entries {
		if e.NodeID == nodeID && e.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].ID < pending[j].ID
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]CommandEntry, 0, len(pending))
	for _, e := range pending {
		e.Status = StatusDelivered
		t := at
		e.DeliveredAt = &t
		out = append(out, *e)
	}
	return out, nil
}

func (s *memQueue) Resolve(ctx context.Context, id string, status EntryStatus, result json.RawMessage, at time.Time) error {
	if !status.Terminal() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != StatusDelivered {
		return ErrConflict
	}
	e.Status = status
	t := at
	e.CompletedAt = &t
	if result != nil {
		e.Result = append(json.RawMessage(nil), result...)
	}
	return nil
}

func (s *memQueue) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, e := range s.entries {
		if (e.Status == StatusPending || e.Status == StatusDelivered) && e.ExpiresAt.Before(now) {
			e.Status = StatusTimeout
			t := now
			e.CompletedAt = &t
			count++
		}
	}
	return count, nil
}

func (s *memQueue) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for id, e := range s.entries {
		if e.Status.Terminal() && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(s.entries, id)
			count++
		}
	}
	return count, nil
}

// --- audit ---

type memAudit InMemory

func (s *memAudit) Append(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = ids.New()
	}
	s.audits = append(s.audits, *e)
	return nil
}

func (s *memAudit) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audits[:0]
	var count int64
	for _, e := range s.audits {
		if e.OccurredAt.Before(cutoff) {
			count++
			continue
		}
		kept = append(kept, e)
	}
	s.audits = kept
	return count, nil
}

func (s *memAudit) ListForNode(ctx context.Context, nodeID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditEntry
	for i := len(s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audits[i].NodeID == nodeID {
			out = append(out, s.audits[i])
		}
	}
	return out, nil
}
