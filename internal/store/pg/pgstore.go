// Package pg implements the relay store on PostgreSQL through database/sql
// with the pgx driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sabarelay.org/internal/ids"
	"sabarelay.org/internal/relay"
)

type Store struct {
	db *sql.DB
}

var _ relay.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Users() relay.UserStore             { return userStore{s.db} }
func (s *Store) Nodes() relay.NodeStore             { return nodeStore{s.db} }
func (s *Store) Permissions() relay.PermissionStore { return permStore{s.db} }
func (s *Store) Queue() relay.QueueStore            { return queueStore{s.db} }
func (s *Store) Audit() relay.AuditStore            { return auditStore{s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- users ---

type userStore struct{ db *sql.DB }

func (s userStore) Ensure(ctx context.Context, id, displayName string, seenAt time.Time) (relay.User, error) {
	if id == "" {
		return relay.User{}, relay.ErrInvalidInput
	}
	var u relay.User
	err := s.db.QueryRowContext(ctx, `
		insert into users(id, display_name, last_seen_at, created_at)
		values ($1, $2, $3, $3)
		on conflict (id) do update
		set display_name = case when excluded.display_name <> '' then excluded.display_name else users.display_name end,
		    last_seen_at = excluded.last_seen_at
		returning id, display_name, banned, last_seen_at, created_at
	`, id, displayName, seenAt).Scan(&u.ID, &u.DisplayName, &u.Banned, &u.LastSeenAt, &u.CreatedAt)
	if err != nil {
		return relay.User{}, err
	}
	return u, nil
}

func (s userStore) Find(ctx context.Context, id string) (relay.User, error) {
	var u relay.User
	err := s.db.QueryRowContext(ctx, `
		select id, display_name, banned, last_seen_at, created_at
		from users where id = $1
	`, id).Scan(&u.ID, &u.DisplayName, &u.Banned, &u.LastSeenAt, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.User{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.User{}, err
	}
	return u, nil
}

func (s userStore) SetBanned(ctx context.Context, id string, banned bool) error {
	res, err := s.db.ExecContext(ctx, `update users set banned = $2 where id = $1`, id, banned)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- nodes ---

type nodeStore struct{ db *sql.DB }

const nodeColumns = `id, owner_id, name, token_hash, status, last_heartbeat_at, coalesce(agent_version,''), metadata, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (relay.Node, error) {
	var n relay.Node
	var meta []byte
	err := row.Scan(&n.ID, &n.OwnerID, &n.Name, &n.TokenHash, &n.Status,
		&n.LastHeartbeatAt, &n.AgentVersion, &meta, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.Node{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.Node{}, err
	}
	if len(meta) > 0 {
		n.Metadata = json.RawMessage(meta)
	}
	return n, nil
}

func (s nodeStore) Create(ctx context.Context, n *relay.Node) error {
	_, err := s.db.ExecContext(ctx, `
		insert into nodes(id, owner_id, name, token_hash, status, last_heartbeat_at, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.OwnerID, n.Name, n.TokenHash, n.Status, n.LastHeartbeatAt, n.CreatedAt, n.UpdatedAt)
	if isUniqueViolation(err) {
		return relay.ErrConflict
	}
	return err
}

func (s nodeStore) Find(ctx context.Context, id string) (relay.Node, error) {
	return scanNode(s.db.QueryRowContext(ctx, `select `+nodeColumns+` from nodes where id = $1`, id))
}

func (s nodeStore) FindByOwner(ctx context.Context, ownerID string) (relay.Node, error) {
	return scanNode(s.db.QueryRowContext(ctx, `select `+nodeColumns+` from nodes where owner_id = $1`, ownerID))
}

func (s nodeStore) UpdateTokenHash(ctx context.Context, id, hash string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update nodes set token_hash = $2, updated_at = $3 where id = $1
	`, id, hash, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s nodeStore) Heartbeat(ctx context.Context, id string, at time.Time, agentVersion string, metadata json.RawMessage) error {
	var meta any
	if metadata != nil {
		meta = []byte(metadata)
	}
	res, err := s.db.ExecContext(ctx, `
		update nodes
		set status = 'online',
		    last_heartbeat_at = $2,
		    updated_at = $2,
		    agent_version = case when $3 <> '' then $3 else agent_version end,
		    metadata = coalesce($4, metadata)
		where id = $1
	`, id, at, agentVersion, meta)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s nodeStore) SetStatus(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update nodes set status = $2, updated_at = $3 where id = $1
	`, id, status, at)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s nodeStore) MarkSilentOffline(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update nodes set status = 'offline', updated_at = $2
		where status = 'online' and last_heartbeat_at < $1
	`, cutoff, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- permissions ---

type permStore struct{ db *sql.DB }

func (s permStore) UpsertDirect(ctx context.Context, p relay.DirectPermission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into direct_permissions(node_id, user_id, level, created_at, updated_at)
		values ($1, $2, $3, $4, $4)
		on conflict (node_id, user_id) do update
		set level = excluded.level, updated_at = excluded.updated_at
	`, p.NodeID, p.UserID, int(p.Level), p.UpdatedAt)
	return err
}

func (s permStore) DeleteDirect(ctx context.Context, nodeID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from direct_permissions where node_id = $1 and user_id = $2
	`, nodeID, userID)
	return err
}

func (s permStore) FindDirect(ctx context.Context, nodeID, userID string) (relay.DirectPermission, error) {
	p := relay.DirectPermission{NodeID: nodeID, UserID: userID}
	var level int
	err := s.db.QueryRowContext(ctx, `
		select level, created_at, updated_at
		from direct_permissions where node_id = $1 and user_id = $2
	`, nodeID, userID).Scan(&level, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.DirectPermission{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.DirectPermission{}, err
	}
	p.Level = relay.Level(level)
	return p, nil
}

func (s permStore) UpsertRole(ctx context.Context, p relay.RolePermission) error {
	_, err := s.db.ExecContext(ctx, `
		insert into role_permissions(node_id, guild_id, role_id, level, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $5)
		on conflict (node_id, guild_id, role_id) do update
		set level = excluded.level, updated_at = excluded.updated_at
	`, p.NodeID, p.GuildID, p.RoleID, int(p.Level), p.UpdatedAt)
	return err
}

func (s permStore) DeleteRole(ctx context.Context, nodeID, guildID, roleID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from role_permissions where node_id = $1 and guild_id = $2 and role_id = $3
	`, nodeID, guildID, roleID)
	return err
}

func (s permStore) BestRoleLevel(ctx context.Context, nodeID, guildID string, roleIDs []string) (relay.Level, error) {
	if len(roleIDs) == 0 {
		return relay.LevelNone, nil
	}
	var level int
	err := s.db.QueryRowContext(ctx, `
		select coalesce(max(level), 0)
		from role_permissions
		where node_id = $1 and guild_id = $2 and role_id = any($3)
	`, nodeID, guildID, roleIDs).Scan(&level)
	if err != nil {
		return relay.LevelNone, err
	}
	return relay.Level(level), nil
}

func (s permStore) LinkGuild(ctx context.Context, l relay.GuildLink) error {
	_, err := s.db.ExecContext(ctx, `
		insert into guild_links(guild_id, node_id, created_at)
		values ($1, $2, $3)
		on conflict (guild_id, node_id) do nothing
	`, l.GuildID, l.NodeID, l.CreatedAt)
	return err
}

func (s permStore) GuildLinked(ctx context.Context, guildID, nodeID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from guild_links where guild_id = $1 and node_id = $2
	`, guildID, nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// --- queue ---

type queueStore struct{ db *sql.DB }

const entryColumns = `id, node_id, payload, requester_id, coalesce(guild_id,''), coalesce(channel_id,''), coalesce(origin_ref,''), status, created_at, delivered_at, completed_at, expires_at, result`

func scanEntry(row interface{ Scan(...any) error }) (relay.CommandEntry, error) {
	var e relay.CommandEntry
	var payload, result []byte
	var status string
	err := row.Scan(&e.ID, &e.NodeID, &payload, &e.RequesterID, &e.GuildID, &e.ChannelID,
		&e.OriginRef, &status, &e.CreatedAt, &e.DeliveredAt, &e.CompletedAt, &e.ExpiresAt, &result)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.CommandEntry{}, relay.ErrNotFound
	}
	if err != nil {
		return relay.CommandEntry{}, err
	}
	e.Status = relay.EntryStatus(status)
	e.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		e.Result = json.RawMessage(result)
	}
	return e, nil
}

func (s queueStore) Create(ctx context.Context, e *relay.CommandEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into command_entries(id, node_id, payload, requester_id, guild_id, channel_id, origin_ref, status, created_at, expires_at)
		values ($1, $2, $3, $4, nullif($5,''), nullif($6,''), nullif($7,''), $8, $9, $10)
	`, e.ID, e.NodeID, []byte(e.Payload), e.RequesterID, e.GuildID, e.ChannelID, e.OriginRef,
		string(e.Status), e.CreatedAt, e.ExpiresAt)
	if isUniqueViolation(err) {
		return relay.ErrConflict
	}
	return err
}

func (s queueStore) Find(ctx context.Context, id string) (relay.CommandEntry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, `select `+entryColumns+` from command_entries where id = $1`, id))
}

func (s queueStore) CountForNode(ctx context.Context, nodeID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from command_entries where node_id = $1
	`, nodeID).Scan(&count)
	return count, err
}

// ClaimPending atomically flips the oldest pending entries to delivered.
// Skip-locked keeps concurrent polls from double-claiming under row locks.
func (s queueStore) ClaimPending(ctx context.Context, nodeID string, limit int, at time.Time) ([]relay.CommandEntry, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		update command_entries
		set status = 'delivered', delivered_at = $3
		where id in (
			select id from command_entries
			where node_id = $1 and status = 'pending'
			order by created_at, id
			limit $2
			for update skip locked
		)
		returning `+entryColumns, nodeID, limit, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.CommandEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s queueStore) Resolve(ctx context.Context, id string, status relay.EntryStatus, result json.RawMessage, at time.Time) error {
	if !status.Terminal() {
		return relay.ErrInvalidInput
	}
	var res any
	if result != nil {
		res = []byte(result)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `
		select status from command_entries where id = $1 for update
	`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return relay.ErrNotFound
	}
	if err != nil {
		return err
	}
	if relay.EntryStatus(current) != relay.StatusDelivered {
		return relay.ErrConflict
	}

	if _, err := tx.ExecContext(ctx, `
		update command_entries set status = $2, result = $3, completed_at = $4 where id = $1
	`, id, string(status), res, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (s queueStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update command_entries
		set status = 'timeout', completed_at = $1
		where status in ('pending', 'delivered') and expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s queueStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from command_entries
		where status in ('completed', 'timeout', 'error') and completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- audit ---

type auditStore struct{ db *sql.DB }

func (s auditStore) Append(ctx context.Context, e *relay.AuditEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries(id, occurred_at, actor_id, node_id, guild_id, action, detail, outcome)
		values ($1, $2, $3, nullif($4,''), nullif($5,''), $6, $7, $8)
	`, e.ID, e.OccurredAt, e.ActorID, e.NodeID, e.GuildID, e.Action, e.Detail, e.Outcome)
	return err
}

func (s auditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_entries where occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s auditStore) ListForNode(ctx context.Context, nodeID string, limit int) ([]relay.AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, actor_id, coalesce(node_id,''), coalesce(guild_id,''), action, detail, outcome
		from audit_entries
		where node_id = $1
		order by occurred_at desc
		limit $2
	`, nodeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.AuditEntry
	for rows.Next() {
		var e relay.AuditEntry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &e.NodeID, &e.GuildID,
			&e.Action, &e.Detail, &e.Outcome); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return relay.ErrNotFound
	}
	return nil
}
