// Package acl resolves effective permission levels for (user, node) pairs
// from ownership, direct grants and role grants.
package acl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sabarelay.org/internal/relay"
)

// Resolver computes effective permission levels and authorizes mutation of
// the grants it resolves from.
type Resolver struct {
	store relay.Store
	now   func() time.Time
}

// Option configures Resolver behavior.
type Option func(*Resolver)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(r *Resolver) {
		if fn != nil {
			r.now = fn
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(store relay.Store, opts ...Option) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("acl: store is required")
	}
	r := &Resolver{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Resolve returns the effective level for the user on the node.
//
// The first two branches are load-bearing overrides and must stay ordered:
// a banned user is NONE regardless of any grant, and the node's owner is
// ADMIN regardless of any grant. Only after both does the max(direct, role)
// computation apply.
func (r *Resolver) Resolve(ctx context.Context, userID, nodeID, guildID string, roleIDs []string) (relay.Level, error) {
	userID = strings.TrimSpace(userID)
	nodeID = strings.TrimSpace(nodeID)
	if userID == "" || nodeID == "" {
		return relay.LevelNone, fmt.Errorf("%w: user_id and node_id are required", relay.ErrInvalidInput)
	}

	user, err := r.store.Users().Find(ctx, userID)
	switch {
	case err == nil:
		if user.Banned {
			return relay.LevelNone, nil
		}
	case errors.Is(err, relay.ErrNotFound):
		// Unknown users resolve through grants like anyone else.
	default:
		return relay.LevelNone, err
	}

	node, err := r.store.Nodes().Find(ctx, nodeID)
	if err != nil {
		return relay.LevelNone, err
	}
	if node.OwnerID == userID {
		return relay.LevelAdmin, nil
	}

	level := relay.LevelNone
	direct, err := r.store.Permissions().FindDirect(ctx, nodeID, userID)
	switch {
	case err == nil:
		level = direct.Level
	case errors.Is(err, relay.ErrNotFound):
	default:
		return relay.LevelNone, err
	}

	if guildID != "" && len(roleIDs) > 0 {
		best, err := r.store.Permissions().BestRoleLevel(ctx, nodeID, guildID, roleIDs)
		if err != nil {
			return relay.LevelNone, err
		}
		if best > level {
			level = best
		}
	}
	return level, nil
}

// requireAdmin verifies the actor resolves to ADMIN on the node before any
// grant mutation. The resolver authorizes calls to its own mutators.
func (r *Resolver) requireAdmin(ctx context.Context, actorID, nodeID, guildID string, actorRoles []string) error {
	level, err := r.Resolve(ctx, actorID, nodeID, guildID, actorRoles)
	if err != nil {
		return err
	}
	if level < relay.LevelAdmin {
		return relay.ErrForbidden
	}
	return nil
}

// Grant upserts a direct permission for (node, user).
func (r *Resolver) Grant(ctx context.Context, actorID, nodeID, userID string, level relay.Level, guildID string, actorRoles []string) error {
	if level != relay.LevelUser && level != relay.LevelAdmin {
		return fmt.Errorf("%w: level must be user or admin", relay.ErrInvalidInput)
	}
	if err := r.requireAdmin(ctx, actorID, nodeID, guildID, actorRoles); err != nil {
		return err
	}
	now := r.now().UTC()
	return r.store.Permissions().UpsertDirect(ctx, relay.DirectPermission{
		NodeID:    nodeID,
		UserID:    strings.TrimSpace(userID),
		Level:     level,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Revoke removes the direct permission for (node, user) unconditionally.
func (r *Resolver) Revoke(ctx context.Context, actorID, nodeID, userID, guildID string, actorRoles []string) error {
	if err := r.requireAdmin(ctx, actorID, nodeID, guildID, actorRoles); err != nil {
		return err
	}
	return r.store.Permissions().DeleteDirect(ctx, nodeID, strings.TrimSpace(userID))
}

// GrantRole upserts a role permission scoped to a guild linked to the node.
func (r *Resolver) GrantRole(ctx context.Context, actorID, nodeID, guildID, roleID string, level relay.Level, actorRoles []string) error {
	if level != relay.LevelUser && level != relay.LevelAdmin {
		return fmt.Errorf("%w: level must be user or admin", relay.ErrInvalidInput)
	}
	guildID = strings.TrimSpace(guildID)
	roleID = strings.TrimSpace(roleID)
	if guildID == "" || roleID == "" {
		return fmt.Errorf("%w: guild_id and role_id are required", relay.ErrInvalidInput)
	}
	if err := r.requireAdmin(ctx, actorID, nodeID, guildID, actorRoles); err != nil {
		return err
	}
	linked, err := r.store.Permissions().GuildLinked(ctx, guildID, nodeID)
	if err != nil {
		return err
	}
	if !linked {
		return fmt.Errorf("%w: guild is not linked to node", relay.ErrNotFound)
	}
	now := r.now().UTC()
	return r.store.Permissions().UpsertRole(ctx, relay.RolePermission{
		NodeID:    nodeID,
		GuildID:   guildID,
		RoleID:    roleID,
		Level:     level,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// RevokeRole removes a role permission.
func (r *Resolver) RevokeRole(ctx context.Context, actorID, nodeID, guildID, roleID string, actorRoles []string) error {
	if err := r.requireAdmin(ctx, actorID, nodeID, guildID, actorRoles); err != nil {
		return err
	}
	return r.store.Permissions().DeleteRole(ctx, nodeID, strings.TrimSpace(guildID), strings.TrimSpace(roleID))
}

// LinkGuild associates a guild with a node so role grants can be scoped.
func (r *Resolver) LinkGuild(ctx context.Context, actorID, nodeID, guildID string, actorRoles []string) error {
	guildID = strings.TrimSpace(guildID)
	if guildID == "" {
		return fmt.Errorf("%w: guild_id is required", relay.ErrInvalidInput)
	}
	if err := r.requireAdmin(ctx, actorID, nodeID, "", actorRoles); err != nil {
		return err
	}
	return r.store.Permissions().LinkGuild(ctx, relay.GuildLink{
		GuildID:   guildID,
		NodeID:    nodeID,
		CreatedAt: r.now().UTC(),
	})
}
