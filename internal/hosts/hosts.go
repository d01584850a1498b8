// Package hosts manages relay endpoints: registration, credential rotation,
// liveness and the cached capability snapshot nodes report with heartbeats.
package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"sabarelay.org/internal/relay"
	"sabarelay.org/internal/token"
)

// CacheInvalidator lets the service evict a node's cached credential after
// rotation so stale hashes are never authenticated against.
type CacheInvalidator interface {
	Invalidate(nodeID string)
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(string) {}

// Service provides node lifecycle operations.
type Service struct {
	store relay.Store
	codec *token.Codec
	cache CacheInvalidator
	now   func() time.Time

	minAgentVersion string
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

// WithMinAgentVersion sets the version below which heartbeats receive an
// upgrade advisory. Advisory only; never blocks the heartbeat.
func WithMinAgentVersion(v string) Option {
	return func(s *Service) { s.minAgentVersion = strings.TrimSpace(v) }
}

// WithCacheInvalidator wires the authenticator's token cache.
func WithCacheInvalidator(c CacheInvalidator) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// NewService constructs a hosts service.
func NewService(store relay.Store, codec *token.Codec, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("hosts: store is required")
	}
	if codec == nil {
		return nil, errors.New("hosts: token codec is required")
	}
	s := &Service{
		store: store,
		codec: codec,
		cache: nopInvalidator{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register creates a node for the owner and returns it together with the raw
// credential. The credential is disclosed exactly here and never again.
// ErrConflict when the owner already has a node.
func (s *Service) Register(ctx context.Context, ownerID, ownerName, nodeName string) (relay.Node, string, error) {
	ownerID = strings.TrimSpace(ownerID)
	nodeName = strings.TrimSpace(nodeName)
	if ownerID == "" || nodeName == "" {
		return relay.Node{}, "", fmt.Errorf("%w: owner_id and name are required", relay.ErrInvalidInput)
	}

	now := s.now().UTC()
	if _, err := s.store.Users().Ensure(ctx, ownerID, ownerName, now); err != nil {
		return relay.Node{}, "", err
	}
	if _, err := s.store.Nodes().FindByOwner(ctx, ownerID); err == nil {
		return relay.Node{}, "", relay.ErrConflict
	} else if !errors.Is(err, relay.ErrNotFound) {
		return relay.Node{}, "", err
	}

	nodeID := uuid.NewString()
	raw, hash, err := s.codec.Generate(nodeID)
	if err != nil {
		return relay.Node{}, "", err
	}
	node := relay.Node{
		ID:        nodeID,
		OwnerID:   ownerID,
		Name:      nodeName,
		TokenHash: hash,
		Status:    relay.NodeOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Nodes().Create(ctx, &node); err != nil {
		return relay.Node{}, "", err
	}
	return node, raw, nil
}

// RotateToken mints a fresh credential for the node. Owner-only. The
// authenticator cache entry for the node is evicted so the old credential
// stops working immediately.
func (s *Service) RotateToken(ctx context.Context, actorID, nodeID string) (string, error) {
	node, err := s.store.Nodes().Find(ctx, nodeID)
	if err != nil {
		return "", err
	}
	if node.OwnerID != strings.TrimSpace(actorID) {
		return "", relay.ErrForbidden
	}
	raw, hash, err := s.codec.Generate(nodeID)
	if err != nil {
		return "", err
	}
	if err := s.store.Nodes().UpdateTokenHash(ctx, nodeID, hash, s.now().UTC()); err != nil {
		return "", err
	}
	s.cache.Invalidate(nodeID)
	return raw, nil
}

// Get returns the node's public status.
func (s *Service) Get(ctx context.Context, nodeID string) (relay.Node, error) {
	return s.store.Nodes().Find(ctx, nodeID)
}

// Metadata returns the cached capability snapshot the node last reported.
func (s *Service) Metadata(ctx context.Context, nodeID string) (json.RawMessage, error) {
	node, err := s.store.Nodes().Find(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return node.Metadata, nil
}

// Heartbeat refreshes liveness and, when a metadata snapshot is supplied,
// replaces the cached snapshot wholesale (last-write-wins, no merge).
// Returns whether an agent upgrade is advised.
func (s *Service) Heartbeat(ctx context.Context, nodeID, agentVersion string, metadata json.RawMessage) (bool, error) {
	agentVersion = strings.TrimSpace(agentVersion)
	if err := s.store.Nodes().Heartbeat(ctx, nodeID, s.now().UTC(), agentVersion, metadata); err != nil {
		return false, err
	}
	advise := s.minAgentVersion != "" && agentVersion != "" && versionLess(agentVersion, s.minAgentVersion)
	return advise, nil
}

// versionLess compares dotted numeric versions; non-numeric segments compare
// lexicographically so prerelease-style suffixes do not panic the check.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				return na < nb
			}
		default:
			if sa != sb {
				return sa < sb
			}
		}
	}
	return false
}
