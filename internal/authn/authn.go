// Package authn validates inbound node requests: credential lookup,
// signature verification and replay-window checks. It is the only component
// allowed to touch node identity; handlers never re-implement these checks.
package authn

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"sabarelay.org/internal/obs"
	"sabarelay.org/internal/relay"
	"sabarelay.org/internal/token"
)

// Typed authentication failures. All map to a 401 at the HTTP layer but are
// distinguished for metrics and logs.
var (
	ErrMissingToken         = errors.New("authn: missing token")
	ErrMalformedToken       = errors.New("authn: malformed token")
	ErrNodeNotFound         = errors.New("authn: node not found")
	ErrBadCredential        = errors.New("authn: bad credential")
	ErrTimestampOutOfWindow = errors.New("authn: timestamp outside replay window")
	ErrMissingSignature     = errors.New("authn: missing signature")
	ErrBadSignature         = errors.New("authn: bad signature")
)

const (
	defaultCacheTTL  = 5 * time.Minute
	defaultWindow    = 30 * time.Second
	defaultFailDelay = time.Second
)

// Authenticator verifies node requests and caches successful verifications
// so the memory-hard hash is not recomputed on every poll.
type Authenticator struct {
	store relay.Store
	codec *token.Codec

	mu    sync.Mutex
	cache map[string]cacheEntry

	cacheTTL  time.Duration
	window    time.Duration
	failDelay time.Duration
	now       func() time.Time
	sleep     func(time.Duration)
}

// A cache entry holds the SHA-256 of the last raw credential that verified
// for the node. Comparing digests skips the Argon2id work without ever
// keeping the raw credential or comparing raw secrets byte-by-byte.
type cacheEntry struct {
	digest  [sha256.Size]byte
	expires time.Time
}

// Option configures Authenticator behavior.
type Option func(*Authenticator)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(a *Authenticator) {
		if fn != nil {
			a.now = fn
		}
	}
}

// WithSleep overrides the failure-delay sleeper (useful for tests).
func WithSleep(fn func(time.Duration)) Option {
	return func(a *Authenticator) {
		if fn != nil {
			a.sleep = fn
		}
	}
}

// WithCacheTTL overrides the verified-credential cache lifetime.
func WithCacheTTL(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.cacheTTL = d
		}
	}
}

// WithReplayWindow overrides the accepted timestamp skew.
func WithReplayWindow(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.window = d
		}
	}
}

// WithFailDelay overrides the fixed artificial delay imposed on failures.
func WithFailDelay(d time.Duration) Option {
	return func(a *Authenticator) {
		if d >= 0 {
			a.failDelay = d
		}
	}
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(store relay.Store, codec *token.Codec, opts ...Option) (*Authenticator, error) {
	if store == nil {
		return nil, errors.New("authn: store is required")
	}
	if codec == nil {
		return nil, errors.New("authn: token codec is required")
	}
	a := &Authenticator{
		store:     store,
		codec:     codec,
		cache:     make(map[string]cacheEntry),
		cacheTTL:  defaultCacheTTL,
		window:    defaultWindow,
		failDelay: defaultFailDelay,
		now:       time.Now,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Request carries the pieces of an inbound node request that authentication
// inspects. Path is the request path without query.
type Request struct {
	Method    string
	Path      string
	Timestamp string
	Signature string
	Bearer    string
	Body      []byte
}

// Authenticate returns the node id the request proves, or a typed failure.
// Every failure path imposes a fixed delay before returning; success marks
// the node online and refreshes its last-heartbeat time.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) (string, error) {
	nodeID, err := a.verify(ctx, req)
	if err != nil {
		obs.AuthFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		a.sleep(a.failDelay)
		return "", err
	}
	now := a.now().UTC()
	if err := a.store.Nodes().Heartbeat(ctx, nodeID, now, "", nil); err != nil {
		return "", err
	}
	return nodeID, nil
}

func (a *Authenticator) verify(ctx context.Context, req Request) (string, error) {
	bearer := strings.TrimSpace(req.Bearer)
	if bearer == "" {
		return "", ErrMissingToken
	}
	nodeID, secret, err := a.codec.Parse(bearer)
	if err != nil {
		return "", ErrMalformedToken
	}

	node, err := a.store.Nodes().Find(ctx, nodeID)
	if errors.Is(err, relay.ErrNotFound) {
		return "", ErrNodeNotFound
	}
	if err != nil {
		return "", err
	}

	if !a.checkCached(nodeID, bearer) {
		if err := a.codec.Verify(bearer, node.TokenHash); err != nil {
			return "", ErrBadCredential
		}
		a.remember(nodeID, bearer)
	}

	if err := a.checkTimestamp(req.Timestamp); err != nil {
		return "", err
	}
	if err := checkSignature(req, secret); err != nil {
		return "", err
	}
	return nodeID, nil
}

func (a *Authenticator) checkTimestamp(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrTimestampOutOfWindow
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ErrTimestampOutOfWindow
	}
	diff := a.now().Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second > a.window {
		return ErrTimestampOutOfWindow
	}
	return nil
}

// checkSignature recomputes the HMAC over the canonical string
// method\npath\ntimestamp\nbody keyed by the credential's secret portion.
func checkSignature(req Request, secret string) error {
	supplied := strings.TrimSpace(req.Signature)
	if supplied == "" {
		return ErrMissingSignature
	}
	suppliedBytes, err := hex.DecodeString(supplied)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(req.Method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(req.Path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strings.TrimSpace(req.Timestamp)))
	mac.Write([]byte{'\n'})
	mac.Write(req.Body)
	if !hmac.Equal(suppliedBytes, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the request signature a node attaches. Exported for the
// agent client and tests; the server side only ever recomputes and compares.
func Sign(method, path, timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Authenticator) checkCached(nodeID, bearer string) bool {
	digest := sha256.Sum256([]byte(bearer))
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.cache[nodeID]
	if !ok || a.now().After(entry.expires) {
		delete(a.cache, nodeID)
		return false
	}
	return hmac.Equal(entry.digest[:], digest[:])
}

func (a *Authenticator) remember(nodeID, bearer string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[nodeID] = cacheEntry{
		digest:  sha256.Sum256([]byte(bearer)),
		expires: a.now().Add(a.cacheTTL),
	}
}

// Invalidate evicts the cached verification for a node. Called on token
// rotation so the old credential stops authenticating immediately.
func (a *Authenticator) Invalidate(nodeID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, nodeID)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrMalformedToken):
		return "malformed_token"
	case errors.Is(err, ErrNodeNotFound):
		return "node_not_found"
	case errors.Is(err, ErrBadCredential):
		return "bad_credential"
	case errors.Is(err, ErrTimestampOutOfWindow):
		return "stale_timestamp"
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	default:
		return "internal"
	}
}

type nodeContextKey struct{}

// ContextWithNode attaches the authenticated node id to the context.
func ContextWithNode(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeContextKey{}, nodeID)
}

// NodeFromContext extracts the authenticated node id from the context.
func NodeFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(nodeContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
