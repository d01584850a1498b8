package authn

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const producerIssuer = "sabarelay"

// ErrInvalidServiceToken indicates a producer token failed validation.
var ErrInvalidServiceToken = errors.New("authn: invalid service token")

// ProducerClaims are the JWT claims carried by producer service tokens. The
// subject identifies the producer deployment, not an end user; the acting
// user travels in request bodies.
type ProducerClaims struct {
	jwt.RegisteredClaims
}

// Producer issues and validates the HS256 service tokens the command
// producer authenticates with. Node credentials never go through here.
type Producer struct {
	secret []byte
	now    func() time.Time
}

// NewProducer constructs a producer-token verifier from a shared secret.
func NewProducer(secret string, opts ...ProducerOption) (*Producer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("authn: producer secret is required")
	}
	p := &Producer{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// ProducerOption configures Producer behavior.
type ProducerOption func(*Producer)

// WithProducerClock overrides the time source (useful for tests).
func WithProducerClock(fn func() time.Time) ProducerOption {
	return func(p *Producer) {
		if fn != nil {
			p.now = fn
		}
	}
}

// GenerateToken signs a service token for the named producer deployment.
func (p *Producer) GenerateToken(subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("authn: subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("authn: ttl must be greater than zero")
	}

	now := p.now().UTC()
	claims := ProducerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    producerIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies a service token's signature and claims.
func (p *Producer) ParseAndValidate(token string) (*ProducerClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidServiceToken
	}
	parsed, err := jwt.ParseWithClaims(token, &ProducerClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidServiceToken
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return p.now().UTC() }))
	if err != nil {
		return nil, ErrInvalidServiceToken
	}
	claims, ok := parsed.Claims.(*ProducerClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidServiceToken
	}
	if claims.Issuer != producerIssuer || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidServiceToken
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, ErrInvalidServiceToken
	}
	return claims, nil
}
