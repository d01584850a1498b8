// Package token generates and verifies node credentials.
//
// A raw credential has the form {prefix}_{nodeID}.{secret} where secret is a
// high-entropy random string. The raw value is disclosed exactly once, at
// registration or rotation; only an Argon2id hash of it is stored.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidFormat indicates a credential that does not match the expected
// shape. Callers receive this as a typed failure, never a panic.
var ErrInvalidFormat = errors.New("token: invalid credential format")

// ErrMismatch indicates a credential that parsed but does not verify against
// the stored hash.
var ErrMismatch = errors.New("token: credential mismatch")

const secretBytes = 32

// Argon2id parameters. Changing them only affects new hashes: verification
// reads parameters back out of the stored PHC string.
const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

// Codec mints and checks node credentials for a fixed prefix.
type Codec struct {
	prefix string
}

// NewCodec creates a codec. The prefix identifies the credential family in
// logs and leaked-secret scanners (e.g. "sbr").
func NewCodec(prefix string) (*Codec, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || strings.ContainsAny(prefix, "_.") {
		return nil, fmt.Errorf("token: invalid prefix %q", prefix)
	}
	return &Codec{prefix: prefix}, nil
}

// Generate mints a fresh credential for the node. It returns the raw value
// (shown once to the caller) and the hash to store.
func (c *Codec) Generate(nodeID string) (raw, hash string, err error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" || strings.Contains(nodeID, ".") {
		return "", "", fmt.Errorf("token: invalid node id %q", nodeID)
	}
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("token: generate secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	raw = c.prefix + "_" + nodeID + "." + secret
	hash, err = hashCredential(raw)
	if err != nil {
		return "", "", err
	}
	return raw, hash, nil
}

// Parse splits a raw credential into its node id and secret portion.
func (c *Codec) Parse(raw string) (nodeID, secret string, err error) {
	rest, ok := strings.CutPrefix(raw, c.prefix+"_")
	if !ok {
		return "", "", ErrInvalidFormat
	}
	nodeID, secret, ok = strings.Cut(rest, ".")
	if !ok || nodeID == "" || secret == "" {
		return "", "", ErrInvalidFormat
	}
	return nodeID, secret, nil
}

// Verify checks a raw candidate against a stored hash. Comparison of the
// derived keys is constant-time.
func (c *Codec) Verify(raw, storedHash string) error {
	params, salt, want, err := decodeHash(storedHash)
	if err != nil {
		return err
	}
	got := argon2.IDKey([]byte(raw), salt, params.iterations, params.memory, params.parallelism, uint32(len(want)))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrMismatch
	}
	return nil
}

type argonParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

func hashCredential(raw string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("token: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(raw), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func decodeHash(stored string) (argonParams, []byte, []byte, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return argonParams{}, nil, nil, fmt.Errorf("token: unsupported hash encoding")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return argonParams{}, nil, nil, fmt.Errorf("token: unsupported argon2 version")
	}
	var p argonParams
	for _, kv := range strings.Split(parts[3], ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return argonParams{}, nil, nil, fmt.Errorf("token: malformed hash parameters")
		}
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return argonParams{}, nil, nil, fmt.Errorf("token: malformed hash parameters")
		}
		switch key {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.iterations = uint32(n)
		case "p":
			p.parallelism = uint8(n)
		}
	}
	if p.memory == 0 || p.iterations == 0 || p.parallelism == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("token: malformed hash parameters")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("token: malformed salt")
	}
	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("token: malformed hash")
	}
	return p, salt, hash, nil
}
