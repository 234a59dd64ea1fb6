// Package auth provides API key authentication.
//
// Every agent receives exactly one API key, generated at registration and
// returned once in the registration response. Only the SHA-256 digest is
// stored; requests present the raw key in the X-API-Key header.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid API key")
)

// KeySource resolves an API key digest to the owning agent's id. The
// registry implements this over the agents table.
type KeySource interface {
	AgentIDByKeyDigest(ctx context.Context, digest string) (string, error)
}

// GenerateKey returns a new raw API key and its SHA-256 digest. The raw
// key is shown to the caller exactly once; only the digest is persisted.
func GenerateKey() (raw, digest string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = "sk_" + hex.EncodeToString(b)
	return raw, Digest(raw), nil
}

// Digest returns the hex-encoded SHA-256 digest of a raw key.
func Digest(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Verify reports whether raw hashes to storedDigest, in constant time.
func Verify(raw, storedDigest string) bool {
	d := Digest(raw)
	return subtle.ConstantTimeCompare([]byte(d), []byte(storedDigest)) == 1
}

// Resolve validates a raw key against the source and returns the agent id.
func Resolve(ctx context.Context, src KeySource, raw string) (string, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	if raw == "" {
		return "", ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, "sk_") {
		return "", ErrInvalidAPIKey
	}
	agentID, err := src.AgentIDByKeyDigest(ctx, Digest(raw))
	if err != nil || agentID == "" {
		return "", ErrInvalidAPIKey
	}
	return agentID, nil
}
