package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// DefaultTTL is how long a delivery id is remembered when the caller passes no retention.
const DefaultTTL = 24 * time.Hour

// ErrInvalidKey is returned when scope or delivery id is blank.
var ErrInvalidKey = errors.New("idempotency: scope and id are required")

// Store remembers inbound delivery ids so a redelivered webhook runs at most once per retention window.
type Store interface {
	// Claim records id under scope. It reports false when an unexpired claim already exists.
	Claim(ctx context.Context, scope, id string, now time.Time, ttl time.Duration) (bool, error)
	// Release forgets a claim so the next delivery of id is processed again.
	Release(ctx context.Context, scope, id string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Record is a claimed delivery.
type Record struct {
	Scope     string
	ID        string
	ClaimedAt time.Time
	ExpiresAt time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

func recordKey(scope, id string) (string, error) {
	scope = strings.TrimSpace(scope)
	id = strings.TrimSpace(id)
	if scope == "" || id == "" {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256([]byte(scope + "\x00" + id))
	return hex.EncodeToString(sum[:]), nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
