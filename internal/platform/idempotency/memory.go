package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps claims in process memory. Claims do not survive restarts or span instances.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore constructs an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, scope, id string, now time.Time, ttl time.Duration) (bool, error) {
	key, err := recordKey(scope, id)
	if err != nil {
		return false, err
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[key]; ok && !existing.expired(now) {
		return false, nil
	}
	s.records[key] = Record{
		Scope:     scope,
		ID:        id,
		ClaimedAt: now,
		ExpiresAt: now.Add(normalizeTTL(ttl)),
	}
	return true, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, scope, id string) error {
	key, err := recordKey(scope, id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// CleanupExpired implements Store.
func (s *MemoryStore) CleanupExpired(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	removed := 0
	for key, record := range s.records {
		if removed >= limit {
			break
		}
		if record.expired(now) {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}
