package challenge

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	issued  int
}

// sweepEvery triggers an expired-entry sweep every N issues.
const sweepEvery = 128

// NewMemoryStore returns a MemoryStore. now may be nil (time.Now).
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]memoryEntry), now: now}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Issue(ctx context.Context, key string, ttl time.Duration) (Challenge, error) {
	if err := ctx.Err(); err != nil {
		return Challenge{}, err
	}
	if !validKey(key) {
		return Challenge{}, fmt.Errorf("challenge: invalid key")
	}
	v, err := NewValue()
	if err != nil {
		return Challenge{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	exp := now.Add(normalizeTTL(ttl))
	s.entries[key] = memoryEntry{value: v, expiresAt: exp}

	s.issued++
	if s.issued%sweepEvery == 0 {
		for k, e := range s.entries {
			if !e.expiresAt.After(now) {
				delete(s.entries, k)
			}
		}
	}
	return Challenge{Key: key, Value: v, ExpiresAt: exp}, nil
}

func (s *MemoryStore) Consume(ctx context.Context, key, presented string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}
	if !e.expiresAt.After(s.now()) {
		delete(s.entries, key)
		return ErrExpired
	}
	if len(presented) != len(e.value) || subtle.ConstantTimeCompare([]byte(presented), []byte(e.value)) != 1 {
		return ErrMismatch
	}
	delete(s.entries, key)
	return nil
}

// Len reports the number of live or not-yet-swept entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
