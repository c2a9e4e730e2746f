package idempotency

import (
	"context"
	"sync"
	"time"

	"server/internal/domain"
)

// MemorySeenSet is a process-local seen-set used when Redis is not configured
// and in tests. Entries expire lazily on lookup.
type MemorySeenSet struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

// NewMemorySeenSet creates a MemorySeenSet with the given retention window.
func NewMemorySeenSet(retention time.Duration) *MemorySeenSet {
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &MemorySeenSet{
		entries:   make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Seen reports whether the event was already applied.
func (s *MemorySeenSet) Seen(_ context.Context, provider domain.Provider, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := seenKey(provider, eventID)
	expiry, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.now().After(expiry) {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

// Mark records the event as applied.
func (s *MemorySeenSet) Mark(_ context.Context, provider domain.Provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[seenKey(provider, eventID)] = s.now().Add(s.retention)
	return nil
}

var _ domain.SeenSet = (*MemorySeenSet)(nil)
