// Package poison quarantines events that keep failing for the same handler.
//
// An event that makes a handler fail on every delivery wastes work each
// time it is posted or replayed. The Detector counts consecutive failures
// per (handler, event ID) and, past a threshold, skips that handler for that
// event until the quarantine expires or the entry is released.
//
// Only events implementing eventbus.Identified with a non-empty ID are
// tracked; others pass through untouched.
//
// # Basic Usage
//
//	detector := poison.NewDetector(poison.NewMemoryStore(),
//	    poison.WithThreshold(3),
//	    poison.WithQuarantineTime(time.Hour),
//	)
//	bus := eventbus.NewBus("orders",
//	    eventbus.WithMiddleware(poison.Middleware(detector)),
//	)
//
// Skipped invocations are reported to the bus error handler as *Error.
package poison

import (
	"context"
	"sync"
	"time"
)

// Store tracks failure counts and quarantine status per key.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// IncrementFailure increments the failure count and returns the new count.
	IncrementFailure(ctx context.Context, key string) (int, error)

	// GetFailureCount returns the current failure count, 0 if none.
	GetFailureCount(ctx context.Context, key string) (int, error)

	// MarkPoison quarantines key for ttl.
	MarkPoison(ctx context.Context, key string, ttl time.Duration) error

	// IsPoison reports whether key is quarantined and not yet expired.
	IsPoison(ctx context.Context, key string) (bool, error)

	// ClearPoison removes key from quarantine.
	ClearPoison(ctx context.Context, key string) error

	// ClearFailures resets the failure count.
	ClearFailures(ctx context.Context, key string) error
}

// MemoryStore is an in-memory implementation of Store.
//
// Expired quarantine entries are ignored by IsPoison; call Cleanup to
// release their memory.
type MemoryStore struct {
	mu          sync.RWMutex
	failures    map[string]int
	quarantined map[string]time.Time // key -> expiry
}

// NewMemoryStore creates a new in-memory poison store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		failures:    make(map[string]int),
		quarantined: make(map[string]time.Time),
	}
}

// IncrementFailure increments and returns the failure count.
func (s *MemoryStore) IncrementFailure(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures[key]++
	return s.failures[key], nil
}

// GetFailureCount returns the current failure count.
func (s *MemoryStore) GetFailureCount(ctx context.Context, key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.failures[key], nil
}

// MarkPoison quarantines key until the TTL expires.
func (s *MemoryStore) MarkPoison(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.quarantined[key] = time.Now().Add(ttl)
	return nil
}

// IsPoison reports whether key is quarantined.
func (s *MemoryStore) IsPoison(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, ok := s.quarantined[key]
	return ok && time.Now().Before(expiry), nil
}

// ClearPoison removes key from quarantine.
func (s *MemoryStore) ClearPoison(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.quarantined, key)
	return nil
}

// ClearFailures resets the failure count for key.
func (s *MemoryStore) ClearFailures(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.failures, key)
	return nil
}

// Cleanup removes expired quarantine entries.
func (s *MemoryStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, expiry := range s.quarantined {
		if now.After(expiry) {
			delete(s.quarantined, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
