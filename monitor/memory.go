package monitor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage.
//
// Data is lost on restart. With WithRetention the store drops old entries
// in a background goroutine that runs until Close.
//
// Example:
//
//	store := monitor.NewMemoryStore(monitor.WithRetention(time.Hour))
//	defer store.Close()
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore creates a new in-memory monitor store.
func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := defaultStoreOptions()
	for _, opt := range opts {
		opt(o)
	}
	s := &MemoryStore{
		entries: make(map[string]*Entry),
	}
	if o.retention > 0 && o.cleanupInterval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.cleanupLoop(o.retention, o.cleanupInterval)
	}
	return s
}

func (s *MemoryStore) cleanupLoop(retention, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.DeleteOlderThan(context.Background(), retention)
		}
	}
}

// Record creates or replaces a monitor entry.
func (s *MemoryStore) Record(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	entryCopy := *entry
	s.entries[entry.key()] = &entryCopy
	return nil
}

// Get retrieves a monitor entry by post and handler ID.
func (s *MemoryStore) Get(ctx context.Context, postID, handlerID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if entry, ok := s.entries[makeKey(postID, handlerID)]; ok {
		e := *entry
		return &e, nil
	}
	return nil, nil
}

// GetByPostID returns all entries for a post.
func (s *MemoryStore) GetByPostID(ctx context.Context, postID string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var entries []*Entry
	for _, entry := range s.entries {
		if entry.PostID == postID {
			e := *entry
			entries = append(entries, &e)
		}
	}
	sortEntries(entries, false)
	return entries, nil
}

// cursor is the pagination position: the last entry returned.
type cursor struct {
	StartedAt time.Time `json:"s"`
	Key       string    `json:"k"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

func decodeCursor(s string) (cursor, error) {
	var c cursor
	if s == "" {
		return c, nil
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return c, err
	}
	err = json.Unmarshal(data, &c)
	return c, err
}

// sortEntries orders by started_at, then key, so pagination is stable for
// entries sharing a timestamp.
func sortEntries(entries []*Entry, desc bool) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			if desc {
				return a.StartedAt.After(b.StartedAt)
			}
			return a.StartedAt.Before(b.StartedAt)
		}
		if desc {
			return a.key() > b.key()
		}
		return a.key() < b.key()
	})
}

// after reports whether e comes after the cursor position in the given order.
func (c cursor) after(e *Entry, desc bool) bool {
	if !e.StartedAt.Equal(c.StartedAt) {
		if desc {
			return e.StartedAt.Before(c.StartedAt)
		}
		return e.StartedAt.After(c.StartedAt)
	}
	if desc {
		return e.key() < c.Key
	}
	return e.key() > c.Key
}

// List returns a page of entries matching the filter.
func (s *MemoryStore) List(ctx context.Context, filter Filter) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var matches []*Entry
	for _, entry := range s.entries {
		if matchesFilter(entry, filter) {
			e := *entry
			matches = append(matches, &e)
		}
	}
	sortEntries(matches, filter.OrderDesc)

	if filter.Cursor != "" {
		cur, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		idx := slices.IndexFunc(matches, func(e *Entry) bool {
			return cur.after(e, filter.OrderDesc)
		})
		if idx < 0 {
			idx = len(matches)
		}
		matches = matches[idx:]
	}

	limit := filter.EffectiveLimit()
	hasMore := len(matches) > limit
	if hasMore {
		matches = matches[:limit]
	}

	var nextCursor string
	if hasMore && len(matches) > 0 {
		last := matches[len(matches)-1]
		nextCursor = encodeCursor(cursor{StartedAt: last.StartedAt, Key: last.key()})
	}

	return &Page{
		Entries:    matches,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

func matchesFilter(entry *Entry, filter Filter) bool {
	if filter.PostID != "" && entry.PostID != filter.PostID {
		return false
	}
	if filter.HandlerID != "" && entry.HandlerID != filter.HandlerID {
		return false
	}
	if filter.HandlerName != "" && entry.HandlerName != filter.HandlerName {
		return false
	}
	if filter.EventType != "" && entry.EventType != filter.EventType {
		return false
	}
	if filter.BusID != "" && entry.BusID != filter.BusID {
		return false
	}
	if len(filter.Status) > 0 && !slices.Contains(filter.Status, entry.Status) {
		return false
	}
	if filter.HasError != nil && *filter.HasError != entry.HasError() {
		return false
	}
	if !filter.StartTime.IsZero() && entry.StartedAt.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && !entry.StartedAt.Before(filter.EndTime) {
		return false
	}
	if filter.MinDuration > 0 && entry.Duration < filter.MinDuration {
		return false
	}
	return true
}

// Count returns the number of entries matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	var count int64
	for _, entry := range s.entries {
		if matchesFilter(entry, filter) {
			count++
		}
	}
	return count, nil
}

// UpdateStatus updates the status and related fields of an existing entry.
func (s *MemoryStore) UpdateStatus(ctx context.Context, postID, handlerID string, status Status, err error, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	entry, ok := s.entries[makeKey(postID, handlerID)]
	if !ok {
		return fmt.Errorf("%w: post %s handler %s", ErrNotFound, postID, handlerID)
	}

	entry.Status = status
	if err != nil {
		entry.Error = err.Error()
	}
	entry.Duration = duration
	now := time.Now()
	entry.CompletedAt = &now
	return nil
}

// DeleteOlderThan removes entries older than the specified age.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-age)
	var deleted int64
	for key, entry := range s.entries {
		if entry.StartedAt.Before(cutoff) {
			delete(s.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close stops background cleanup and releases the entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.entries = nil
	s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		<-s.done
	}
	return nil
}

// Len returns the number of entries in the store.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)
