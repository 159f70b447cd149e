package dlq

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory DLQ store.
//
// Messages are kept in a log ordered by CreatedAt then ID, so listing never
// sorts. Failures of one post are indexed by post ID.
type MemoryStore struct {
	mu     sync.RWMutex
	log    []*Message
	byID   map[string]*Message
	byPost map[string][]string
}

// NewMemoryStore creates a new in-memory DLQ store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*Message),
		byPost: make(map[string][]string),
	}
}

func compareMessages(a, b *Message) int {
	return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
}

// Store adds a message to the DLQ. A message with an existing ID replaces
// the stored one.
func (s *MemoryStore) Store(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		return fmt.Errorf("dlq: message ID is required")
	}
	stored := *msg

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byID[msg.ID]; ok {
		s.unlink(old)
	}
	i, _ := slices.BinarySearchFunc(s.log, &stored, compareMessages)
	s.log = slices.Insert(s.log, i, &stored)
	s.byID[stored.ID] = &stored
	if stored.PostID != "" {
		s.byPost[stored.PostID] = append(s.byPost[stored.PostID], stored.ID)
	}
	return nil
}

// unlink drops msg from the indexes. The log is left to the caller when
// removing in bulk.
func (s *MemoryStore) unlink(msg *Message) {
	delete(s.byID, msg.ID)
	if ids := slices.DeleteFunc(s.byPost[msg.PostID], func(id string) bool { return id == msg.ID }); len(ids) > 0 {
		s.byPost[msg.PostID] = ids
	} else {
		delete(s.byPost, msg.PostID)
	}
	if i, found := slices.BinarySearchFunc(s.log, msg, compareMessages); found {
		s.log = slices.Delete(s.log, i, i+1)
	}
}

// Get retrieves a single message by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	result := *msg
	return &result, nil
}

// candidates returns the messages a filter can match, in log order.
func (s *MemoryStore) candidates(filter Filter) []*Message {
	if filter.PostID == "" {
		return s.log
	}
	ids := s.byPost[filter.PostID]
	msgs := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, s.byID[id])
	}
	slices.SortFunc(msgs, compareMessages)
	return msgs
}

// List returns messages matching the filter, oldest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*Message
	skip := filter.Offset
	for _, msg := range s.candidates(filter) {
		if !filter.matches(msg) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		result := *msg
		messages = append(messages, &result)
		if filter.Limit > 0 && len(messages) == filter.Limit {
			break
		}
	}
	return messages, nil
}

// Count returns the number of messages matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, msg := range s.candidates(filter) {
		if filter.matches(msg) {
			count++
		}
	}
	return count, nil
}

// MarkRetried marks a message as replayed.
func (s *MemoryStore) MarkRetried(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	now := time.Now()
	msg.RetriedAt = &now
	msg.RetryCount++
	return nil
}

// Delete removes a message from the DLQ.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.unlink(msg)
	return nil
}

// DeleteOlderThan removes messages older than the specified age.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	// the log is ordered, so old messages form its prefix
	n, _ := slices.BinarySearchFunc(s.log, cutoff, func(m *Message, t time.Time) int {
		if m.CreatedAt.Before(t) {
			return -1
		}
		return 1
	})
	for _, msg := range slices.Clone(s.log[:n]) {
		s.unlink(msg)
	}
	return int64(n), nil
}

// DeleteByFilter removes messages matching the filter. Limit and Offset
// are ignored.
func (s *MemoryStore) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []*Message
	for _, msg := range s.candidates(filter) {
		if filter.matches(msg) {
			doomed = append(doomed, msg)
		}
	}
	for _, msg := range doomed {
		s.unlink(msg)
	}
	return int64(len(doomed)), nil
}

// Stats returns DLQ statistics.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := newStats()
	for _, msg := range s.log {
		stats.add(msg)
	}
	return stats, nil
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ StatsProvider = (*MemoryStore)(nil)
)
