// Package dlq keeps failed handler invocations for inspection and replay.
//
// A bus reports every handler error to its ErrorHandler. Wiring the error
// handler from this package stores each failure as a Message holding the
// original event value, so it can be replayed through the bus once the
// cause is fixed.
//
// # Basic Usage
//
//	store := dlq.NewMemoryStore()
//	bus := eventbus.NewBus("orders",
//	    eventbus.WithErrorHandler(dlq.ErrorHandler(store)),
//	)
//	manager := dlq.NewManager(store, bus)
//
//	// Later: replay failed events after fixing the issue
//	replayed, err := manager.Replay(ctx, dlq.Filter{
//	    HandlerName:    "billing.OnOrder",
//	    ExcludeRetried: true,
//	})
//
// # Monitoring
//
//	stats, err := manager.Stats(ctx)
//	fmt.Printf("Pending messages: %d\n", stats.PendingMessages)
//
// # Cleanup
//
//	deleted, err := manager.Cleanup(ctx, 24*time.Hour)
package dlq

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a message ID is not in the store.
var ErrNotFound = errors.New("dlq: message not found")

// Message is one failed handler invocation.
type Message struct {
	ID          string     // DLQ message ID
	PostID      string     // post that delivered the event
	HandlerID   string     // handler that failed
	HandlerName string     // handler name at the time of failure
	EventType   string     // concrete event type name
	Event       any        // the event value, replayed as-is
	Error       string     // error returned by the handler
	Source      string     // bus name
	CreatedAt   time.Time  // when the failure was stored
	RetriedAt   *time.Time // last replay, nil if never replayed
	RetryCount  int        // number of replays
}

// Filter specifies criteria for listing DLQ messages.
//
// All fields are optional. Empty filter returns all messages.
type Filter struct {
	PostID         string    // failures of one post
	HandlerID      string    // failures of one handler registration
	EventType      string    // exact event type name
	HandlerName    string    // exact handler name
	StartTime      time.Time // created at or after (zero = no minimum)
	EndTime        time.Time // created at or before (zero = no maximum)
	Error          string    // substring of the error
	Source         string    // bus name
	ExcludeRetried bool      // skip replayed messages
	Limit          int       // 0 = no limit
	Offset         int
}

func (f Filter) matches(msg *Message) bool {
	switch {
	case f.PostID != "" && msg.PostID != f.PostID,
		f.HandlerID != "" && msg.HandlerID != f.HandlerID,
		f.EventType != "" && msg.EventType != f.EventType,
		f.HandlerName != "" && msg.HandlerName != f.HandlerName,
		f.Source != "" && msg.Source != f.Source,
		!f.StartTime.IsZero() && msg.CreatedAt.Before(f.StartTime),
		!f.EndTime.IsZero() && msg.CreatedAt.After(f.EndTime),
		f.Error != "" && !strings.Contains(msg.Error, f.Error),
		f.ExcludeRetried && msg.RetriedAt != nil:
		return false
	}
	return true
}

// Store defines the interface for DLQ storage.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Store adds a message. The message ID must be set.
	Store(ctx context.Context, msg *Message) error

	// Get retrieves a single message by ID.
	Get(ctx context.Context, id string) (*Message, error)

	// List returns messages matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Message, error)

	// Count returns the number of messages matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// MarkRetried records a replay of the message.
	MarkRetried(ctx context.Context, id string) error

	// Delete removes a message.
	Delete(ctx context.Context, id string) error

	// DeleteOlderThan removes messages older than age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)

	// DeleteByFilter removes messages matching the filter.
	DeleteByFilter(ctx context.Context, filter Filter) (int64, error)
}

// Stats provides DLQ statistics.
type Stats struct {
	TotalMessages     int64
	MessagesByType    map[string]int64
	MessagesByHandler map[string]int64
	MessagesByError   map[string]int64
	OldestMessage     *time.Time
	NewestMessage     *time.Time
	RetriedMessages   int64
	PendingMessages   int64
}

func newStats() *Stats {
	return &Stats{
		MessagesByType:    make(map[string]int64),
		MessagesByHandler: make(map[string]int64),
		MessagesByError:   make(map[string]int64),
	}
}

func (s *Stats) add(msg *Message) {
	s.TotalMessages++
	if msg.RetriedAt != nil {
		s.RetriedMessages++
	} else {
		s.PendingMessages++
	}
	s.MessagesByType[msg.EventType]++
	s.MessagesByHandler[msg.HandlerName]++

	// group by the text before the first colon
	kind, _, _ := strings.Cut(msg.Error, ":")
	s.MessagesByError[kind]++

	created := msg.CreatedAt
	if s.OldestMessage == nil || created.Before(*s.OldestMessage) {
		s.OldestMessage = &created
	}
	if s.NewestMessage == nil || created.After(*s.NewestMessage) {
		s.NewestMessage = &created
	}
}

// StatsProvider is an optional interface for stores that compute
// statistics themselves.
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}
