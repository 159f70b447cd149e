package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/eventbus"
)

// Poster re-delivers replayed events. *eventbus.Bus implements it.
type Poster interface {
	Post(ctx context.Context, ev any) error
}

// ErrorHandler returns a bus error handler that stores every failed
// invocation in store. Store failures are logged and otherwise ignored.
func ErrorHandler(store Store) eventbus.ErrorHandler {
	return func(ctx context.Context, err *eventbus.HandlerInvocationError) {
		msg := newMessage(ctx, err)
		logger := eventbus.ContextLogger(ctx)
		if serr := store.Store(ctx, msg); serr != nil {
			logger.Error("failed to store DLQ message",
				"post_id", msg.PostID,
				"handler", msg.HandlerName,
				"error", serr)
			return
		}
		logger.Debug("stored message in DLQ",
			"id", msg.ID,
			"post_id", msg.PostID,
			"handler", msg.HandlerName,
			"error", msg.Error)
	}
}

func newMessage(ctx context.Context, err *eventbus.HandlerInvocationError) *Message {
	msg := &Message{
		ID:        uuid.New().String(),
		PostID:    err.PostID,
		EventType: fmt.Sprint(reflect.TypeOf(err.Event)),
		Event:     err.Event,
		CreatedAt: time.Now(),
	}
	if err.Err != nil {
		msg.Error = err.Err.Error()
	}
	if err.Handler != nil {
		msg.HandlerID = err.Handler.ID()
		msg.HandlerName = err.Handler.Name()
	}
	if b := eventbus.ContextBus(ctx); b != nil {
		msg.Source = b.Name()
	}
	return msg
}

// Manager handles DLQ operations including replay.
//
// Example:
//
//	store := dlq.NewMemoryStore()
//	bus := eventbus.NewBus("orders", eventbus.WithErrorHandler(dlq.ErrorHandler(store)))
//	manager := dlq.NewManager(store, bus)
//
//	replayed, err := manager.Replay(ctx, dlq.Filter{ExcludeRetried: true})
type Manager struct {
	store  Store
	poster Poster
	logger *slog.Logger
}

// NewManager creates a new DLQ manager that replays through p.
func NewManager(store Store, p Poster) *Manager {
	return &Manager{
		store:  store,
		poster: p,
		logger: slog.Default().With("component", "dlq.manager"),
	}
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Store adds a failed invocation to the DLQ.
func (m *Manager) Store(ctx context.Context, err *eventbus.HandlerInvocationError) error {
	msg := newMessage(ctx, err)
	if serr := m.store.Store(ctx, msg); serr != nil {
		return fmt.Errorf("store dlq message: %w", serr)
	}
	m.logger.Info("stored message in DLQ",
		"id", msg.ID,
		"post_id", msg.PostID,
		"handler", msg.HandlerName)
	return nil
}

// Get retrieves a single DLQ message.
func (m *Manager) Get(ctx context.Context, id string) (*Message, error) {
	return m.store.Get(ctx, id)
}

// List returns DLQ messages matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*Message, error) {
	return m.store.List(ctx, filter)
}

// Count returns the number of messages matching the filter.
func (m *Manager) Count(ctx context.Context, filter Filter) (int64, error) {
	return m.store.Count(ctx, filter)
}

// Replay posts the event of every message matching the filter again.
//
// A replayed event reaches every handler registered for it, not only the
// one that failed. A stored Cancellable event is uncancelled first, since
// the failed dispatch may have cancelled it. Replay continues past individual failures and returns
// the number of messages posted.
func (m *Manager) Replay(ctx context.Context, filter Filter) (int, error) {
	messages, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	replayed := 0
	for _, msg := range messages {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		if err := m.repost(ctx, msg); err != nil {
			m.logger.Error("failed to replay message",
				"id", msg.ID,
				"event_type", msg.EventType,
				"error", err)
			continue
		}
		if err := m.store.MarkRetried(ctx, msg.ID); err != nil {
			m.logger.Error("failed to mark message as retried",
				"id", msg.ID,
				"error", err)
		}
		replayed++
	}

	m.logger.Info("replayed DLQ messages",
		"total", len(messages),
		"replayed", replayed)
	return replayed, nil
}

func (m *Manager) repost(ctx context.Context, msg *Message) error {
	if c, ok := msg.Event.(eventbus.Cancellable); ok {
		c.SetCancelled(false)
	}
	return m.poster.Post(ctx, msg.Event)
}

// ReplaySingle replays a single DLQ message by ID.
func (m *Manager) ReplaySingle(ctx context.Context, id string) error {
	msg, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get message: %w", err)
	}
	if err := m.repost(ctx, msg); err != nil {
		return fmt.Errorf("replay message: %w", err)
	}
	if err := m.store.MarkRetried(ctx, id); err != nil {
		return fmt.Errorf("mark retried: %w", err)
	}
	m.logger.Info("replayed single DLQ message",
		"id", id,
		"post_id", msg.PostID,
		"event_type", msg.EventType)
	return nil
}

// Delete removes a message from the DLQ.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.store.Delete(ctx, id)
}

// DeleteByFilter removes messages matching the filter.
func (m *Manager) DeleteByFilter(ctx context.Context, filter Filter) (int64, error) {
	return m.store.DeleteByFilter(ctx, filter)
}

// Cleanup removes messages older than the specified age.
func (m *Manager) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	deleted, err := m.store.DeleteOlderThan(ctx, age)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		m.logger.Info("cleaned up old DLQ messages",
			"deleted", deleted,
			"older_than", age)
	}
	return deleted, nil
}

// Stats returns DLQ statistics. Stores that do not implement StatsProvider
// are scanned with List.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	if sp, ok := m.store.(StatsProvider); ok {
		return sp.Stats(ctx)
	}

	messages, err := m.store.List(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	stats := newStats()
	for _, msg := range messages {
		stats.add(msg)
	}
	return stats, nil
}
