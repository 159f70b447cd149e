package eventbus

import (
	"context"
	"log/slog"
)

const (
	dispatchContextKey contextKey = iota
	handlerContextKey
)

// contextKey
type contextKey int

type dispatchContextData struct {
	bus    *Bus
	postID string
	logger *slog.Logger
}

func withDispatch(ctx context.Context, b *Bus, postID string) context.Context {
	return context.WithValue(ctx, dispatchContextKey, &dispatchContextData{
		bus:    b,
		postID: postID,
		logger: b.logger.With("post_id", postID),
	})
}

func withHandler(ctx context.Context, h *Handler) context.Context {
	return context.WithValue(ctx, handlerContextKey, h)
}

// ContextBus get the bus dispatching the current event
func ContextBus(ctx context.Context) *Bus {
	if d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData); ok {
		return d.bus
	}
	return nil
}

// ContextPostID get the ID of the post being dispatched
func ContextPostID(ctx context.Context) string {
	if d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData); ok {
		return d.postID
	}
	return ""
}

// ContextHandler get the handler currently being invoked
func ContextHandler(ctx context.Context) *Handler {
	h, _ := ctx.Value(handlerContextKey).(*Handler)
	return h
}

// ContextLogger get the dispatch logger. Falls back to slog.Default outside
// of a dispatch.
func ContextLogger(ctx context.Context) *slog.Logger {
	if d, ok := ctx.Value(dispatchContextKey).(*dispatchContextData); ok {
		if h := ContextHandler(ctx); h != nil {
			return d.logger.With("handler", h.name)
		}
		return d.logger
	}
	return slog.Default()
}
