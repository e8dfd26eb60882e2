// Package eventbus dispatches failover lifecycle signals to registered
// handlers: state transitions, sync progress, conflicts, and fencing events.
package eventbus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes events it declares interest in.
type Handler interface {
	// ID identifies the handler for logging and introspection.
	ID() string
	// Handles lists the event types this handler wants.
	Handles() []EventType
	// Priority orders handlers within a dispatch; lower runs first.
	Priority() int
	Handle(ctx context.Context, event *Event) error
}

// Bus dispatches events to registered handlers. Dispatch is synchronous: a
// state transition has been observed by every handler before the mutating
// component proceeds.
type Bus struct {
	handlers []Handler
	log      zerolog.Logger
	mu       sync.RWMutex
}

// New creates an event bus.
func New(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// Register adds a handler. Handlers are sorted by priority on each Dispatch,
// so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Subscribe registers a plain function for the given types at default
// priority.
func (b *Bus) Subscribe(id string, types []EventType, fn func(ctx context.Context, event *Event) error) {
	b.Register(&funcHandler{id: id, types: types, fn: fn})
}

// Dispatch sends an event to all handlers that declared its type, in
// priority order. Handler errors are logged but do not stop the chain.
func (b *Bus) Dispatch(ctx context.Context, event *Event) error {
	if event == nil {
		return fmt.Errorf("eventbus: nil event")
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("eventbus: context cancelled: %w", err)
		}
		if err := h.Handle(ctx, event); err != nil {
			b.log.Warn().
				Str("handler", h.ID()).
				Str("event", string(event.Type)).
				Err(err).
				Msg("event handler failed")
		}
	}
	return nil
}

// Handlers returns all registered handlers, for status reporting.
func (b *Bus) Handlers() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, len(b.handlers))
	copy(out, b.handlers)
	return out
}

// matchingHandlers returns handlers for the type, sorted by priority.
// Requires at least a read lock.
func (b *Bus) matchingHandlers(eventType EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, t := range h.Handles() {
			if t == eventType {
				matched = append(matched, h)
				break
			}
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

type funcHandler struct {
	id    string
	types []EventType
	fn    func(ctx context.Context, event *Event) error
}

func (h *funcHandler) ID() string           { return h.id }
func (h *funcHandler) Handles() []EventType { return h.types }
func (h *funcHandler) Priority() int        { return 100 }
func (h *funcHandler) Handle(ctx context.Context, event *Event) error {
	return h.fn(ctx, event)
}
