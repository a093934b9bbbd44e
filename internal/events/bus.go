// Package events dispatches migration progress events to registered
// handlers. The bus is a local, mutex-guarded dispatcher; handlers run
// sequentially in priority order and handler errors are logged, never
// propagated — progress reporting must not fail a migration.
package events

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/workshift/workshift/internal/types"
)

// EventType identifies what happened.
type EventType string

const (
	// EventItemCompleted fires after every processed item, immediately, so
	// observers see near-real-time progress. Carries Result and Progress.
	EventItemCompleted EventType = "item_completed"
	// EventBatchStarted fires before each batch begins.
	EventBatchStarted EventType = "batch_started"
	// EventRunPaused and EventRunResumed bracket cooperative pauses.
	EventRunPaused  EventType = "run_paused"
	EventRunResumed EventType = "run_resumed"
	// EventRunFinished fires once with the final progress snapshot.
	EventRunFinished EventType = "run_finished"
	// EventMessage and EventWarning carry free-form engine feedback.
	EventMessage EventType = "message"
	EventWarning EventType = "warning"
)

// Event is one progress notification.
type Event struct {
	Type     EventType
	Time     time.Time
	Message  string
	Result   *types.MigrationResult // Set for EventItemCompleted
	Progress types.ProgressSnapshot
}

// Handler receives events from the bus.
type Handler interface {
	// ID returns a stable identifier for logging.
	ID() string
	// Handles returns the event types this handler wants.
	Handles() []EventType
	// Priority orders handlers; lower runs first.
	Priority() int
	// Handle processes one event.
	Handle(ctx context.Context, event *Event) error
}

// Bus dispatches events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Register adds a handler. Handlers are sorted by priority at dispatch
// time, so registration order does not matter.
func (b *Bus) Register(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish sends an event to all handlers that handle its type. Ordering is
// per-publish: handlers see events in the order they are published from a
// single goroutine, and at least one event is published per completed item.
func (b *Bus) Publish(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.RLock()
	matching := b.matchingHandlers(event.Type)
	b.mu.RUnlock()

	for _, h := range matching {
		if ctx.Err() != nil {
			return
		}
		if err := h.Handle(ctx, event); err != nil {
			log.Printf("events: handler %q error for %s: %v", h.ID(), event.Type, err)
		}
	}
}

// matchingHandlers returns handlers for the event type, sorted by priority
// (lowest first). Caller must hold at least a read lock.
func (b *Bus) matchingHandlers(t EventType) []Handler {
	var matched []Handler
	for _, h := range b.handlers {
		for _, ht := range h.Handles() {
			if ht == t {
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

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	Name  string
	Types []EventType
	Prio  int
	Fn    func(ctx context.Context, event *Event) error
}

func (h *HandlerFunc) ID() string           { return h.Name }
func (h *HandlerFunc) Handles() []EventType { return h.Types }
func (h *HandlerFunc) Priority() int        { return h.Prio }
func (h *HandlerFunc) Handle(ctx context.Context, event *Event) error {
	return h.Fn(ctx, event)
}
