// Package events carries exception lifecycle notifications between
// components inside the process. The cache invalidation listener is the main
// consumer: it must see every status change and retry transition.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
)

// Type names an in-process lifecycle event.
type Type string

const (
	TypeStatusChanged  Type = "exception_status_changed"
	TypeRetryStarted   Type = "retry_started"
	TypeRetryCompleted Type = "retry_completed"
)

// Event is one lifecycle notification.
type Event struct {
	Type          Type
	TransactionID string
	Status        domain.ExceptionStatus
	AttemptNumber int
	Success       bool
	At            time.Time
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a synchronous fan-out dispatcher.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
	log      *slog.Logger
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{log: slog.Default().With("component", "events")}
}

// Subscribe registers a handler for all events.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers the event to every subscriber in registration order.
func (b *Bus) Publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	b.log.Debug("Publishing event", "type", evt.Type, "transaction_id", evt.TransactionID)
	for _, h := range handlers {
		h(evt)
	}
}
