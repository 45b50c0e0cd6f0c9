package events

import (
	"testing"

	"github.com/bioflow/collector/internal/core/domain"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()

	var first, second []Event
	bus.Subscribe(func(e Event) { first = append(first, e) })
	bus.Subscribe(func(e Event) { second = append(second, e) })

	bus.Publish(Event{Type: TypeStatusChanged, TransactionID: "txn-1", Status: domain.StatusAcknowledged})
	bus.Publish(Event{Type: TypeRetryStarted, TransactionID: "txn-1", AttemptNumber: 1})

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected both subscribers to see 2 events, got %d and %d", len(first), len(second))
	}
	if first[0].Type != TypeStatusChanged || first[1].Type != TypeRetryStarted {
		t.Errorf("events delivered out of order: %+v", first)
	}
	if first[0].At.IsZero() {
		t.Error("expected At to be stamped on publish")
	}
}

func TestBusNoSubscribers(t *testing.T) {
	bus := NewBus()
	// Publishing with no subscribers must not panic.
	bus.Publish(Event{Type: TypeRetryCompleted, TransactionID: "txn-2", Success: true})
}
