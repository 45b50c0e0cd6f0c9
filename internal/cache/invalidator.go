package cache

import (
	"context"
	"log/slog"

	"github.com/bioflow/collector/internal/events"
)

// Invalidator evicts cached validation results whenever an
// exception's lifecycle moves. Every event type touches retry or
// status state, so all of them trigger a per-transaction eviction.
type Invalidator struct {
	service *Service
	logger  *slog.Logger
}

func NewInvalidator(service *Service) *Invalidator {
	return &Invalidator{
		service: service,
		logger:  slog.Default().With("component", "cache-invalidator"),
	}
}

// Register subscribes the invalidator on the bus.
func (i *Invalidator) Register(bus *events.Bus) {
	bus.Subscribe(i.handle)
}

func (i *Invalidator) handle(evt events.Event) {
	if evt.TransactionID == "" {
		return
	}
	i.logger.Debug("evicting cached checks", "transaction_id", evt.TransactionID, "event", evt.Type)
	i.service.Invalidate(context.Background(), evt.TransactionID)
}
