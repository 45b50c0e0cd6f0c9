// Package exceptions exposes the management surface over recorded
// interface exceptions: lifecycle moves and read queries.
package exceptions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/events"
	"github.com/bioflow/collector/internal/infra/storage"
)

// Service owns the lifecycle of exception records after intake. All
// status moves flow through the repository so the state machine check
// happens under the row lock; the bus announcement follows a
// successful commit.
type Service struct {
	repo   storage.ExceptionRepository
	bus    *events.Bus
	logger *slog.Logger
}

func NewService(repo storage.ExceptionRepository, bus *events.Bus) *Service {
	return &Service{
		repo:   repo,
		bus:    bus,
		logger: slog.Default().With("component", "exceptions"),
	}
}

// Acknowledge marks an exception as seen by an operator.
func (s *Service) Acknowledge(ctx context.Context, transactionID, acknowledgedBy, notes string) (*domain.InterfaceException, error) {
	now := time.Now().UTC()
	exc, err := s.repo.UpdateStatus(ctx, transactionID, domain.StatusAcknowledged, func(e *domain.InterfaceException) {
		e.AcknowledgedBy = acknowledgedBy
		e.AcknowledgedAt = &now
		if notes != "" {
			e.ResolutionNotes = notes
		}
	})
	if err != nil {
		return nil, fmt.Errorf("acknowledge %s: %w", transactionID, err)
	}
	s.announce(exc)
	s.logger.Info("exception acknowledged", "transaction_id", transactionID, "by", acknowledgedBy)
	return exc, nil
}

// Resolve closes out an exception that was handled outside the retry
// path.
func (s *Service) Resolve(ctx context.Context, transactionID, resolvedBy, notes string) (*domain.InterfaceException, error) {
	now := time.Now().UTC()
	exc, err := s.repo.UpdateStatus(ctx, transactionID, domain.StatusResolved, func(e *domain.InterfaceException) {
		e.ResolvedBy = resolvedBy
		e.ResolvedAt = &now
		e.ResolutionNotes = notes
	})
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", transactionID, err)
	}
	s.announce(exc)
	s.logger.Info("exception resolved", "transaction_id", transactionID, "by", resolvedBy)
	return exc, nil
}

// Escalate raises an exception for manual intervention.
func (s *Service) Escalate(ctx context.Context, transactionID, escalatedBy, notes string) (*domain.InterfaceException, error) {
	exc, err := s.repo.UpdateStatus(ctx, transactionID, domain.StatusEscalated, func(e *domain.InterfaceException) {
		if notes != "" {
			e.ResolutionNotes = notes
		}
	})
	if err != nil {
		return nil, fmt.Errorf("escalate %s: %w", transactionID, err)
	}
	s.announce(exc)
	s.logger.Warn("exception escalated", "transaction_id", transactionID, "by", escalatedBy)
	return exc, nil
}

// Close terminally closes an exception without resolution.
func (s *Service) Close(ctx context.Context, transactionID, closedBy, notes string) (*domain.InterfaceException, error) {
	exc, err := s.repo.UpdateStatus(ctx, transactionID, domain.StatusClosed, func(e *domain.InterfaceException) {
		e.ResolvedBy = closedBy
		if notes != "" {
			e.ResolutionNotes = notes
		}
	})
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", transactionID, err)
	}
	s.announce(exc)
	s.logger.Info("exception closed", "transaction_id", transactionID, "by", closedBy)
	return exc, nil
}

func (s *Service) announce(exc *domain.InterfaceException) {
	s.bus.Publish(events.Event{
		Type:          events.TypeStatusChanged,
		TransactionID: exc.TransactionID,
		Status:        exc.Status,
	})
}

// Get returns one exception by transaction id.
func (s *Service) Get(ctx context.Context, transactionID string) (*domain.InterfaceException, error) {
	return s.repo.GetByTransactionID(ctx, transactionID)
}

// List returns exceptions matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter storage.ExceptionFilter) ([]*domain.InterfaceException, error) {
	return s.repo.List(ctx, filter)
}

// Search matches exceptions by reason, external id or operation.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]*domain.InterfaceException, error) {
	return s.repo.Search(ctx, query, limit)
}

// Related returns other exceptions for the same customer, excluding
// the given transaction.
func (s *Service) Related(ctx context.Context, transactionID string, limit int) ([]*domain.InterfaceException, error) {
	exc, err := s.repo.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if exc.CustomerID == "" {
		return nil, nil
	}
	return s.repo.FindByCustomer(ctx, exc.CustomerID, transactionID, limit)
}

// Summary aggregates counts by interface type, severity and status
// over a time window.
func (s *Service) Summary(ctx context.Context, from, to time.Time) ([]domain.SummaryRow, error) {
	return s.repo.Summary(ctx, from, to)
}
