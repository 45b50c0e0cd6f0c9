package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/events"
	"github.com/bioflow/collector/internal/infra/storage"
	"github.com/bioflow/collector/internal/metrics"
)

// Recorder turns inbound interface events into stored exception
// records. A replayed transaction refreshes the descriptive fields and
// leaves lifecycle state alone, so at-least-once delivery is safe.
type Recorder struct {
	exceptions storage.ExceptionRepository
	bus        *events.Bus
	maxRetries int
	logger     *slog.Logger
}

func NewRecorder(exceptions storage.ExceptionRepository, bus *events.Bus, maxRetries int) *Recorder {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Recorder{
		exceptions: exceptions,
		bus:        bus,
		maxRetries: maxRetries,
		logger:     slog.Default().With("component", "intake-recorder"),
	}
}

func (r *Recorder) Process(ctx context.Context, evt *domain.InboundEvent) error {
	now := time.Now().UTC()
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	exc := &domain.InterfaceException{
		ID:              uuid.NewString(),
		TransactionID:   evt.TransactionID,
		ExternalID:      evt.ExternalID,
		InterfaceType:   evt.InterfaceType,
		Operation:       evt.Operation,
		ExceptionReason: evt.Reason,
		Status:          domain.StatusNew,
		Severity:        classifySeverity(evt),
		Category:        classifyCategory(evt),
		Retryable:       isRetryable(evt),
		RetryCount:      0,
		MaxRetries:      r.maxRetries,
		CustomerID:      evt.CustomerID,
		LocationCode:    evt.LocationCode,
		Timestamp:       occurred,
		ProcessedAt:     now,
	}

	if err := r.exceptions.Save(ctx, exc); err != nil {
		return fmt.Errorf("save exception %s: %w", evt.TransactionID, err)
	}

	metrics.ExceptionsCreated.WithLabelValues(string(exc.InterfaceType), string(exc.Severity)).Inc()
	r.logger.Info("recorded interface exception",
		"transaction_id", exc.TransactionID,
		"interface_type", exc.InterfaceType,
		"severity", exc.Severity,
		"retryable", exc.Retryable)

	r.bus.Publish(events.Event{
		Type:          events.TypeStatusChanged,
		TransactionID: exc.TransactionID,
		Status:        exc.Status,
	})
	return nil
}

// classifySeverity derives urgency from the failure reason and event
// kind. Anything touching distribution is at least HIGH because a
// stalled distribution holds up product delivery.
func classifySeverity(evt *domain.InboundEvent) domain.Severity {
	reason := strings.ToLower(evt.Reason)
	switch {
	case strings.Contains(reason, "expired") || strings.Contains(reason, "critical"):
		return domain.SeverityCritical
	case evt.Kind == domain.EventDistributionFailed:
		return domain.SeverityHigh
	case evt.Kind == domain.EventValidationError:
		return domain.SeverityLow
	default:
		return domain.SeverityMedium
	}
}

func classifyCategory(evt *domain.InboundEvent) domain.Category {
	reason := strings.ToLower(evt.Reason)
	switch {
	case evt.Kind == domain.EventValidationError:
		return domain.CategoryValidation
	case strings.Contains(reason, "timeout") || strings.Contains(reason, "connection") || strings.Contains(reason, "unavailable"):
		return domain.CategoryNetwork
	case strings.Contains(reason, "internal") || strings.Contains(reason, "system"):
		return domain.CategorySystemError
	default:
		return domain.CategoryBusinessRule
	}
}

// isRetryable: validation failures need a corrected payload, not a
// replay, so they are not retryable. Cancellations are final.
func isRetryable(evt *domain.InboundEvent) bool {
	switch evt.Kind {
	case domain.EventValidationError, domain.EventOrderCancelled:
		return false
	default:
		return true
	}
}
