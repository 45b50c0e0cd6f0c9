// Package retry coordinates resubmission of failed interface
// operations against their source services.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bioflow/collector/internal/cache"
	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/events"
	"github.com/bioflow/collector/internal/infra/storage"
	"github.com/bioflow/collector/internal/metrics"
	"github.com/bioflow/collector/internal/sourceconn"
)

var (
	// ErrExceptionNotFound means the transaction has no recorded exception.
	ErrExceptionNotFound = errors.New("exception not found")
	// ErrRetryNotAllowed means the exception's state forbids a new attempt.
	ErrRetryNotAllowed = errors.New("retry not allowed")
)

// estimatedRetryWindow is how long callers should expect a retry to
// take end to end, surfaced in the accepted response.
const estimatedRetryWindow = 5 * time.Minute

// RetryResponse is returned to the caller when a retry is accepted.
type RetryResponse struct {
	TransactionID       string    `json:"transaction_id"`
	AttemptNumber       int       `json:"attempt_number"`
	Status              string    `json:"status"`
	Message             string    `json:"message"`
	EstimatedCompletion time.Time `json:"estimated_completion"`
}

// CompletionPublisher emits retry completion events to downstream
// consumers. Satisfied by the kafka retry event publisher.
type CompletionPublisher interface {
	PublishRetryCompleted(ctx context.Context, evt domain.RetryCompletedEvent) error
}

// Orchestrator validates, records and executes retry attempts. The
// storage layer is the authority on attempt eligibility; the cache
// service only pre-screens so rejected calls stay cheap.
type Orchestrator struct {
	exceptions storage.ExceptionRepository
	attempts   storage.AttemptRepository
	validator  *cache.Service
	registry   *sourceconn.Registry
	manager    *sourceconn.Manager
	policy     *sourceconn.CallPolicy
	bus        *events.Bus
	completion CompletionPublisher
	executor   *Executor
	logger     *slog.Logger
}

func NewOrchestrator(
	exceptions storage.ExceptionRepository,
	attempts storage.AttemptRepository,
	validator *cache.Service,
	registry *sourceconn.Registry,
	manager *sourceconn.Manager,
	policy *sourceconn.CallPolicy,
	bus *events.Bus,
	completion CompletionPublisher,
	executor *Executor,
) *Orchestrator {
	return &Orchestrator{
		exceptions: exceptions,
		attempts:   attempts,
		validator:  validator,
		registry:   registry,
		manager:    manager,
		policy:     policy,
		bus:        bus,
		completion: completion,
		executor:   executor,
		logger:     slog.Default().With("component", "retry-orchestrator"),
	}
}

// CanRetry reports retry eligibility without mutating anything.
func (o *Orchestrator) CanRetry(ctx context.Context, transactionID string) (domain.ValidationResult, error) {
	return o.validator.ValidateForOperation(ctx, transactionID, cache.OpRetry)
}

// InitiateRetry creates the next attempt and hands execution to the
// worker pool. The caller gets an accepted response immediately; the
// outcome lands later via the attempt record and lifecycle events.
func (o *Orchestrator) InitiateRetry(ctx context.Context, transactionID, initiatedBy string) (*RetryResponse, error) {
	// Cached pre-screen: rejects the obvious cases (missing record,
	// not retryable, exhausted budget) without taking the row lock.
	// The storage layer re-checks authoritatively below.
	if result, err := o.validator.ValidateForOperation(ctx, transactionID, cache.OpRetry); err == nil && !result.Valid {
		if result.Code == domain.CodeExceptionNotFound {
			return nil, fmt.Errorf("%w: %s", ErrExceptionNotFound, transactionID)
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrRetryNotAllowed, result.Code, result.Message)
	}

	attempt, err := o.attempts.CreateAttempt(ctx, transactionID, initiatedBy)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrExceptionNotFound, transactionID)
	}
	if errors.Is(err, storage.ErrRetryNotAllowed) {
		return nil, fmt.Errorf("%w: %v", ErrRetryNotAllowed, err)
	}
	if err != nil {
		return nil, fmt.Errorf("create attempt for %s: %w", transactionID, err)
	}

	exc, err := o.exceptions.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load exception %s: %w", transactionID, err)
	}

	o.logger.Info("retry initiated",
		"transaction_id", transactionID,
		"attempt_number", attempt.AttemptNumber,
		"initiated_by", initiatedBy)

	o.bus.Publish(events.Event{
		Type:          events.TypeRetryStarted,
		TransactionID: transactionID,
		Status:        exc.Status,
		AttemptNumber: attempt.AttemptNumber,
	})

	o.executor.Submit(func(runCtx context.Context) {
		o.performRetry(runCtx, exc, attempt)
	})

	return &RetryResponse{
		TransactionID:       transactionID,
		AttemptNumber:       attempt.AttemptNumber,
		Status:              string(domain.RetryPending),
		Message:             "retry accepted",
		EstimatedCompletion: time.Now().UTC().Add(estimatedRetryWindow),
	}, nil
}

// performRetry fetches the original payload from the source service
// and resubmits it. Runs on a worker goroutine.
func (o *Orchestrator) performRetry(ctx context.Context, exc *domain.InterfaceException, attempt *domain.RetryAttempt) {
	start := time.Now()
	err := o.execute(ctx, exc)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		metrics.RetryAttempts.WithLabelValues(string(exc.InterfaceType), "failure").Inc()
		metrics.RetryDuration.WithLabelValues(string(exc.InterfaceType), "failure").Observe(elapsed)
		if herr := o.HandleRetryFailure(ctx, exc.TransactionID, attempt.AttemptNumber, err); herr != nil {
			o.logger.Error("recording retry failure failed", "transaction_id", exc.TransactionID, "error", herr)
		}
		return
	}

	metrics.RetryAttempts.WithLabelValues(string(exc.InterfaceType), "success").Inc()
	metrics.RetryDuration.WithLabelValues(string(exc.InterfaceType), "success").Observe(elapsed)
	if herr := o.HandleRetrySuccess(ctx, exc.TransactionID, attempt.AttemptNumber, "operation resubmitted"); herr != nil {
		o.logger.Error("recording retry success failed", "transaction_id", exc.TransactionID, "error", herr)
	}
}

func (o *Orchestrator) execute(ctx context.Context, exc *domain.InterfaceException) error {
	client, err := o.registry.ClientFor(exc.InterfaceType)
	if err != nil {
		return err
	}

	return o.policy.Execute(ctx, func(callCtx context.Context) error {
		payload, err := client.GetOriginalPayload(callCtx, exc)
		if err != nil {
			if sourceconn.IsTransportError(err) {
				o.manager.ReportFailure(err)
			}
			return fmt.Errorf("fetch original payload: %w", err)
		}
		if !payload.Retrieved {
			return fmt.Errorf("original payload unavailable: %s", payload.ErrorMessage)
		}
		if err := client.SubmitRetry(callCtx, exc, json.RawMessage(payload.Payload)); err != nil {
			if sourceconn.IsTransportError(err) {
				o.manager.ReportFailure(err)
			}
			return fmt.Errorf("submit retry: %w", err)
		}
		return nil
	})
}

// HandleRetrySuccess records a successful attempt and moves the
// exception to RETRIED_SUCCESS.
func (o *Orchestrator) HandleRetrySuccess(ctx context.Context, transactionID string, attemptNumber int, message string) error {
	attempt, err := o.attempts.GetByNumber(ctx, transactionID, attemptNumber)
	if err != nil {
		return fmt.Errorf("load attempt %s/%d: %w", transactionID, attemptNumber, err)
	}
	attempt.MarkSuccess(message, 200)
	if err := o.attempts.Update(ctx, attempt); err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}

	now := time.Now().UTC()
	exc, err := o.exceptions.UpdateStatus(ctx, transactionID, domain.StatusRetriedSuccess, func(e *domain.InterfaceException) {
		e.ResolvedAt = &now
	})
	if err != nil {
		return fmt.Errorf("update exception status: %w", err)
	}

	o.logger.Info("retry succeeded", "transaction_id", transactionID, "attempt_number", attemptNumber)
	o.finish(ctx, exc, attempt, true)
	return nil
}

// HandleRetryFailure records a failed attempt and moves the exception
// to RETRIED_FAILED so another attempt remains possible.
func (o *Orchestrator) HandleRetryFailure(ctx context.Context, transactionID string, attemptNumber int, cause error) error {
	attempt, err := o.attempts.GetByNumber(ctx, transactionID, attemptNumber)
	if err != nil {
		return fmt.Errorf("load attempt %s/%d: %w", transactionID, attemptNumber, err)
	}
	attempt.MarkFailed("retry failed", 0, cause.Error())
	if err := o.attempts.Update(ctx, attempt); err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}

	exc, err := o.exceptions.UpdateStatus(ctx, transactionID, domain.StatusRetriedFailed, nil)
	if err != nil {
		return fmt.Errorf("update exception status: %w", err)
	}

	o.logger.Warn("retry failed", "transaction_id", transactionID, "attempt_number", attemptNumber, "error", cause)
	o.finish(ctx, exc, attempt, false)
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, exc *domain.InterfaceException, attempt *domain.RetryAttempt, success bool) {
	o.bus.Publish(events.Event{
		Type:          events.TypeRetryCompleted,
		TransactionID: exc.TransactionID,
		Status:        exc.Status,
		AttemptNumber: attempt.AttemptNumber,
		Success:       success,
	})
	if o.completion == nil {
		return
	}
	evt := domain.RetryCompletedEvent{
		ExceptionID:   exc.ID,
		TransactionID: exc.TransactionID,
		AttemptNumber: attempt.AttemptNumber,
		Status:        attempt.Status,
		Message:       attempt.ResultMessage,
		InitiatedBy:   attempt.InitiatedBy,
		CompletedAt:   time.Now().UTC(),
	}
	if err := o.completion.PublishRetryCompleted(ctx, evt); err != nil {
		o.logger.Error("publish retry completed event failed", "transaction_id", exc.TransactionID, "error", err)
	}
}

// CancelRetry cancels one PENDING attempt. It reports (false, nil)
// when there is nothing to cancel: a missing transaction, a missing
// attempt, or an attempt that already completed.
func (o *Orchestrator) CancelRetry(ctx context.Context, transactionID string, attemptNumber int) (bool, error) {
	attempt, err := o.attempts.GetByNumber(ctx, transactionID, attemptNumber)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load attempt %s/%d: %w", transactionID, attemptNumber, err)
	}
	if attempt.Status != domain.RetryPending {
		return false, nil
	}

	attempt.MarkFailed("Retry cancelled by user", 0, "")
	if err := o.attempts.Update(ctx, attempt); err != nil {
		return false, fmt.Errorf("update attempt: %w", err)
	}

	if _, err := o.exceptions.UpdateStatus(ctx, transactionID, domain.StatusRetriedFailed, nil); err != nil && !errors.Is(err, storage.ErrInvalidTransition) {
		return false, fmt.Errorf("update exception status: %w", err)
	}

	o.logger.Info("retry cancelled", "transaction_id", transactionID, "attempt_number", attemptNumber)
	o.bus.Publish(events.Event{
		Type:          events.TypeRetryCompleted,
		TransactionID: transactionID,
		AttemptNumber: attemptNumber,
		Success:       false,
	})
	return true, nil
}

// History returns every attempt for the transaction, oldest first.
func (o *Orchestrator) History(ctx context.Context, transactionID string) ([]*domain.RetryAttempt, error) {
	return o.attempts.ListByTransaction(ctx, transactionID)
}

// Latest returns the most recent attempt.
func (o *Orchestrator) Latest(ctx context.Context, transactionID string) (*domain.RetryAttempt, error) {
	return o.attempts.Latest(ctx, transactionID)
}

// Statistics summarises attempts by outcome.
func (o *Orchestrator) Statistics(ctx context.Context, transactionID string) (domain.RetryStatistics, error) {
	return o.attempts.Statistics(ctx, transactionID)
}
