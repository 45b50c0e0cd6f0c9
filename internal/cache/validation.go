package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/infra/storage"
	"github.com/bioflow/collector/internal/metrics"
)

// Check kinds computed and cached per transaction.
const (
	CheckExists         = "exists"
	CheckRetryable      = "retryable"
	CheckRetryLimit     = "retry_limit"
	CheckNoPendingRetry = "no_pending_retry"
	CheckStatusRetry    = "status_allows_retry"
	CheckCancellable    = "cancellable"
)

// Operations validated as a composite of checks.
const (
	OpRetry       = "retry"
	OpAcknowledge = "acknowledge"
	OpResolve     = "resolve"
	OpCancel      = "cancel"
)

// Service computes exception eligibility checks, caching each result
// until the transaction's state changes. Results are pure functions of
// stored state, so cache entries stay correct until an eviction.
type Service struct {
	store      Store
	exceptions storage.ExceptionRepository
	attempts   storage.AttemptRepository
	logger     *slog.Logger
}

func NewService(store Store, exceptions storage.ExceptionRepository, attempts storage.AttemptRepository) *Service {
	return &Service{
		store:      store,
		exceptions: exceptions,
		attempts:   attempts,
		logger:     slog.Default().With("component", "validation-cache"),
	}
}

// Check runs one named check, consulting the cache first. Store
// failures degrade to computing the result directly; they never fail
// the check.
func (s *Service) Check(ctx context.Context, transactionID, check string) (domain.ValidationResult, error) {
	if res, ok, err := s.store.Get(ctx, transactionID, check); err != nil {
		s.logger.Warn("cache read failed, computing directly", "check", check, "error", err)
	} else if ok {
		metrics.ValidationCache.WithLabelValues(check, "hit").Inc()
		return res, nil
	}
	metrics.ValidationCache.WithLabelValues(check, "miss").Inc()

	res, err := s.compute(ctx, transactionID, check)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if err := s.store.Set(ctx, transactionID, check, res); err != nil {
		s.logger.Warn("cache write failed", "check", check, "error", err)
	}
	return res, nil
}

func (s *Service) compute(ctx context.Context, transactionID, check string) (domain.ValidationResult, error) {
	exc, err := s.exceptions.GetByTransactionID(ctx, transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.InvalidResult(check, transactionID, domain.CodeExceptionNotFound,
			fmt.Sprintf("no exception found for transaction %s", transactionID)), nil
	}
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("load exception %s: %w", transactionID, err)
	}

	switch check {
	case CheckExists:
		return domain.ValidResult(check, transactionID), nil

	case CheckRetryable:
		if !exc.Retryable {
			return domain.InvalidResult(check, transactionID, domain.CodeNotRetryable,
				"exception is not retryable"), nil
		}
		return domain.ValidResult(check, transactionID), nil

	case CheckRetryLimit:
		if exc.RetriesExhausted() {
			return domain.InvalidResult(check, transactionID, domain.CodeRetryLimitExceeded,
				fmt.Sprintf("retry limit of %d reached", exc.MaxRetries)), nil
		}
		return domain.ValidResult(check, transactionID), nil

	case CheckStatusRetry:
		if !exc.Status.AllowsRetry() {
			return domain.InvalidResult(check, transactionID, domain.CodeInvalidStatus,
				fmt.Sprintf("status %s does not allow retry", exc.Status)), nil
		}
		return domain.ValidResult(check, transactionID), nil

	case CheckNoPendingRetry:
		pending, err := s.hasPendingRetry(ctx, transactionID)
		if err != nil {
			return domain.ValidationResult{}, err
		}
		if pending {
			return domain.InvalidResult(check, transactionID, domain.CodePendingRetryExists,
				"a retry attempt is already pending"), nil
		}
		return domain.ValidResult(check, transactionID), nil

	case CheckCancellable:
		pending, err := s.hasPendingRetry(ctx, transactionID)
		if err != nil {
			return domain.ValidationResult{}, err
		}
		if !pending {
			return domain.InvalidResult(check, transactionID, domain.CodeNoPendingRetryToCancel,
				"no pending retry attempt to cancel"), nil
		}
		return domain.ValidResult(check, transactionID), nil

	default:
		return domain.ValidationResult{}, fmt.Errorf("unknown validation check %q", check)
	}
}

func (s *Service) hasPendingRetry(ctx context.Context, transactionID string) (bool, error) {
	latest, err := s.attempts.Latest(ctx, transactionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load latest attempt %s: %w", transactionID, err)
	}
	return latest.Status == domain.RetryPending, nil
}

var operationChecks = map[string][]string{
	OpRetry:       {CheckExists, CheckRetryable, CheckStatusRetry, CheckRetryLimit, CheckNoPendingRetry},
	OpAcknowledge: {CheckExists},
	OpResolve:     {CheckExists},
	OpCancel:      {CheckExists, CheckCancellable},
}

// ValidateForOperation runs the composite of checks an operation
// requires, returning the first failing result.
func (s *Service) ValidateForOperation(ctx context.Context, transactionID, operation string) (domain.ValidationResult, error) {
	checks, ok := operationChecks[operation]
	if !ok {
		return domain.InvalidResult(operation, transactionID, domain.CodeInvalidOperationType,
			fmt.Sprintf("unknown operation type %q", operation)), nil
	}
	for _, check := range checks {
		res, err := s.Check(ctx, transactionID, check)
		if err != nil {
			return domain.ValidationResult{}, err
		}
		if !res.Valid {
			return res, nil
		}
	}
	return domain.ValidResult(operation, transactionID), nil
}

// Invalidate evicts every cached check for one transaction.
func (s *Service) Invalidate(ctx context.Context, transactionID string) {
	if err := s.store.EvictTransaction(ctx, transactionID); err != nil {
		s.logger.Warn("cache eviction failed", "transaction_id", transactionID, "error", err)
	}
}

// InvalidateAll clears the whole cache.
func (s *Service) InvalidateAll(ctx context.Context) {
	if err := s.store.EvictAll(ctx); err != nil {
		s.logger.Warn("cache clear failed", "error", err)
	}
}
