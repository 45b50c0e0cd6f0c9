package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
)

var (
	// ErrNotFound is returned when an exception or attempt doesn't exist
	ErrNotFound = errors.New("record not found")

	// ErrRetryNotAllowed is returned by CreateAttempt when the exception's
	// state forbids a new attempt (not retryable, wrong status, retry limit
	// reached, or a PENDING attempt already exists)
	ErrRetryNotAllowed = errors.New("retry not allowed")

	// ErrInvalidTransition is returned when a status update would violate
	// the exception state machine
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ExceptionFilter narrows List queries.
type ExceptionFilter struct {
	InterfaceType domain.InterfaceType
	Status        domain.ExceptionStatus
	Severity      domain.Severity
	CustomerID    string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

// ExceptionRepository handles interface exception storage.
type ExceptionRepository interface {
	// Save upserts an exception by transaction id: replays refresh
	// the descriptive fields and leave lifecycle state untouched
	Save(ctx context.Context, ex *domain.InterfaceException) error

	// GetByTransactionID retrieves an exception by its caller-visible key
	GetByTransactionID(ctx context.Context, transactionID string) (*domain.InterfaceException, error)

	// UpdateStatus transitions an exception's status, enforcing the state
	// machine, and applies the mutation fn to the row inside the same
	// transaction (acknowledged/resolved bookkeeping fields)
	UpdateStatus(
		ctx context.Context,
		transactionID string,
		next domain.ExceptionStatus,
		mutate func(*domain.InterfaceException),
	) (*domain.InterfaceException, error)

	// List returns exceptions matching the filter, newest first
	List(ctx context.Context, filter ExceptionFilter) ([]*domain.InterfaceException, error)

	// Search performs a full-text search over reason, external id and operation
	Search(ctx context.Context, query string, limit int) ([]*domain.InterfaceException, error)

	// FindByCustomer returns other exceptions for the same customer
	FindByCustomer(ctx context.Context, customerID, excludeTransactionID string, limit int) ([]*domain.InterfaceException, error)

	// Summary aggregates counts by interface type, severity and status
	Summary(ctx context.Context, from, to time.Time) ([]domain.SummaryRow, error)
}

// AttemptRepository handles retry attempt storage.
type AttemptRepository interface {
	// CreateAttempt atomically validates eligibility and creates the next
	// PENDING attempt for the exception: it takes a row lock on the
	// exception, verifies retryable/status/retry-count and the absence of a
	// PENDING attempt, inserts the attempt with the next attempt number,
	// increments the exception's retry count and stamps last_retry_at.
	// Returns ErrNotFound or ErrRetryNotAllowed.
	CreateAttempt(ctx context.Context, transactionID, initiatedBy string) (*domain.RetryAttempt, error)

	// Update persists a completed attempt's result fields
	Update(ctx context.Context, attempt *domain.RetryAttempt) error

	// ListByTransaction returns attempts ordered by attempt number ascending
	ListByTransaction(ctx context.Context, transactionID string) ([]*domain.RetryAttempt, error)

	// Latest returns the highest-numbered attempt, ErrNotFound if none
	Latest(ctx context.Context, transactionID string) (*domain.RetryAttempt, error)

	// GetByNumber returns one attempt, ErrNotFound if absent
	GetByNumber(ctx context.Context, transactionID string, attemptNumber int) (*domain.RetryAttempt, error)

	// Statistics counts attempts by status
	Statistics(ctx context.Context, transactionID string) (domain.RetryStatistics, error)
}
