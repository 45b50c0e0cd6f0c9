// Package memory provides in-memory repository implementations used in
// development mode and by tests. Semantics mirror the PostgreSQL
// implementations, including the atomic eligibility check in CreateAttempt.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/infra/storage"
)

// Store holds all in-memory state under one lock so that the
// check-and-create path in CreateAttempt is atomic.
type Store struct {
	mu         sync.Mutex
	exceptions map[string]*domain.InterfaceException // by transaction id
	attempts   map[string][]*domain.RetryAttempt     // by transaction id, ordered
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		exceptions: make(map[string]*domain.InterfaceException),
		attempts:   make(map[string][]*domain.RetryAttempt),
	}
}

// ExceptionRepo returns the exception repository view of the store.
func (s *Store) ExceptionRepo() *ExceptionRepo { return &ExceptionRepo{s: s} }

// AttemptRepo returns the attempt repository view of the store.
func (s *Store) AttemptRepo() *AttemptRepo { return &AttemptRepo{s: s} }

// ExceptionRepo implements storage.ExceptionRepository in memory.
type ExceptionRepo struct {
	s *Store
}

// Save upserts: a replayed transaction refreshes the descriptive
// fields and leaves lifecycle state (id, status, retry count,
// resolution) untouched, mirroring the PostgreSQL ON CONFLICT clause.
func (r *ExceptionRepo) Save(ctx context.Context, ex *domain.InterfaceException) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if cur, exists := r.s.exceptions[ex.TransactionID]; exists {
		cur.ExternalID = ex.ExternalID
		cur.Operation = ex.Operation
		cur.ExceptionReason = ex.ExceptionReason
		cur.Severity = ex.Severity
		cur.Category = ex.Category
		cur.Retryable = ex.Retryable
		cur.MaxRetries = ex.MaxRetries
		cur.CustomerID = ex.CustomerID
		cur.LocationCode = ex.LocationCode
		cur.Timestamp = ex.Timestamp
		cur.ProcessedAt = ex.ProcessedAt
		return nil
	}
	cp := *ex
	r.s.exceptions[ex.TransactionID] = &cp
	return nil
}

func (r *ExceptionRepo) GetByTransactionID(
	ctx context.Context,
	transactionID string,
) (*domain.InterfaceException, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ex, ok := r.s.exceptions[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (r *ExceptionRepo) UpdateStatus(
	ctx context.Context,
	transactionID string,
	next domain.ExceptionStatus,
	mutate func(*domain.InterfaceException),
) (*domain.InterfaceException, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ex, ok := r.s.exceptions[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !ex.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, ex.Status, next)
	}

	ex.Status = next
	if mutate != nil {
		mutate(ex)
	}
	cp := *ex
	return &cp, nil
}

func (r *ExceptionRepo) List(
	ctx context.Context,
	filter storage.ExceptionFilter,
) ([]*domain.InterfaceException, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.InterfaceException
	for _, ex := range r.s.exceptions {
		if filter.InterfaceType != "" && ex.InterfaceType != filter.InterfaceType {
			continue
		}
		if filter.Status != "" && ex.Status != filter.Status {
			continue
		}
		if filter.Severity != "" && ex.Severity != filter.Severity {
			continue
		}
		if filter.CustomerID != "" && ex.CustomerID != filter.CustomerID {
			continue
		}
		if !filter.From.IsZero() && ex.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !ex.Timestamp.Before(filter.To) {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	sortByTimestampDesc(out)
	return clamp(out, filter.Offset, filter.Limit), nil
}

func (r *ExceptionRepo) Search(
	ctx context.Context,
	query string,
	limit int,
) ([]*domain.InterfaceException, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	q := strings.ToLower(query)
	var out []*domain.InterfaceException
	for _, ex := range r.s.exceptions {
		if strings.Contains(strings.ToLower(ex.ExceptionReason), q) ||
			strings.Contains(strings.ToLower(ex.ExternalID), q) ||
			strings.Contains(strings.ToLower(ex.Operation), q) {
			cp := *ex
			out = append(out, &cp)
		}
	}
	sortByTimestampDesc(out)
	return clamp(out, 0, limit), nil
}

func (r *ExceptionRepo) FindByCustomer(
	ctx context.Context,
	customerID, excludeTransactionID string,
	limit int,
) ([]*domain.InterfaceException, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []*domain.InterfaceException
	for _, ex := range r.s.exceptions {
		if ex.CustomerID == customerID && ex.TransactionID != excludeTransactionID {
			cp := *ex
			out = append(out, &cp)
		}
	}
	sortByTimestampDesc(out)
	return clamp(out, 0, limit), nil
}

func (r *ExceptionRepo) Summary(
	ctx context.Context,
	from, to time.Time,
) ([]domain.SummaryRow, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[domain.SummaryRow]int)
	for _, ex := range r.s.exceptions {
		if !from.IsZero() && ex.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && !ex.Timestamp.Before(to) {
			continue
		}
		key := domain.SummaryRow{
			InterfaceType: ex.InterfaceType,
			Severity:      ex.Severity,
			Status:        ex.Status,
		}
		counts[key]++
	}

	out := make([]domain.SummaryRow, 0, len(counts))
	for key, n := range counts {
		key.Count = n
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InterfaceType != out[j].InterfaceType {
			return out[i].InterfaceType < out[j].InterfaceType
		}
		if out[i].Severity != out[j].Severity {
			return out[i].Severity < out[j].Severity
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// AttemptRepo implements storage.AttemptRepository in memory.
type AttemptRepo struct {
	s *Store
}

func (r *AttemptRepo) CreateAttempt(
	ctx context.Context,
	transactionID, initiatedBy string,
) (*domain.RetryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ex, ok := r.s.exceptions[transactionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !ex.Retryable || !ex.Status.AllowsRetry() {
		return nil, fmt.Errorf("%w: status %s, retryable %v", storage.ErrRetryNotAllowed, ex.Status, ex.Retryable)
	}
	if ex.RetriesExhausted() {
		return nil, fmt.Errorf("%w: retry limit reached (%d/%d)", storage.ErrRetryNotAllowed, ex.RetryCount, ex.MaxRetries)
	}
	for _, a := range r.s.attempts[transactionID] {
		if a.Status == domain.RetryPending {
			return nil, fmt.Errorf("%w: pending attempt exists", storage.ErrRetryNotAllowed)
		}
	}

	now := time.Now().UTC()
	attempt := &domain.RetryAttempt{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		AttemptNumber: len(r.s.attempts[transactionID]) + 1,
		Status:        domain.RetryPending,
		InitiatedBy:   initiatedBy,
		InitiatedAt:   now,
	}
	r.s.attempts[transactionID] = append(r.s.attempts[transactionID], attempt)

	ex.RetryCount++
	ex.LastRetryAt = &now

	cp := *attempt
	return &cp, nil
}

func (r *AttemptRepo) Update(ctx context.Context, attempt *domain.RetryAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for i, a := range r.s.attempts[attempt.TransactionID] {
		if a.ID == attempt.ID {
			cp := *attempt
			r.s.attempts[attempt.TransactionID][i] = &cp
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *AttemptRepo) ListByTransaction(
	ctx context.Context,
	transactionID string,
) ([]*domain.RetryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	attempts := r.s.attempts[transactionID]
	out := make([]*domain.RetryAttempt, 0, len(attempts))
	for _, a := range attempts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (r *AttemptRepo) Latest(
	ctx context.Context,
	transactionID string,
) (*domain.RetryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	attempts := r.s.attempts[transactionID]
	if len(attempts) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *attempts[len(attempts)-1]
	return &cp, nil
}

func (r *AttemptRepo) GetByNumber(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
) (*domain.RetryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, a := range r.s.attempts[transactionID] {
		if a.AttemptNumber == attemptNumber {
			cp := *a
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (r *AttemptRepo) Statistics(
	ctx context.Context,
	transactionID string,
) (domain.RetryStatistics, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var stats domain.RetryStatistics
	for _, a := range r.s.attempts[transactionID] {
		stats.TotalAttempts++
		switch a.Status {
		case domain.RetrySuccess:
			stats.SuccessfulAttempts++
		case domain.RetryFailed:
			stats.FailedAttempts++
		case domain.RetryPending:
			stats.PendingAttempts++
		}
	}
	return stats, nil
}

func sortByTimestampDesc(exs []*domain.InterfaceException) {
	sort.Slice(exs, func(i, j int) bool {
		return exs[i].Timestamp.After(exs[j].Timestamp)
	})
}

func clamp(exs []*domain.InterfaceException, offset, limit int) []*domain.InterfaceException {
	if offset >= len(exs) {
		return nil
	}
	exs = exs[offset:]
	if limit > 0 && len(exs) > limit {
		exs = exs[:limit]
	}
	return exs
}
