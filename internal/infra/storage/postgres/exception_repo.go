package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/infra/storage"
)

const exceptionColumns = `id, transaction_id, external_id, interface_type, operation,
	exception_reason, status, severity, category, retryable, retry_count, max_retries,
	customer_id, location_code, timestamp, processed_at, acknowledged_by, acknowledged_at,
	resolved_by, resolution_notes, last_retry_at, resolved_at`

// ExceptionRepo implements storage.ExceptionRepository using PostgreSQL.
type ExceptionRepo struct {
	db *DB
}

// NewExceptionRepo creates a new PostgreSQL exception repository.
func NewExceptionRepo(db *DB) *ExceptionRepo {
	return &ExceptionRepo{db: db}
}

type exceptionRow struct {
	ID              string         `db:"id"`
	TransactionID   string         `db:"transaction_id"`
	ExternalID      string         `db:"external_id"`
	InterfaceType   string         `db:"interface_type"`
	Operation       string         `db:"operation"`
	ExceptionReason string         `db:"exception_reason"`
	Status          string         `db:"status"`
	Severity        string         `db:"severity"`
	Category        string         `db:"category"`
	Retryable       bool           `db:"retryable"`
	RetryCount      int            `db:"retry_count"`
	MaxRetries      int            `db:"max_retries"`
	CustomerID      sql.NullString `db:"customer_id"`
	LocationCode    sql.NullString `db:"location_code"`
	Timestamp       time.Time      `db:"timestamp"`
	ProcessedAt     time.Time      `db:"processed_at"`
	AcknowledgedBy  sql.NullString `db:"acknowledged_by"`
	AcknowledgedAt  sql.NullTime   `db:"acknowledged_at"`
	ResolvedBy      sql.NullString `db:"resolved_by"`
	ResolutionNotes sql.NullString `db:"resolution_notes"`
	LastRetryAt     sql.NullTime   `db:"last_retry_at"`
	ResolvedAt      sql.NullTime   `db:"resolved_at"`
}

func (r exceptionRow) toDomain() *domain.InterfaceException {
	ex := &domain.InterfaceException{
		ID:              r.ID,
		TransactionID:   r.TransactionID,
		ExternalID:      r.ExternalID,
		InterfaceType:   domain.InterfaceType(r.InterfaceType),
		Operation:       r.Operation,
		ExceptionReason: r.ExceptionReason,
		Status:          domain.ExceptionStatus(r.Status),
		Severity:        domain.Severity(r.Severity),
		Category:        domain.Category(r.Category),
		Retryable:       r.Retryable,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		CustomerID:      r.CustomerID.String,
		LocationCode:    r.LocationCode.String,
		Timestamp:       r.Timestamp,
		ProcessedAt:     r.ProcessedAt,
		AcknowledgedBy:  r.AcknowledgedBy.String,
		ResolvedBy:      r.ResolvedBy.String,
		ResolutionNotes: r.ResolutionNotes.String,
	}
	if r.AcknowledgedAt.Valid {
		t := r.AcknowledgedAt.Time
		ex.AcknowledgedAt = &t
	}
	if r.LastRetryAt.Valid {
		t := r.LastRetryAt.Time
		ex.LastRetryAt = &t
	}
	if r.ResolvedAt.Valid {
		t := r.ResolvedAt.Time
		ex.ResolvedAt = &t
	}
	return ex
}

// Save inserts a new exception. Replaying the same transaction
// refreshes the descriptive fields but never touches lifecycle state
// (status, retry count, resolution), so at-least-once delivery of the
// source event stays idempotent.
func (r *ExceptionRepo) Save(ctx context.Context, ex *domain.InterfaceException) error {
	query := `
		INSERT INTO interface_exceptions (
			id, transaction_id, external_id, interface_type, operation,
			exception_reason, status, severity, category, retryable,
			retry_count, max_retries, customer_id, location_code, timestamp, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (transaction_id) DO UPDATE SET
			external_id      = EXCLUDED.external_id,
			operation        = EXCLUDED.operation,
			exception_reason = EXCLUDED.exception_reason,
			severity         = EXCLUDED.severity,
			category         = EXCLUDED.category,
			retryable        = EXCLUDED.retryable,
			max_retries      = EXCLUDED.max_retries,
			customer_id      = EXCLUDED.customer_id,
			location_code    = EXCLUDED.location_code,
			timestamp        = EXCLUDED.timestamp,
			processed_at     = EXCLUDED.processed_at
	`
	_, err := r.db.ExecContext(ctx, query,
		ex.ID, ex.TransactionID, ex.ExternalID, string(ex.InterfaceType), ex.Operation,
		ex.ExceptionReason, string(ex.Status), string(ex.Severity), string(ex.Category),
		ex.Retryable, ex.RetryCount, ex.MaxRetries,
		nullString(ex.CustomerID), nullString(ex.LocationCode), ex.Timestamp, ex.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save exception: %w", err)
	}
	return nil
}

// GetByTransactionID retrieves an exception by transaction id.
func (r *ExceptionRepo) GetByTransactionID(
	ctx context.Context,
	transactionID string,
) (*domain.InterfaceException, error) {
	query := `SELECT ` + exceptionColumns + ` FROM interface_exceptions WHERE transaction_id = $1`

	var row exceptionRow
	err := r.db.GetContext(ctx, &row, query, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get exception: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateStatus transitions the exception inside a single transaction with a
// row lock, enforcing the state machine.
func (r *ExceptionRepo) UpdateStatus(
	ctx context.Context,
	transactionID string,
	next domain.ExceptionStatus,
	mutate func(*domain.InterfaceException),
) (*domain.InterfaceException, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row exceptionRow
	query := `SELECT ` + exceptionColumns + ` FROM interface_exceptions WHERE transaction_id = $1 FOR UPDATE`
	err = tx.GetContext(ctx, &row, query, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock exception: %w", err)
	}

	ex := row.toDomain()
	if !ex.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", storage.ErrInvalidTransition, ex.Status, next)
	}

	ex.Status = next
	if mutate != nil {
		mutate(ex)
	}

	update := `
		UPDATE interface_exceptions
		SET status = $2, acknowledged_by = $3, acknowledged_at = $4,
		    resolved_by = $5, resolution_notes = $6, resolved_at = $7
		WHERE transaction_id = $1
	`
	_, err = tx.ExecContext(ctx, update, transactionID,
		string(ex.Status), nullString(ex.AcknowledgedBy), nullTime(ex.AcknowledgedAt),
		nullString(ex.ResolvedBy), nullString(ex.ResolutionNotes), nullTime(ex.ResolvedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update exception: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return ex, nil
}

// List returns exceptions matching the filter, newest first.
func (r *ExceptionRepo) List(
	ctx context.Context,
	filter storage.ExceptionFilter,
) ([]*domain.InterfaceException, error) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.InterfaceType != "" {
		add("interface_type = $%d", string(filter.InterfaceType))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.CustomerID != "" {
		add("customer_id = $%d", filter.CustomerID)
	}
	if !filter.From.IsZero() {
		add("timestamp >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("timestamp < $%d", filter.To)
	}

	query := `SELECT ` + exceptionColumns + ` FROM interface_exceptions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	return r.selectExceptions(ctx, query, args...)
}

// Search performs a full-text search over reason, external id and operation.
func (r *ExceptionRepo) Search(
	ctx context.Context,
	query string,
	limit int,
) ([]*domain.InterfaceException, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + query + "%"
	sqlQuery := `SELECT ` + exceptionColumns + `
		FROM interface_exceptions
		WHERE exception_reason ILIKE $1 OR external_id ILIKE $1 OR operation ILIKE $1
		ORDER BY timestamp DESC
		LIMIT $2`
	return r.selectExceptions(ctx, sqlQuery, pattern, limit)
}

// FindByCustomer returns other exceptions for the same customer.
func (r *ExceptionRepo) FindByCustomer(
	ctx context.Context,
	customerID, excludeTransactionID string,
	limit int,
) ([]*domain.InterfaceException, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + exceptionColumns + `
		FROM interface_exceptions
		WHERE customer_id = $1 AND transaction_id <> $2
		ORDER BY timestamp DESC
		LIMIT $3`
	return r.selectExceptions(ctx, query, customerID, excludeTransactionID, limit)
}

// Summary aggregates counts by interface type, severity and status.
func (r *ExceptionRepo) Summary(
	ctx context.Context,
	from, to time.Time,
) ([]domain.SummaryRow, error) {
	query := `
		SELECT interface_type, severity, status, COUNT(*) AS count
		FROM interface_exceptions
		WHERE timestamp >= $1 AND timestamp < $2
		GROUP BY interface_type, severity, status
		ORDER BY interface_type, severity, status
	`
	var rows []domain.SummaryRow
	if err := r.db.SelectContext(ctx, &rows, query, from, to); err != nil {
		return nil, fmt.Errorf("failed to compute summary: %w", err)
	}
	return rows, nil
}

func (r *ExceptionRepo) selectExceptions(
	ctx context.Context,
	query string,
	args ...any,
) ([]*domain.InterfaceException, error) {
	var rows []exceptionRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list exceptions: %w", err)
	}
	out := make([]*domain.InterfaceException, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
