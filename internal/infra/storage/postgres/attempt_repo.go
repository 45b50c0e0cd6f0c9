package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/infra/storage"
)

const attemptColumns = `id, transaction_id, attempt_number, status, initiated_by,
	initiated_at, completed_at, result_success, result_message, result_response_code,
	result_error_details`

// AttemptRepo implements storage.AttemptRepository using PostgreSQL.
type AttemptRepo struct {
	db *DB
}

// NewAttemptRepo creates a new PostgreSQL retry attempt repository.
func NewAttemptRepo(db *DB) *AttemptRepo {
	return &AttemptRepo{db: db}
}

type attemptRow struct {
	ID                 string         `db:"id"`
	TransactionID      string         `db:"transaction_id"`
	AttemptNumber      int            `db:"attempt_number"`
	Status             string         `db:"status"`
	InitiatedBy        string         `db:"initiated_by"`
	InitiatedAt        time.Time      `db:"initiated_at"`
	CompletedAt        sql.NullTime   `db:"completed_at"`
	ResultSuccess      bool           `db:"result_success"`
	ResultMessage      sql.NullString `db:"result_message"`
	ResultResponseCode sql.NullInt64  `db:"result_response_code"`
	ResultErrorDetails sql.NullString `db:"result_error_details"`
}

func (r attemptRow) toDomain() *domain.RetryAttempt {
	a := &domain.RetryAttempt{
		ID:                 r.ID,
		TransactionID:      r.TransactionID,
		AttemptNumber:      r.AttemptNumber,
		Status:             domain.RetryStatus(r.Status),
		InitiatedBy:        r.InitiatedBy,
		InitiatedAt:        r.InitiatedAt,
		ResultSuccess:      r.ResultSuccess,
		ResultMessage:      r.ResultMessage.String,
		ResultResponseCode: int(r.ResultResponseCode.Int64),
		ResultErrorDetails: r.ResultErrorDetails.String,
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		a.CompletedAt = &t
	}
	return a
}

// CreateAttempt atomically validates eligibility and creates the next PENDING
// attempt. The exception row lock closes the race between two concurrent
// initiations for the same transaction id.
func (r *AttemptRepo) CreateAttempt(
	ctx context.Context,
	transactionID, initiatedBy string,
) (*domain.RetryAttempt, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var ex struct {
		Retryable  bool   `db:"retryable"`
		Status     string `db:"status"`
		RetryCount int    `db:"retry_count"`
		MaxRetries int    `db:"max_retries"`
	}
	err = tx.GetContext(ctx, &ex, `
		SELECT retryable, status, retry_count, max_retries
		FROM interface_exceptions
		WHERE transaction_id = $1
		FOR UPDATE
	`, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock exception: %w", err)
	}

	status := domain.ExceptionStatus(ex.Status)
	if !ex.Retryable || !status.AllowsRetry() {
		return nil, fmt.Errorf("%w: status %s, retryable %v", storage.ErrRetryNotAllowed, status, ex.Retryable)
	}
	if ex.MaxRetries > 0 && ex.RetryCount >= ex.MaxRetries {
		return nil, fmt.Errorf("%w: retry limit reached (%d/%d)", storage.ErrRetryNotAllowed, ex.RetryCount, ex.MaxRetries)
	}

	var pending int
	err = tx.GetContext(ctx, &pending, `
		SELECT COUNT(*) FROM retry_attempts
		WHERE transaction_id = $1 AND status = $2
	`, transactionID, string(domain.RetryPending))
	if err != nil {
		return nil, fmt.Errorf("failed to check pending attempts: %w", err)
	}
	if pending > 0 {
		return nil, fmt.Errorf("%w: pending attempt exists", storage.ErrRetryNotAllowed)
	}

	var maxNumber sql.NullInt64
	err = tx.GetContext(ctx, &maxNumber, `
		SELECT MAX(attempt_number) FROM retry_attempts WHERE transaction_id = $1
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt number: %w", err)
	}

	attempt := &domain.RetryAttempt{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		AttemptNumber: int(maxNumber.Int64) + 1,
		Status:        domain.RetryPending,
		InitiatedBy:   initiatedBy,
		InitiatedAt:   time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO retry_attempts (id, transaction_id, attempt_number, status, initiated_by, initiated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, attempt.ID, attempt.TransactionID, attempt.AttemptNumber,
		string(attempt.Status), attempt.InitiatedBy, attempt.InitiatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert attempt: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE interface_exceptions
		SET retry_count = retry_count + 1, last_retry_at = $2
		WHERE transaction_id = $1
	`, transactionID, attempt.InitiatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to increment retry count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return attempt, nil
}

// Update persists a completed attempt's result fields.
func (r *AttemptRepo) Update(ctx context.Context, attempt *domain.RetryAttempt) error {
	query := `
		UPDATE retry_attempts
		SET status = $2, completed_at = $3, result_success = $4,
		    result_message = $5, result_response_code = $6, result_error_details = $7
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query,
		attempt.ID, string(attempt.Status), nullTime(attempt.CompletedAt),
		attempt.ResultSuccess, nullString(attempt.ResultMessage),
		sql.NullInt64{Int64: int64(attempt.ResultResponseCode), Valid: attempt.ResultResponseCode != 0},
		nullString(attempt.ResultErrorDetails),
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListByTransaction returns attempts ordered by attempt number ascending.
func (r *AttemptRepo) ListByTransaction(
	ctx context.Context,
	transactionID string,
) ([]*domain.RetryAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM retry_attempts
		WHERE transaction_id = $1
		ORDER BY attempt_number ASC`

	var rows []attemptRow
	if err := r.db.SelectContext(ctx, &rows, query, transactionID); err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	out := make([]*domain.RetryAttempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Latest returns the highest-numbered attempt.
func (r *AttemptRepo) Latest(
	ctx context.Context,
	transactionID string,
) (*domain.RetryAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM retry_attempts
		WHERE transaction_id = $1
		ORDER BY attempt_number DESC
		LIMIT 1`

	var row attemptRow
	err := r.db.GetContext(ctx, &row, query, transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return row.toDomain(), nil
}

// GetByNumber returns one attempt by its number.
func (r *AttemptRepo) GetByNumber(
	ctx context.Context,
	transactionID string,
	attemptNumber int,
) (*domain.RetryAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM retry_attempts
		WHERE transaction_id = $1 AND attempt_number = $2`

	var row attemptRow
	err := r.db.GetContext(ctx, &row, query, transactionID, attemptNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return row.toDomain(), nil
}

// Statistics counts attempts by status.
func (r *AttemptRepo) Statistics(
	ctx context.Context,
	transactionID string,
) (domain.RetryStatistics, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'SUCCESS') AS successful,
			COUNT(*) FILTER (WHERE status = 'FAILED') AS failed,
			COUNT(*) FILTER (WHERE status = 'PENDING') AS pending
		FROM retry_attempts
		WHERE transaction_id = $1
	`
	var dest struct {
		Total      int `db:"total"`
		Successful int `db:"successful"`
		Failed     int `db:"failed"`
		Pending    int `db:"pending"`
	}
	if err := r.db.GetContext(ctx, &dest, query, transactionID); err != nil {
		return domain.RetryStatistics{}, fmt.Errorf("failed to compute statistics: %w", err)
	}
	return domain.RetryStatistics{
		TotalAttempts:      dest.Total,
		SuccessfulAttempts: dest.Successful,
		FailedAttempts:     dest.Failed,
		PendingAttempts:    dest.Pending,
	}, nil
}
