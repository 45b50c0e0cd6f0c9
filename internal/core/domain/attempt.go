package domain

import "time"

// RetryStatus is the lifecycle state of a single retry attempt.
type RetryStatus string

const (
	RetryPending RetryStatus = "PENDING"
	RetrySuccess RetryStatus = "SUCCESS"
	RetryFailed  RetryStatus = "FAILED"
)

// RetryAttempt records one retry execution for an interface exception.
// Attempt numbers are 1-based and strictly increasing per exception; at most
// one PENDING attempt may exist per exception at any time.
type RetryAttempt struct {
	ID                 string      `json:"id"              db:"id"`
	TransactionID      string      `json:"transaction_id"  db:"transaction_id"`
	AttemptNumber      int         `json:"attempt_number"  db:"attempt_number"`
	Status             RetryStatus `json:"status"          db:"status"`
	InitiatedBy        string      `json:"initiated_by"    db:"initiated_by"`
	InitiatedAt        time.Time   `json:"initiated_at"    db:"initiated_at"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	ResultSuccess      bool        `json:"result_success"  db:"result_success"`
	ResultMessage      string      `json:"result_message"  db:"result_message"`
	ResultResponseCode int         `json:"result_response_code" db:"result_response_code"`
	ResultErrorDetails string      `json:"result_error_details" db:"result_error_details"`
}

// MarkSuccess completes the attempt successfully.
func (a *RetryAttempt) MarkSuccess(message string, responseCode int) {
	now := time.Now().UTC()
	a.Status = RetrySuccess
	a.CompletedAt = &now
	a.ResultSuccess = true
	a.ResultMessage = message
	a.ResultResponseCode = responseCode
}

// MarkFailed completes the attempt as failed.
func (a *RetryAttempt) MarkFailed(message string, responseCode int, errorDetails string) {
	now := time.Now().UTC()
	a.Status = RetryFailed
	a.CompletedAt = &now
	a.ResultSuccess = false
	a.ResultMessage = message
	a.ResultResponseCode = responseCode
	a.ResultErrorDetails = errorDetails
}

// RetryStatistics summarises the attempts recorded for one exception.
type RetryStatistics struct {
	TotalAttempts      int `json:"total_attempts"`
	SuccessfulAttempts int `json:"successful_attempts"`
	FailedAttempts     int `json:"failed_attempts"`
	PendingAttempts    int `json:"pending_attempts"`
}
