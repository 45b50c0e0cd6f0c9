package domain

import "time"

// Validation error codes surfaced to mutation callers.
const (
	CodeExceptionNotFound      = "EXCEPTION_NOT_FOUND"
	CodeNotRetryable           = "NOT_RETRYABLE"
	CodeRetryLimitExceeded     = "RETRY_LIMIT_EXCEEDED"
	CodePendingRetryExists     = "PENDING_RETRY_EXISTS"
	CodeInvalidStatus          = "INVALID_STATUS_TRANSITION"
	CodeNoPendingRetryToCancel = "NO_PENDING_RETRY_TO_CANCEL"
	CodeInvalidOperationType   = "INVALID_OPERATION_TYPE"
)

// ValidationResult is the cached outcome of an eligibility check. It is a
// pure function of exception/attempt state at computation time.
type ValidationResult struct {
	Check         string    `json:"check"`
	TransactionID string    `json:"transaction_id"`
	Valid         bool      `json:"valid"`
	Code          string    `json:"code,omitempty"`
	Message       string    `json:"message,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
}

// ValidResult builds a passing result for a check.
func ValidResult(check, transactionID string) ValidationResult {
	return ValidationResult{
		Check:         check,
		TransactionID: transactionID,
		Valid:         true,
		ComputedAt:    time.Now().UTC(),
	}
}

// InvalidResult builds a failing result with a machine-readable code.
func InvalidResult(check, transactionID, code, message string) ValidationResult {
	return ValidationResult{
		Check:         check,
		TransactionID: transactionID,
		Valid:         false,
		Code:          code,
		Message:       message,
		ComputedAt:    time.Now().UTC(),
	}
}

// PayloadResponse is the result of fetching an original payload from a
// source service. Retrieved=false with a reason is the degraded, non-failing
// outcome callers get in fallback mode.
type PayloadResponse struct {
	Retrieved     bool   `json:"retrieved"`
	Payload       []byte `json:"payload,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	SourceService string `json:"source_service,omitempty"`
}

// ConnectionStatus is a point-in-time snapshot of the source connection.
type ConnectionStatus struct {
	State              string `json:"state"`
	Connected          bool   `json:"connected"`
	FallbackMode       bool   `json:"fallback_mode"`
	RequesterAvailable bool   `json:"requester_available"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
}
