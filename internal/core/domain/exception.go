package domain

import "time"

// InterfaceType identifies which upstream interface produced a failed event.
type InterfaceType string

const (
	InterfaceOrder        InterfaceType = "ORDER"
	InterfaceCollection   InterfaceType = "COLLECTION"
	InterfaceDistribution InterfaceType = "DISTRIBUTION"
	InterfacePartnerOrder InterfaceType = "PARTNER_ORDER"
	InterfaceValidation   InterfaceType = "VALIDATION"
)

// ExceptionStatus is the lifecycle state of an interface exception.
type ExceptionStatus string

const (
	StatusNew            ExceptionStatus = "NEW"
	StatusAcknowledged   ExceptionStatus = "ACKNOWLEDGED"
	StatusResolved       ExceptionStatus = "RESOLVED"
	StatusRetriedSuccess ExceptionStatus = "RETRIED_SUCCESS"
	StatusRetriedFailed  ExceptionStatus = "RETRIED_FAILED"
	StatusEscalated      ExceptionStatus = "ESCALATED"
	StatusClosed         ExceptionStatus = "CLOSED"
)

// statusTransitions lists the allowed edges of the status machine.
// RESOLVED, RETRIED_SUCCESS and CLOSED are terminal.
var statusTransitions = map[ExceptionStatus][]ExceptionStatus{
	StatusNew: {
		StatusAcknowledged, StatusResolved, StatusRetriedSuccess,
		StatusRetriedFailed, StatusEscalated, StatusClosed,
	},
	StatusAcknowledged: {StatusResolved, StatusEscalated, StatusClosed},
	StatusRetriedFailed: {
		StatusRetriedSuccess, StatusRetriedFailed, StatusResolved,
		StatusEscalated, StatusClosed,
	},
	StatusEscalated: {StatusRetriedSuccess, StatusRetriedFailed, StatusResolved, StatusClosed},
}

// Terminal reports whether no further transitions are allowed from s.
func (s ExceptionStatus) Terminal() bool {
	return len(statusTransitions[s]) == 0
}

// CanTransitionTo reports whether the edge s -> next is allowed.
func (s ExceptionStatus) CanTransitionTo(next ExceptionStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowsRetry reports whether a retry may be initiated from this status.
func (s ExceptionStatus) AllowsRetry() bool {
	switch s {
	case StatusNew, StatusRetriedFailed, StatusEscalated:
		return true
	}
	return false
}

// Severity classifies how urgent an exception is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Category classifies the nature of the failure.
type Category string

const (
	CategoryBusinessRule Category = "BUSINESS_RULE"
	CategoryValidation   Category = "VALIDATION"
	CategorySystemError  Category = "SYSTEM_ERROR"
	CategoryNetwork      Category = "NETWORK"
)

// InterfaceException records one failed interface operation. Rows are never
// deleted; terminal statuses keep them for audit.
type InterfaceException struct {
	ID              string          `json:"id"                 db:"id"`
	TransactionID   string          `json:"transaction_id"     db:"transaction_id"`
	ExternalID      string          `json:"external_id"        db:"external_id"`
	InterfaceType   InterfaceType   `json:"interface_type"     db:"interface_type"`
	Operation       string          `json:"operation"          db:"operation"`
	ExceptionReason string          `json:"exception_reason"   db:"exception_reason"`
	Status          ExceptionStatus `json:"status"             db:"status"`
	Severity        Severity        `json:"severity"           db:"severity"`
	Category        Category        `json:"category"           db:"category"`
	Retryable       bool            `json:"retryable"          db:"retryable"`
	RetryCount      int             `json:"retry_count"        db:"retry_count"`
	MaxRetries      int             `json:"max_retries"        db:"max_retries"`
	CustomerID      string          `json:"customer_id"        db:"customer_id"`
	LocationCode    string          `json:"location_code"      db:"location_code"`
	Timestamp       time.Time       `json:"timestamp"          db:"timestamp"`
	ProcessedAt     time.Time       `json:"processed_at"       db:"processed_at"`
	AcknowledgedBy  string          `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt  *time.Time      `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedBy      string          `json:"resolved_by,omitempty"     db:"resolved_by"`
	ResolutionNotes string          `json:"resolution_notes,omitempty" db:"resolution_notes"`
	LastRetryAt     *time.Time      `json:"last_retry_at,omitempty"   db:"last_retry_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"     db:"resolved_at"`
}

// RetriesExhausted reports whether the retry ceiling has been reached.
func (e *InterfaceException) RetriesExhausted() bool {
	return e.MaxRetries > 0 && e.RetryCount >= e.MaxRetries
}

// SummaryRow is one bucket of the aggregate exception summary.
type SummaryRow struct {
	InterfaceType InterfaceType   `json:"interface_type" db:"interface_type"`
	Severity      Severity        `json:"severity"       db:"severity"`
	Status        ExceptionStatus `json:"status"         db:"status"`
	Count         int             `json:"count"          db:"count"`
}
