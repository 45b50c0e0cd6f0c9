package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind names an inbound interface event.
type EventKind string

const (
	EventOrderRejected      EventKind = "OrderRejected"
	EventOrderCancelled     EventKind = "OrderCancelled"
	EventCollectionRejected EventKind = "CollectionRejected"
	EventDistributionFailed EventKind = "DistributionFailed"
	EventValidationError    EventKind = "ValidationError"
)

// InboundEvent is the decoded envelope of an inbound interface event.
type InboundEvent struct {
	Kind          EventKind       `json:"event_type"`
	TransactionID string          `json:"transaction_id"`
	ExternalID    string          `json:"external_id"`
	InterfaceType InterfaceType   `json:"interface_type"`
	Operation     string          `json:"operation"`
	Reason        string          `json:"reason"`
	CustomerID    string          `json:"customer_id"`
	LocationCode  string          `json:"location_code"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// DecodeInboundEvent deserializes a raw message into an InboundEvent.
// A decode failure is terminal for the message.
func DecodeInboundEvent(raw []byte) (*InboundEvent, error) {
	var evt InboundEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("decode inbound event: %w", err)
	}
	return &evt, nil
}

// Validate checks the envelope's required fields.
func (e *InboundEvent) Validate() error {
	var missing []string
	if e.Kind == "" {
		missing = append(missing, "event_type")
	}
	if e.TransactionID == "" {
		missing = append(missing, "transaction_id")
	}
	if e.InterfaceType == "" {
		missing = append(missing, "interface_type")
	}
	if e.Operation == "" {
		missing = append(missing, "operation")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid inbound event: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// RetryCompletedEvent is the outbound event published after a retry attempt
// finishes, successfully or not.
type RetryCompletedEvent struct {
	ExceptionID   string      `json:"exception_id"`
	TransactionID string      `json:"transaction_id"`
	AttemptNumber int         `json:"attempt_number"`
	Status        RetryStatus `json:"status"`
	Message       string      `json:"message"`
	InitiatedBy   string      `json:"initiated_by"`
	CompletedAt   time.Time   `json:"completed_at"`
}
