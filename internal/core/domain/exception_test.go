package domain

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ExceptionStatus
		allowed  bool
	}{
		{StatusNew, StatusAcknowledged, true},
		{StatusNew, StatusRetriedFailed, true},
		{StatusNew, StatusRetriedSuccess, true},
		{StatusNew, StatusEscalated, true},
		{StatusNew, StatusClosed, true},
		{StatusAcknowledged, StatusResolved, true},
		{StatusAcknowledged, StatusRetriedFailed, false},
		{StatusRetriedFailed, StatusRetriedSuccess, true},
		{StatusRetriedFailed, StatusRetriedFailed, true},
		{StatusEscalated, StatusRetriedFailed, true},
		{StatusResolved, StatusAcknowledged, false},
		{StatusResolved, StatusClosed, false},
		{StatusClosed, StatusNew, false},
		{StatusRetriedSuccess, StatusRetriedFailed, false},
	}

	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.allowed, got)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []ExceptionStatus{StatusResolved, StatusRetriedSuccess, StatusClosed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ExceptionStatus{StatusNew, StatusAcknowledged, StatusRetriedFailed, StatusEscalated} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestAllowsRetry(t *testing.T) {
	for _, s := range []ExceptionStatus{StatusNew, StatusRetriedFailed, StatusEscalated} {
		if !s.AllowsRetry() {
			t.Errorf("%s should allow retry", s)
		}
	}
	for _, s := range []ExceptionStatus{StatusAcknowledged, StatusResolved, StatusRetriedSuccess, StatusClosed} {
		if s.AllowsRetry() {
			t.Errorf("%s should not allow retry", s)
		}
	}
}

func TestAttemptMarkers(t *testing.T) {
	a := &RetryAttempt{Status: RetryPending, InitiatedAt: time.Now()}

	a.MarkSuccess("ok", 200)
	if a.Status != RetrySuccess || !a.ResultSuccess || a.CompletedAt == nil {
		t.Errorf("unexpected attempt after MarkSuccess: %+v", a)
	}

	b := &RetryAttempt{Status: RetryPending}
	b.MarkFailed("boom", 502, "upstream unavailable")
	if b.Status != RetryFailed || b.ResultSuccess || b.CompletedAt == nil {
		t.Errorf("unexpected attempt after MarkFailed: %+v", b)
	}
	if b.ResultErrorDetails != "upstream unavailable" {
		t.Errorf("expected error details, got %q", b.ResultErrorDetails)
	}
}

func TestDecodeInboundEvent(t *testing.T) {
	raw := []byte(`{"event_type":"OrderRejected","transaction_id":"txn-1","interface_type":"ORDER","operation":"CREATE_ORDER","reason":"inventory unavailable"}`)
	evt, err := DecodeInboundEvent(raw)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if evt.Kind != EventOrderRejected || evt.TransactionID != "txn-1" {
		t.Errorf("unexpected event: %+v", evt)
	}

	if _, err := DecodeInboundEvent([]byte(`{not json`)); err == nil {
		t.Error("expected decode error for malformed input")
	}

	evt2, _ := DecodeInboundEvent([]byte(`{"event_type":"OrderRejected"}`))
	if err := evt2.Validate(); err == nil {
		t.Error("expected validation error for missing fields")
	}
}
