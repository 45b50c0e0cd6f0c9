package cache

import (
	"context"
	"testing"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/events"
	"github.com/bioflow/collector/internal/infra/storage/memory"
)

func seedException(t *testing.T, store *memory.Store, txn string, mutate func(*domain.InterfaceException)) {
	t.Helper()
	exc := &domain.InterfaceException{
		ID:            "id-" + txn,
		TransactionID: txn,
		ExternalID:    "ORD-1",
		InterfaceType: domain.InterfaceOrder,
		Operation:     "CREATE_ORDER",
		Status:        domain.StatusNew,
		Severity:      domain.SeverityMedium,
		Category:      domain.CategoryBusinessRule,
		Retryable:     true,
		MaxRetries:    3,
		Timestamp:     time.Now().UTC(),
		ProcessedAt:   time.Now().UTC(),
	}
	if mutate != nil {
		mutate(exc)
	}
	if err := store.ExceptionRepo().Save(context.Background(), exc); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newService(store *memory.Store) *Service {
	return NewService(NewMemoryStore(time.Minute), store.ExceptionRepo(), store.AttemptRepo())
}

func TestCheck_MissingException(t *testing.T) {
	svc := newService(memory.NewStore())
	res, err := svc.Check(context.Background(), "nope", CheckExists)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Valid || res.Code != domain.CodeExceptionNotFound {
		t.Fatalf("res = %+v, want EXCEPTION_NOT_FOUND", res)
	}
}

func TestCheck_RetryEligibility(t *testing.T) {
	store := memory.NewStore()
	seedException(t, store, "TXN-1", nil)
	svc := newService(store)

	for _, check := range []string{CheckExists, CheckRetryable, CheckStatusRetry, CheckRetryLimit, CheckNoPendingRetry} {
		res, err := svc.Check(context.Background(), "TXN-1", check)
		if err != nil {
			t.Fatalf("Check %s: %v", check, err)
		}
		if !res.Valid {
			t.Fatalf("check %s = %+v, want valid", check, res)
		}
	}
}

func TestCheck_NotRetryable(t *testing.T) {
	store := memory.NewStore()
	seedException(t, store, "TXN-2", func(e *domain.InterfaceException) { e.Retryable = false })
	svc := newService(store)

	res, err := svc.Check(context.Background(), "TXN-2", CheckRetryable)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Valid || res.Code != domain.CodeNotRetryable {
		t.Fatalf("res = %+v, want NOT_RETRYABLE", res)
	}
}

func TestCheck_RetryLimitExceeded(t *testing.T) {
	store := memory.NewStore()
	seedException(t, store, "TXN-3", func(e *domain.InterfaceException) { e.RetryCount = 3 })
	svc := newService(store)

	res, err := svc.Check(context.Background(), "TXN-3", CheckRetryLimit)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Valid || res.Code != domain.CodeRetryLimitExceeded {
		t.Fatalf("res = %+v, want RETRY_LIMIT_EXCEEDED", res)
	}
}

func TestCheck_PendingRetryBlocksNewAttempt(t *testing.T) {
	store := memory.NewStore()
	seedException(t, store, "TXN-4", nil)
	if _, err := store.AttemptRepo().CreateAttempt(context.Background(), "TXN-4", "alice"); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	svc := newService(store)

	res, err := svc.Check(context.Background(), "TXN-4", CheckNoPendingRetry)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Valid || res.Code != domain.CodePendingRetryExists {
		t.Fatalf("res = %+v, want PENDING_RETRY_EXISTS", res)
	}

	cancel, err := svc.Check(context.Background(), "TXN-4", CheckCancellable)
	if err != nil {
		t.Fatalf("Check cancellable: %v", err)
	}
	if !cancel.Valid {
		t.Fatalf("cancellable = %+v, want valid while a retry is pending", cancel)
	}
}

func TestValidateForOperation(t *testing.T) {
	store := memory.NewStore()
	seedException(t, store, "TXN-5", nil)
	svc := newService(store)
	ctx := context.Background()

	if res, err := svc.ValidateForOperation(ctx, "TXN-5", OpRetry); err != nil || !res.Valid {
		t.Fatalf("retry validation = %+v, %v", res, err)
	}
	if res, err := svc.ValidateForOperation(ctx, "TXN-5", OpCancel); err != nil || res.Valid {
		t.Fatalf("cancel with no pending retry = %+v, want invalid", res)
	}
	if res, err := svc.ValidateForOperation(ctx, "TXN-5", "promote"); err != nil || res.Valid || res.Code != domain.CodeInvalidOperationType {
		t.Fatalf("unknown operation = %+v, want INVALID_OPERATION_TYPE", res)
	}
}

// A status change must recompute checks, not serve the stale cached
// verdict.
func TestInvalidation_RecomputesAfterStatusChange(t *testing.T) {
	store := memory.NewStore()
	seedException(t, store, "TXN-6", nil)
	svc := newService(store)
	bus := events.NewBus()
	NewInvalidator(svc).Register(bus)
	ctx := context.Background()

	res, err := svc.Check(ctx, "TXN-6", CheckStatusRetry)
	if err != nil || !res.Valid {
		t.Fatalf("initial check = %+v, %v", res, err)
	}

	// Move the exception to a terminal state and announce it.
	if _, err := store.ExceptionRepo().UpdateStatus(ctx, "TXN-6", domain.StatusResolved, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	bus.Publish(events.Event{Type: events.TypeStatusChanged, TransactionID: "TXN-6", Status: domain.StatusResolved})

	res, err = svc.Check(ctx, "TXN-6", CheckStatusRetry)
	if err != nil {
		t.Fatalf("Check after invalidation: %v", err)
	}
	if res.Valid {
		t.Fatal("stale cached result served after status change")
	}
	if res.Code != domain.CodeInvalidStatus {
		t.Fatalf("code = %s, want INVALID_STATUS_TRANSITION", res.Code)
	}
}

func TestCheck_CachesUntilEvicted(t *testing.T) {
	store := memory.NewStore()
	seedException(t, store, "TXN-7", nil)
	svc := newService(store)
	ctx := context.Background()

	first, err := svc.Check(ctx, "TXN-7", CheckExists)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	second, err := svc.Check(ctx, "TXN-7", CheckExists)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !second.ComputedAt.Equal(first.ComputedAt) {
		t.Fatal("second read must come from cache")
	}

	svc.Invalidate(ctx, "TXN-7")
	third, err := svc.Check(ctx, "TXN-7", CheckExists)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if third.ComputedAt.Before(first.ComputedAt) {
		t.Fatal("post-eviction read must be recomputed")
	}
}
