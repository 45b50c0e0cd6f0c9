package exceptions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/events"
	"github.com/bioflow/collector/internal/infra/storage"
	"github.com/bioflow/collector/internal/infra/storage/memory"
)

func seed(t *testing.T, store *memory.Store, txn, customer string) {
	t.Helper()
	err := store.ExceptionRepo().Save(context.Background(), &domain.InterfaceException{
		ID:            "id-" + txn,
		TransactionID: txn,
		ExternalID:    "ORD-" + txn,
		InterfaceType: domain.InterfaceOrder,
		Operation:     "CREATE_ORDER",
		Status:        domain.StatusNew,
		Severity:      domain.SeverityMedium,
		Category:      domain.CategoryBusinessRule,
		Retryable:     true,
		MaxRetries:    3,
		CustomerID:    customer,
		Timestamp:     time.Now().UTC(),
		ProcessedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestAcknowledgeThenResolve(t *testing.T) {
	store := memory.NewStore()
	bus := events.NewBus()
	var published []events.Event
	bus.Subscribe(func(e events.Event) { published = append(published, e) })
	svc := NewService(store.ExceptionRepo(), bus)
	seed(t, store, "TXN-1", "CUST-1")
	ctx := context.Background()

	exc, err := svc.Acknowledge(ctx, "TXN-1", "alice", "looking into it")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if exc.Status != domain.StatusAcknowledged || exc.AcknowledgedBy != "alice" || exc.AcknowledgedAt == nil {
		t.Fatalf("acknowledged = %+v", exc)
	}

	exc, err = svc.Resolve(ctx, "TXN-1", "alice", "fixed upstream")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if exc.Status != domain.StatusResolved || exc.ResolvedBy != "alice" || exc.ResolvedAt == nil {
		t.Fatalf("resolved = %+v", exc)
	}
	if exc.ResolutionNotes != "fixed upstream" {
		t.Fatalf("notes = %q", exc.ResolutionNotes)
	}

	if len(published) != 2 {
		t.Fatalf("published %d events, want 2", len(published))
	}
}

func TestResolve_TerminalStateRejectsFurtherMoves(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store.ExceptionRepo(), events.NewBus())
	seed(t, store, "TXN-2", "")
	ctx := context.Background()

	if _, err := svc.Resolve(ctx, "TXN-2", "alice", "done"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	_, err := svc.Acknowledge(ctx, "TXN-2", "bob", "")
	if !errors.Is(err, storage.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestAcknowledge_MissingTransaction(t *testing.T) {
	svc := NewService(memory.NewStore().ExceptionRepo(), events.NewBus())
	_, err := svc.Acknowledge(context.Background(), "missing", "alice", "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEscalateAllowsLaterRetryOutcome(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store.ExceptionRepo(), events.NewBus())
	seed(t, store, "TXN-3", "")
	ctx := context.Background()

	exc, err := svc.Escalate(ctx, "TXN-3", "alice", "needs ops attention")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if exc.Status != domain.StatusEscalated {
		t.Fatalf("status = %s", exc.Status)
	}
	if !exc.Status.AllowsRetry() {
		t.Fatal("escalated exceptions must remain retryable")
	}

	if _, err := svc.Close(ctx, "TXN-3", "alice", "abandoned"); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRelated(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store.ExceptionRepo(), events.NewBus())
	seed(t, store, "TXN-4", "CUST-9")
	seed(t, store, "TXN-5", "CUST-9")
	seed(t, store, "TXN-6", "CUST-other")
	ctx := context.Background()

	related, err := svc.Related(ctx, "TXN-4", 10)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(related) != 1 || related[0].TransactionID != "TXN-5" {
		t.Fatalf("related = %+v", related)
	}

	seed(t, store, "TXN-7", "")
	none, err := svc.Related(ctx, "TXN-7", 10)
	if err != nil || len(none) != 0 {
		t.Fatalf("related without customer = %+v, %v", none, err)
	}
}
