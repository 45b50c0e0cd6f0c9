package sourceconn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCallPolicy_PassesThroughSuccess(t *testing.T) {
	p := NewCallPolicy("test-ok", BreakerConfig{MaxFailures: 2, OpenFor: 50 * time.Millisecond, CallTimeout: time.Second})
	called := false
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("fn not invoked")
	}
}

func TestCallPolicy_OpensAfterConsecutiveFailures(t *testing.T) {
	p := NewCallPolicy("test-open", BreakerConfig{MaxFailures: 2, OpenFor: time.Minute, CallTimeout: time.Second})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := p.Execute(context.Background(), func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: err = %v, want boom", i, err)
		}
	}

	err := p.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not run while circuit is open")
		return nil
	})
	if !errors.Is(err, ErrShortCircuited) {
		t.Fatalf("err = %v, want ErrShortCircuited", err)
	}
	if p.State() != "open" {
		t.Fatalf("state = %s, want open", p.State())
	}
}

func TestCallPolicy_HalfOpenRecovers(t *testing.T) {
	p := NewCallPolicy("test-recover", BreakerConfig{MaxFailures: 1, OpenFor: 20 * time.Millisecond, CallTimeout: time.Second})
	boom := errors.New("boom")

	_ = p.Execute(context.Background(), func(ctx context.Context) error { return boom })
	time.Sleep(30 * time.Millisecond)

	if err := p.Execute(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("half-open probe: %v", err)
	}
	if p.State() != "closed" {
		t.Fatalf("state = %s, want closed after recovery", p.State())
	}
}

func TestCallPolicy_AppliesTimeout(t *testing.T) {
	p := NewCallPolicy("test-timeout", BreakerConfig{MaxFailures: 5, OpenFor: time.Minute, CallTimeout: 10 * time.Millisecond})
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
