package retry

import (
	"context"
	"testing"
	"time"
)

func TestExecutor_SubmitUnblocksOnStop(t *testing.T) {
	// No workers started: nothing drains the queue.
	e := NewExecutor(1, 1)
	e.Submit(func(ctx context.Context) {})

	returned := make(chan struct{})
	go func() {
		// Queue is full; this send can only be released by Stop.
		e.Submit(func(ctx context.Context) {})
		close(returned)
	}()

	time.Sleep(20 * time.Millisecond)
	e.Stop()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit stayed blocked after Stop")
	}
}

func TestExecutor_SubmitAfterStopIsDropped(t *testing.T) {
	e := NewExecutor(1, 4)
	e.Start(context.Background())
	e.Stop()

	done := make(chan struct{})
	go func() {
		e.Submit(func(ctx context.Context) {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit after Stop must return immediately")
	}
}
