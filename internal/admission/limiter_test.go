package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func fastConfig(system, caller int) Config {
	return Config{
		SystemLimit: system,
		CallerLimit: caller,
		SystemWait:  30 * time.Millisecond,
		CallerWait:  30 * time.Millisecond,
	}
}

func TestAcquireRelease(t *testing.T) {
	l := NewLimiter(fastConfig(2, 2))

	p, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := l.Stats().Active; got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	p.Release()
	if got := l.Stats().Active; got != 0 {
		t.Fatalf("active = %d after release, want 0", got)
	}
}

func TestSystemLimit_ThirdCallerBlocksThenFails(t *testing.T) {
	l := NewLimiter(fastConfig(2, 2))

	p1, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	p2, err := l.Acquire(context.Background(), "bob", "retry")
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	start := time.Now()
	_, err = l.Acquire(context.Background(), "carol", "retry")
	if !errors.Is(err, ErrSystemBusy) {
		t.Fatalf("err = %v, want ErrSystemBusy", err)
	}
	if waited := time.Since(start); waited < 25*time.Millisecond {
		t.Fatalf("third acquire returned after %v, must wait out the window", waited)
	}

	// After a release the third caller gets in.
	p1.Release()
	p3, err := l.Acquire(context.Background(), "carol", "retry")
	if err != nil {
		t.Fatalf("after release: %v", err)
	}
	p3.Release()
	p2.Release()
}

func TestCallerLimit_ReleasesSystemSlot(t *testing.T) {
	l := NewLimiter(fastConfig(10, 1))

	p1, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	_, err = l.Acquire(context.Background(), "alice", "retry")
	if !errors.Is(err, ErrCallerBusy) {
		t.Fatalf("err = %v, want ErrCallerBusy", err)
	}

	// The failed caller acquisition must not leak a system slot.
	if got := l.Stats().Active; got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	for i := 0; i < 9; i++ {
		p, err := l.Acquire(context.Background(), "bob-group", "retry")
		if err != nil {
			break
		}
		defer p.Release()
	}
	stats := l.Stats()
	if stats.Active != 2 {
		// bob-group has caller limit 1, so only one of the nine sticks.
		t.Fatalf("active = %d, want 2", stats.Active)
	}
	p1.Release()
}

func TestPermitReleaseIdempotent(t *testing.T) {
	l := NewLimiter(fastConfig(2, 2))
	p, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release()
	p.Release()
	p.Release()
	if got := l.Stats().Active; got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}

	// Both slots must still be acquirable.
	p1, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("re-acquire 1: %v", err)
	}
	p2, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("re-acquire 2: %v", err)
	}
	p1.Release()
	p2.Release()
}

func TestNearCapacity(t *testing.T) {
	l := NewLimiter(fastConfig(5, 5))
	var permits []*Permit
	for i := 0; i < 4; i++ {
		p, err := l.Acquire(context.Background(), "alice", "retry")
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		permits = append(permits, p)
	}
	if !l.NearCapacity() {
		t.Fatal("4 of 5 active must report near capacity")
	}
	permits[0].Release()
	if l.NearCapacity() {
		t.Fatal("3 of 5 active must not report near capacity")
	}
	for _, p := range permits[1:] {
		p.Release()
	}
}

func TestStatsFor(t *testing.T) {
	l := NewLimiter(fastConfig(10, 3))
	p, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release()

	st := l.StatsFor("alice")
	if st.Active != 1 || st.Available != 2 || st.Limit != 3 {
		t.Fatalf("alice stats = %+v", st)
	}
	if st := l.StatsFor("nobody"); st.Active != 0 || st.Available != 3 {
		t.Fatalf("unknown caller stats = %+v", st)
	}
}

func TestStats_TracksActiveOperations(t *testing.T) {
	l := NewLimiter(fastConfig(10, 3))
	p1, err := l.Acquire(context.Background(), "alice", "retry")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p2, err := l.Acquire(context.Background(), "bob", "acknowledge")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	st := l.Stats()
	if len(st.Operations) != 2 {
		t.Fatalf("operations = %+v, want 2 entries", st.Operations)
	}
	for _, op := range st.Operations {
		if op.StartedAt.IsZero() {
			t.Fatalf("operation without start time: %+v", op)
		}
	}
	if st.Operations[0].Caller != "alice" || st.Operations[0].Operation != "retry" {
		t.Fatalf("oldest operation = %+v, want alice/retry", st.Operations[0])
	}

	alice := l.StatsFor("alice")
	if len(alice.Operations) != 1 || alice.Operations[0].Operation != "retry" {
		t.Fatalf("alice operations = %+v", alice.Operations)
	}

	p1.Release()
	p2.Release()
	if st := l.Stats(); len(st.Operations) != 0 || st.Active != 0 {
		t.Fatalf("stats after release = %+v, want empty", st)
	}
}

func TestConcurrentAdmission(t *testing.T) {
	l := NewLimiter(Config{SystemLimit: 4, CallerLimit: 2, SystemWait: time.Second, CallerWait: time.Second})

	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		caller := []string{"a", "b", "c", "d"}[i%4]
		go func() {
			defer wg.Done()
			p, err := l.Acquire(context.Background(), caller, "retry")
			if err != nil {
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
			p.Release()
		}()
	}
	wg.Wait()

	if peak > 4 {
		t.Fatalf("peak concurrency = %d, exceeds system limit 4", peak)
	}
	if got := l.Stats().Active; got != 0 {
		t.Fatalf("active = %d after drain, want 0", got)
	}
}
