// Package admission bounds how many mutating operations run at once.
// Two layers apply: a system-wide ceiling protecting the backend, and a
// per-caller ceiling so one user cannot consume the whole system.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bioflow/collector/internal/metrics"
)

var (
	// ErrSystemBusy is returned when the system-wide ceiling cannot be
	// acquired within the wait window.
	ErrSystemBusy = errors.New("system concurrency limit reached")
	// ErrCallerBusy is returned when the caller's own ceiling cannot be
	// acquired within the wait window.
	ErrCallerBusy = errors.New("caller concurrency limit reached")
)

const nearCapacityRatio = 0.8

// Config tunes the admission controller.
type Config struct {
	SystemLimit int           `yaml:"system_limit"`
	CallerLimit int           `yaml:"caller_limit"`
	SystemWait  time.Duration `yaml:"system_wait"`
	CallerWait  time.Duration `yaml:"caller_wait"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SystemLimit <= 0 {
		out.SystemLimit = 10
	}
	if out.CallerLimit <= 0 {
		out.CallerLimit = 3
	}
	if out.SystemWait <= 0 {
		out.SystemWait = 5 * time.Second
	}
	if out.CallerWait <= 0 {
		out.CallerWait = 2 * time.Second
	}
	return out
}

// Permit represents one admitted operation. Release is idempotent.
type Permit struct {
	release func()
	once    sync.Once
}

func (p *Permit) Release() {
	p.once.Do(p.release)
}

// Limiter is the two-level admission controller. The system semaphore
// is acquired first; only then is the caller's semaphore tried, and a
// caller-level rejection releases the system slot it was holding.
type Limiter struct {
	cfg    Config
	system *semaphore.Weighted
	logger *slog.Logger

	mu      sync.Mutex
	callers map[string]*callerSlot
	ops     map[uint64]Operation
	nextID  uint64
}

// Operation describes one admitted, still-running operation.
type Operation struct {
	Caller    string    `json:"caller"`
	Operation string    `json:"operation"`
	StartedAt time.Time `json:"started_at"`
}

type callerSlot struct {
	sem    *semaphore.Weighted
	active int
}

func NewLimiter(cfg Config) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		cfg:     cfg,
		system:  semaphore.NewWeighted(int64(cfg.SystemLimit)),
		callers: make(map[string]*callerSlot),
		ops:     make(map[uint64]Operation),
		logger:  slog.Default().With("component", "admission"),
	}
}

// Acquire admits one operation for the caller, blocking up to the
// configured waits. The returned permit must be released when the
// operation finishes. The operation name is recorded for the duration
// of the permit and surfaced through Stats.
func (l *Limiter) Acquire(ctx context.Context, caller, operation string) (*Permit, error) {
	if caller == "" {
		caller = "anonymous"
	}

	sysCtx, cancel := context.WithTimeout(ctx, l.cfg.SystemWait)
	err := l.system.Acquire(sysCtx, 1)
	cancel()
	if err != nil {
		metrics.PermitRejections.WithLabelValues("system").Inc()
		l.logger.Warn("system admission rejected", "caller", caller, "operation", operation)
		return nil, ErrSystemBusy
	}

	slot := l.slotFor(caller)
	callerCtx, cancel := context.WithTimeout(ctx, l.cfg.CallerWait)
	err = slot.sem.Acquire(callerCtx, 1)
	cancel()
	if err != nil {
		// Give the system slot back; the operation was never admitted.
		l.system.Release(1)
		metrics.PermitRejections.WithLabelValues("caller").Inc()
		l.logger.Warn("caller admission rejected", "caller", caller, "operation", operation)
		return nil, ErrCallerBusy
	}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.ops[id] = Operation{Caller: caller, Operation: operation, StartedAt: time.Now().UTC()}
	slot.active++
	l.mu.Unlock()
	metrics.ActivePermits.Inc()

	return &Permit{release: func() {
		l.mu.Lock()
		delete(l.ops, id)
		slot.active--
		l.mu.Unlock()
		slot.sem.Release(1)
		l.system.Release(1)
		metrics.ActivePermits.Dec()
	}}, nil
}

// slotFor returns the caller's semaphore, creating it on first use.
// Slots are never reclaimed; the caller population is small and
// stable.
func (l *Limiter) slotFor(caller string) *callerSlot {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot, ok := l.callers[caller]
	if !ok {
		slot = &callerSlot{sem: semaphore.NewWeighted(int64(l.cfg.CallerLimit))}
		l.callers[caller] = slot
	}
	return slot
}

// Stats is a snapshot of system-level admission state, including the
// operations currently holding permits.
type Stats struct {
	SystemLimit  int         `json:"system_limit"`
	CallerLimit  int         `json:"caller_limit"`
	Active       int         `json:"active"`
	Available    int         `json:"available"`
	NearCapacity bool        `json:"near_capacity"`
	Operations   []Operation `json:"active_operations"`
}

// CallerStats is a snapshot of one caller's admission state.
type CallerStats struct {
	Caller     string      `json:"caller"`
	Active     int         `json:"active"`
	Limit      int         `json:"limit"`
	Available  int         `json:"available"`
	Operations []Operation `json:"active_operations"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	ops := make([]Operation, 0, len(l.ops))
	for _, op := range l.ops {
		ops = append(ops, op)
	}
	l.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].StartedAt.Before(ops[j].StartedAt) })
	active := len(ops)
	return Stats{
		SystemLimit:  l.cfg.SystemLimit,
		CallerLimit:  l.cfg.CallerLimit,
		Active:       active,
		Available:    l.cfg.SystemLimit - active,
		NearCapacity: float64(active) >= float64(l.cfg.SystemLimit)*nearCapacityRatio,
		Operations:   ops,
	}
}

func (l *Limiter) StatsFor(caller string) CallerStats {
	if caller == "" {
		caller = "anonymous"
	}
	l.mu.Lock()
	stats := CallerStats{Caller: caller, Limit: l.cfg.CallerLimit, Available: l.cfg.CallerLimit, Operations: []Operation{}}
	if slot, ok := l.callers[caller]; ok {
		stats.Active = slot.active
		stats.Available = l.cfg.CallerLimit - slot.active
	}
	for _, op := range l.ops {
		if op.Caller == caller {
			stats.Operations = append(stats.Operations, op)
		}
	}
	l.mu.Unlock()

	sort.Slice(stats.Operations, func(i, j int) bool {
		return stats.Operations[i].StartedAt.Before(stats.Operations[j].StartedAt)
	})
	return stats
}

// NearCapacity reports whether active operations have crossed the
// warning threshold.
func (l *Limiter) NearCapacity() bool {
	return l.Stats().NearCapacity
}
