package retry

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of retry work.
type Task func(ctx context.Context)

// Executor runs retry tasks on a bounded worker pool so a burst of
// manual retries cannot spawn unbounded goroutines against the source
// service.
type Executor struct {
	tasks   chan Task
	workers int
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewExecutor(workers, queueSize int) *Executor {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Executor{
		tasks:   make(chan Task, queueSize),
		workers: workers,
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "retry-executor"),
	}
}

func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.logger.Info("retry executor started", "workers", e.workers)
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-e.tasks:
			if !ok {
				return
			}
			task(ctx)
		}
	}
}

// Submit enqueues a task, blocking when the queue is full. Tasks
// submitted after Stop are dropped, and a Submit blocked on a full
// queue unblocks when Stop runs instead of waiting on workers that
// have already exited.
func (e *Executor) Submit(task Task) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Warn("task dropped, executor stopped")
		return
	}
	e.mu.Unlock()

	select {
	case e.tasks <- task:
	case <-e.done:
		e.logger.Warn("task dropped, executor stopped")
	}
}

// Stop drains in-flight workers. Queued tasks that have not started
// are abandoned.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}
