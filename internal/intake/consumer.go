package intake

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bioflow/collector/internal/infra/kafka"
)

// Fetcher yields one raw message at a time. Satisfied by
// kafka.Consumer.
type Fetcher interface {
	Fetch(ctx context.Context) (*kafka.Message, error)
	Close() error
}

// ConsumerLoop drains one topic through the guard. One loop runs per
// configured topic; each owns its reader for the lifetime of the
// process.
type ConsumerLoop struct {
	topic   string
	fetcher Fetcher
	guard   *Guard
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewConsumerLoop(topic string, fetcher Fetcher, guard *Guard) *ConsumerLoop {
	return &ConsumerLoop{
		topic:   topic,
		fetcher: fetcher,
		guard:   guard,
		logger:  slog.Default().With("component", "intake-consumer", "topic", topic),
	}
}

func (l *ConsumerLoop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.run(ctx)
}

func (l *ConsumerLoop) run(ctx context.Context) {
	defer l.wg.Done()
	l.logger.Info("consumer loop started")
	for {
		msg, err := l.fetcher.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				l.logger.Info("consumer loop stopped")
				return
			}
			l.logger.Error("fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// The same message is re-handled until it is finished with.
		// Fetching past it would let a later commit advance the group
		// offset over the failure and lose it.
		for {
			err := l.guard.Handle(ctx, msg.Topic, msg.Key, msg.Value)
			if err == nil {
				break
			}
			l.logger.Error("message not finalized, re-handling", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		if err := msg.Ack(ctx); err != nil {
			l.logger.Error("offset commit failed", "error", err)
		}
	}
}

func (l *ConsumerLoop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	if err := l.fetcher.Close(); err != nil {
		l.logger.Error("reader close failed", "error", err)
	}
}
