package intake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/metrics"
)

// Handler processes a decoded inbound event. Implementations are
// expected to be idempotent: the guard may invoke Process more than
// once for the same event when an earlier attempt failed.
type Handler interface {
	Process(ctx context.Context, evt *domain.InboundEvent) error
}

// DeadLetterer routes the original raw payload to the dead letter
// topic for the given source topic.
type DeadLetterer interface {
	Publish(ctx context.Context, sourceTopic string, key, value []byte, cause error) error
}

// Guard wraps event processing with bounded retries and dead letter
// routing. A message is acknowledged exactly once: after successful
// processing, or after it has been handed to the dead letter topic.
type Guard struct {
	handler    Handler
	dlq        DeadLetterer
	retries    int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewGuard builds a Guard that retries a failed message `retries`
// times after the original invocation before dead lettering it.
func NewGuard(handler Handler, dlq DeadLetterer, retries int, retryDelay time.Duration) *Guard {
	if retries <= 0 {
		retries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Minute
	}
	return &Guard{
		handler:    handler,
		dlq:        dlq,
		retries:    retries,
		retryDelay: retryDelay,
		logger:     slog.Default().With("component", "intake-guard"),
	}
}

// Handle runs one raw message through decode, validation and the
// handler. It returns nil when the message is finished with, whether
// that is success or dead letter routing; a non-nil error means the
// message must not be acknowledged yet.
//
// Only a payload that fails to deserialize is terminal. Everything
// past that point, validation failures included, gets the same
// fixed-delay retry budget before the dead letter topic.
func (g *Guard) Handle(ctx context.Context, topic string, key, raw []byte) error {
	evt, err := domain.DecodeInboundEvent(raw)
	if err != nil {
		// Malformed payloads can never succeed on replay. Route
		// straight to the dead letter topic without retrying.
		g.logger.Error("undecodable message", "topic", topic, "error", err)
		return g.deadLetter(ctx, topic, key, raw, err)
	}

	var lastErr error
	for attempt := 1; attempt <= g.retries+1; attempt++ {
		if attempt > 1 {
			metrics.IntakeRetries.WithLabelValues(topic).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(g.retryDelay):
			}
		}
		lastErr = g.process(ctx, evt)
		if lastErr == nil {
			metrics.EventsConsumed.WithLabelValues(topic, "ok").Inc()
			return nil
		}
		g.logger.Warn("event processing failed",
			"topic", topic,
			"transaction_id", evt.TransactionID,
			"attempt", attempt,
			"max_attempts", g.retries+1,
			"error", lastErr)
	}

	metrics.EventsConsumed.WithLabelValues(topic, "exhausted").Inc()
	return g.deadLetter(ctx, topic, key, raw, lastErr)
}

func (g *Guard) process(ctx context.Context, evt *domain.InboundEvent) error {
	if err := evt.Validate(); err != nil {
		return fmt.Errorf("invalid inbound event: %w", err)
	}
	return g.handler.Process(ctx, evt)
}

func (g *Guard) deadLetter(ctx context.Context, topic string, key, raw []byte, cause error) error {
	if err := g.dlq.Publish(ctx, topic, key, raw, cause); err != nil {
		return fmt.Errorf("dead letter publish failed for %s: %w", topic, err)
	}
	metrics.DeadLetterPublished.WithLabelValues(topic).Inc()
	return nil
}
