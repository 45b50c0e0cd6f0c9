package sourceconn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bioflow/collector/internal/metrics"
)

// ErrShortCircuited is returned when the breaker rejects a call
// without attempting it.
var ErrShortCircuited = errors.New("source call short-circuited by circuit breaker")

// CallPolicy wraps source service calls with a circuit breaker and a
// per-call timeout. Repeated failures open the circuit so a dead
// upstream does not soak up retry workers.
type CallPolicy struct {
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenFor     time.Duration `yaml:"open_for"`
	Interval    time.Duration `yaml:"interval"`
	CallTimeout time.Duration `yaml:"call_timeout"`
}

func NewCallPolicy(name string, cfg BreakerConfig) *CallPolicy {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	logger := slog.Default().With("component", "call-policy", "breaker", name)

	settings := gobreaker.Settings{
		Name:     name,
		Interval: cfg.Interval,
		Timeout:  cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
			metrics.BreakerTransitions.WithLabelValues(name, to.String()).Inc()
		},
	}
	return &CallPolicy{
		breaker: gobreaker.NewCircuitBreaker(settings),
		timeout: cfg.CallTimeout,
	}
}

// Execute runs fn under the breaker with the policy's timeout applied
// to the context.
func (p *CallPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := p.breaker.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return nil, fn(callCtx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrShortCircuited
	}
	return err
}

// State reports the breaker's current state name.
func (p *CallPolicy) State() string {
	return p.breaker.State().String()
}
