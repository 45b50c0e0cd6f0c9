package sourceconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bioflow/collector/internal/core/domain"
	"github.com/bioflow/collector/internal/metrics"
)

// ErrSourceUnavailable marks calls attempted while no live connection
// exists.
var ErrSourceUnavailable = errors.New("source service unavailable")

// State is the connection lifecycle state. Values are ordered for the
// prometheus gauge.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFallback
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFallback:
		return "FALLBACK"
	default:
		return "UNKNOWN"
	}
}

// Config holds the source service endpoint settings.
type Config struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	EstablishRetries uint64        `yaml:"establish_retries"`
	Breaker          BreakerConfig `yaml:"breaker"`
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("source: host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("source: port %d out of range", c.Port)
	}
	if c.ConnectTimeout < 0 || c.ReconnectDelay < 0 {
		return fmt.Errorf("source: timeouts must be positive")
	}
	return nil
}

func (c *Config) target() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Dialer opens a requester to the target. Swappable in tests.
type Dialer func(ctx context.Context, target string, timeout time.Duration) (Requester, error)

// Manager owns the single connection to the source service. It hides
// connection churn from callers: GetRequester always returns something
// usable, degrading to a fallback requester that fails fast while the
// connection is down. A broken connection schedules exactly one
// pending reconnect at a fixed delay.
type Manager struct {
	cfg    Config
	dial   Dialer
	logger *slog.Logger

	state            atomic.Int32
	reconnectPending atomic.Bool

	mu        sync.RWMutex
	requester Requester
	timer     *time.Timer

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
	return newManager(cfg, dialGRPC)
}

func newManager(cfg Config, dial Dialer) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.EstablishRetries == 0 {
		cfg.EstablishRetries = 3
	}
	m := &Manager{
		cfg:    cfg,
		dial:   dial,
		logger: slog.Default().With("component", "source-connection", "target", cfg.target()),
	}
	m.setState(StateDisconnected)
	return m, nil
}

// Start establishes the initial connection. Failure to connect is not
// fatal: the manager enters fallback mode and keeps reconnecting in
// the background.
func (m *Manager) Start(ctx context.Context) {
	m.rootCtx, m.cancel = context.WithCancel(ctx)
	if err := m.EstablishConnection(m.rootCtx); err != nil {
		m.logger.Warn("initial connection failed, entering fallback mode", "error", err)
		m.enterFallback()
		m.scheduleReconnect()
	}
}

// EstablishConnection dials the source service with bounded
// exponential backoff. On success the previous requester, if any, is
// disposed after the swap so in-flight calls on the old channel drain
// against a closing connection rather than a nil one.
func (m *Manager) EstablishConnection(ctx context.Context) error {
	m.setState(StateConnecting)

	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ExponentialBackOff{
		InitialInterval:     time.Second,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, m.cfg.EstablishRetries), ctx)

	var requester Requester
	err := backoff.Retry(func() error {
		r, dialErr := m.dial(ctx, m.cfg.target(), m.cfg.ConnectTimeout)
		if dialErr != nil {
			m.logger.Warn("connection attempt failed", "error", dialErr)
			return dialErr
		}
		requester = r
		return nil
	}, policy)
	if err != nil {
		m.enterFallback()
		return fmt.Errorf("establish connection to %s: %w", m.cfg.target(), err)
	}

	m.mu.Lock()
	old := m.requester
	m.requester = requester
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	m.setState(StateConnected)
	metrics.SourceReconnects.Inc()
	m.logger.Info("source connection established")
	return nil
}

// GetRequester returns the live requester, or a fail-fast fallback
// when the connection is down. Never returns nil and never blocks.
func (m *Manager) GetRequester() Requester {
	m.mu.RLock()
	r := m.requester
	m.mu.RUnlock()
	if r == nil || m.State() != StateConnected {
		return fallbackRequester{}
	}
	return r
}

// ReportFailure tells the manager a call on the current requester
// failed at the transport level. The connection is torn down and a
// reconnect is scheduled; duplicate reports coalesce into one pending
// reconnect.
func (m *Manager) ReportFailure(err error) {
	if m.State() != StateConnected {
		return
	}
	m.logger.Warn("source connection failure reported", "error", err)
	m.teardown()
	m.scheduleReconnect()
}

// ForceReconnect tears down the current connection and dials again
// immediately, bypassing the reconnect delay.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	m.logger.Info("forced reconnect requested")
	m.teardown()
	if err := m.EstablishConnection(ctx); err != nil {
		m.scheduleReconnect()
		return err
	}
	return nil
}

// CheckHealth probes the live connection. A failed probe is treated
// the same as a reported call failure.
func (m *Manager) CheckHealth(ctx context.Context) bool {
	if m.State() != StateConnected {
		return false
	}
	m.mu.RLock()
	r := m.requester
	m.mu.RUnlock()
	if r == nil {
		return false
	}
	if !r.Healthy(ctx) {
		m.ReportFailure(errors.New("health probe failed"))
		return false
	}
	return true
}

// Status reports the connection state for the status API.
func (m *Manager) Status() domain.ConnectionStatus {
	state := m.State()
	return domain.ConnectionStatus{
		State:              state.String(),
		Connected:          state == StateConnected,
		FallbackMode:       state == StateFallback,
		RequesterAvailable: state == StateConnected,
		Host:               m.cfg.Host,
		Port:               m.cfg.Port,
	}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
	metrics.SourceConnectionState.Set(float64(s))
}

func (m *Manager) enterFallback() {
	m.setState(StateFallback)
}

func (m *Manager) teardown() {
	m.mu.Lock()
	old := m.requester
	m.requester = nil
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	m.setState(StateDisconnected)
}

// scheduleReconnect arms a single delayed reconnect. The CAS keeps
// concurrent failure reports from stacking timers.
func (m *Manager) scheduleReconnect() {
	if !m.reconnectPending.CompareAndSwap(false, true) {
		return
	}
	m.logger.Info("reconnect scheduled", "delay", m.cfg.ReconnectDelay)
	m.wg.Add(1)
	t := time.AfterFunc(m.cfg.ReconnectDelay, func() {
		defer m.wg.Done()
		m.reconnectPending.Store(false)
		ctx := m.rootCtx
		if ctx == nil {
			ctx = context.Background()
		}
		if ctx.Err() != nil {
			return
		}
		if err := m.EstablishConnection(ctx); err != nil {
			m.logger.Warn("scheduled reconnect failed", "error", err)
			m.scheduleReconnect()
		}
	})
	m.mu.Lock()
	m.timer = t
	m.mu.Unlock()
}

// Stop cancels pending reconnects and closes the connection.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	t := m.timer
	m.timer = nil
	m.mu.Unlock()
	if t != nil && t.Stop() {
		m.wg.Done()
	}
	m.wg.Wait()
	m.teardown()
}
