package sourceconn

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRequester struct {
	healthy atomic.Bool
	closed  atomic.Bool
}

func (f *fakeRequester) Invoke(ctx context.Context, route string, req, reply *json.RawMessage) error {
	if !f.healthy.Load() {
		return errors.New("connection reset")
	}
	*reply = json.RawMessage(`{"ok":true}`)
	return nil
}

func (f *fakeRequester) Healthy(ctx context.Context) bool { return f.healthy.Load() }

func (f *fakeRequester) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeDialer struct {
	failures atomic.Int32
	dials    atomic.Int32
	last     atomic.Pointer[fakeRequester]
}

func newFakeDialer(failBeforeSuccess int32) *fakeDialer {
	d := &fakeDialer{}
	d.failures.Store(failBeforeSuccess)
	return d
}

func (d *fakeDialer) dial(ctx context.Context, target string, timeout time.Duration) (Requester, error) {
	d.dials.Add(1)
	if d.failures.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	r := &fakeRequester{}
	r.healthy.Store(true)
	d.last.Store(r)
	return r, nil
}

func testConfig() Config {
	return Config{
		Host:             "localhost",
		Port:             7000,
		ConnectTimeout:   time.Second,
		ReconnectDelay:   20 * time.Millisecond,
		EstablishRetries: 3,
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid", func(c *Config) {}, true},
		{"missing host", func(c *Config) { c.Host = "" }, false},
		{"port zero", func(c *Config) { c.Port = 0 }, false},
		{"port too large", func(c *Config) { c.Port = 70000 }, false},
		{"negative timeout", func(c *Config) { c.ConnectTimeout = -time.Second }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("want validation error")
			}
		})
	}
}

func TestEstablishConnection_RetriesThenConnects(t *testing.T) {
	dialer := newFakeDialer(2)
	m, err := newManager(testConfig(), dialer.dial)
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}

	if err := m.EstablishConnection(context.Background()); err != nil {
		t.Fatalf("EstablishConnection: %v", err)
	}
	if got := m.State(); got != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", got)
	}
	if dialer.dials.Load() != 3 {
		t.Fatalf("dials = %d, want 3", dialer.dials.Load())
	}
}

func TestEstablishConnection_ExhaustsIntoFallback(t *testing.T) {
	dialer := newFakeDialer(100)
	m, err := newManager(testConfig(), dialer.dial)
	if err != nil {
		t.Fatalf("newManager: %v", err)
	}

	if err := m.EstablishConnection(context.Background()); err == nil {
		t.Fatal("want error after exhausting establish retries")
	}
	if got := m.State(); got != StateFallback {
		t.Fatalf("state = %s, want FALLBACK", got)
	}
	// 1 initial attempt + EstablishRetries retries.
	if dialer.dials.Load() != 4 {
		t.Fatalf("dials = %d, want 4", dialer.dials.Load())
	}
}

func TestGetRequester_FallsBackWhenDown(t *testing.T) {
	dialer := newFakeDialer(100)
	m, _ := newManager(testConfig(), dialer.dial)
	_ = m.EstablishConnection(context.Background())

	r := m.GetRequester()
	var reply json.RawMessage
	err := r.Invoke(context.Background(), "/source.ORDER/payload", nil, &reply)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestReportFailure_SchedulesSingleReconnect(t *testing.T) {
	dialer := newFakeDialer(0)
	m, _ := newManager(testConfig(), dialer.dial)
	m.Start(context.Background())
	defer m.Stop()

	if m.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED after start", m.State())
	}
	first := dialer.last.Load()

	// Concurrent failure reports must coalesce into one reconnect.
	m.ReportFailure(errors.New("broken pipe"))
	m.ReportFailure(errors.New("broken pipe"))

	if m.State() != StateDisconnected {
		t.Fatalf("state = %s, want DISCONNECTED right after failure", m.State())
	}
	if !first.closed.Load() {
		t.Fatal("old requester must be closed on teardown")
	}

	deadline := time.After(2 * time.Second)
	for m.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatalf("never reconnected, state = %s", m.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if dialer.dials.Load() != 2 {
		t.Fatalf("dials = %d, want 2 (initial + one reconnect)", dialer.dials.Load())
	}
}

func TestForceReconnect(t *testing.T) {
	dialer := newFakeDialer(0)
	m, _ := newManager(testConfig(), dialer.dial)
	m.Start(context.Background())
	defer m.Stop()

	first := dialer.last.Load()
	if err := m.ForceReconnect(context.Background()); err != nil {
		t.Fatalf("ForceReconnect: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", m.State())
	}
	if !first.closed.Load() {
		t.Fatal("previous requester must be disposed")
	}
	if second := dialer.last.Load(); second == first {
		t.Fatal("force reconnect must dial a fresh requester")
	}
}

func TestCheckHealth_FailedProbeTriggersReconnect(t *testing.T) {
	dialer := newFakeDialer(0)
	m, _ := newManager(testConfig(), dialer.dial)
	m.Start(context.Background())
	defer m.Stop()

	dialer.last.Load().healthy.Store(false)
	if m.CheckHealth(context.Background()) {
		t.Fatal("health check must fail on unhealthy requester")
	}
	if m.State() == StateConnected {
		t.Fatal("failed probe must tear the connection down")
	}
}

func TestStatus(t *testing.T) {
	dialer := newFakeDialer(0)
	m, _ := newManager(testConfig(), dialer.dial)

	st := m.Status()
	if st.Connected || st.State != "DISCONNECTED" {
		t.Fatalf("status = %+v, want disconnected", st)
	}

	_ = m.EstablishConnection(context.Background())
	st = m.Status()
	if !st.Connected || !st.RequesterAvailable || st.Host != "localhost" || st.Port != 7000 {
		t.Fatalf("status = %+v, want connected snapshot", st)
	}
}
