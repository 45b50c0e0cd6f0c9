package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/bioflow/collector/internal/control"
	"github.com/bioflow/collector/internal/core/config"
	"github.com/bioflow/collector/internal/sourceconn"
)

func TestGracefulShutdown(t *testing.T) {
	// Memory storage and a dead source endpoint: enough to start every
	// component without external infrastructure.
	cfg := config.AppConfig{
		Server: config.ServerConfig{Port: 18091},
		Source: sourceconn.Config{
			Host:             "localhost",
			Port:             7999,
			ConnectTimeout:   100 * time.Millisecond,
			ReconnectDelay:   time.Second,
			EstablishRetries: 1,
		},
		Retry:  config.RetryConfig{Workers: 1, QueueSize: 4, MaxAttempts: 3},
		Intake: config.IntakeConfig{Retries: 3, RetryDelay: 10 * time.Millisecond},
	}

	collector, err := control.NewCollector(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create collector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := collector.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let it run for a bit.
	time.Sleep(500 * time.Millisecond)

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	done := make(chan error, 1)
	go func() { done <- collector.Stop(stopCtx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Collector.Stop did not return within 10s")
	}
}
