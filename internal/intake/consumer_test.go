package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bioflow/collector/internal/infra/kafka"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	messages []*kafka.Message
	events   *[]string
	log      func(string)
}

func (f *scriptedFetcher) Fetch(ctx context.Context) (*kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	f.log("fetch:" + msg.Topic)
	return msg, nil
}

func (f *scriptedFetcher) Close() error { return nil }

type flakyDLQ struct {
	mu       sync.Mutex
	failures int
	log      func(string)
}

func (d *flakyDLQ) Publish(ctx context.Context, sourceTopic string, key, value []byte, cause error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		d.log("dlq-fail")
		return errors.New("broker unreachable")
	}
	d.log("dlq-ok")
	return nil
}

// A message whose dead letter publish fails must be re-handled until
// it lands; fetching ahead would let a later commit advance the group
// offset past it.
func TestConsumerLoop_RehandlesUnfinalizedMessage(t *testing.T) {
	var mu sync.Mutex
	var events []string
	log := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	fetcher := &scriptedFetcher{
		messages: []*kafka.Message{
			{Topic: "first", Value: []byte("{not json")},
			{Topic: "second", Value: []byte("{not json")},
		},
		log: log,
	}
	dlq := &flakyDLQ{failures: 1, log: log}
	guard := NewGuard(&mockHandler{}, dlq, 1, time.Millisecond)

	loop := NewConsumerLoop("first", fetcher, guard)
	loop.Start(context.Background())
	defer loop.Stop()

	deadline := time.After(10 * time.Second)
	for {
		mu.Lock()
		done := len(events) >= 5
		mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			mu.Lock()
			t.Fatalf("timed out, events = %v", events)
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"fetch:first", "dlq-fail", "dlq-ok", "fetch:second", "dlq-ok"}
	if len(events) < len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i, e := range want {
		if events[i] != e {
			t.Fatalf("events[%d] = %q, want %q (full: %v)", i, events[i], e, events)
		}
	}
}
