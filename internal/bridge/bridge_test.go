package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// recordingWriter counts attempts per entity and fails the first
// failCount attempts for any entity before succeeding.
type recordingWriter struct {
	mu        sync.Mutex
	attempts  map[string]int
	failCount int
}

func newRecordingWriter(failCount int) *recordingWriter {
	return &recordingWriter{attempts: make(map[string]int), failCount: failCount}
}

func (w *recordingWriter) write(ctx context.Context, name, value string) error {
	w.mu.Lock()
	w.attempts[name]++
	n := w.attempts[name]
	w.mu.Unlock()
	if n <= w.failCount {
		return errors.New("transient write failure")
	}
	return nil
}

func (w *recordingWriter) attemptsFor(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts[name]
}

func newTestBridge(cfg Config, writer HostWriter) *Bridge {
	return New(cfg, writer, nil, zap.NewNop())
}

func TestSetConfirmsWriteAgainstHost(t *testing.T) {
	w := newRecordingWriter(0)
	b := newTestBridge(DefaultConfig(), w.write)
	defer b.Close(context.Background())

	if err := b.Set(context.Background(), "zone1_valve", "on"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := w.attemptsFor("zone1_valve"); got != 1 {
		t.Fatalf("expected 1 write attempt, got %d", got)
	}
}

func TestSetRetriesThenSucceeds(t *testing.T) {
	w := newRecordingWriter(2)
	cfg := DefaultConfig()
	b := newTestBridge(cfg, w.write)
	defer b.Close(context.Background())

	if err := b.Set(context.Background(), "zone1_pump", "on"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := w.attemptsFor("zone1_pump"); got != 3 {
		t.Fatalf("expected 3 write attempts (2 failures + 1 success), got %d", got)
	}
}

func TestSetReturnsErrorAfterExhaustingRetries(t *testing.T) {
	w := newRecordingWriter(100)
	cfg := DefaultConfig()
	cfg.WriteMaxAttempts = 2
	b := newTestBridge(cfg, w.write)
	defer b.Close(context.Background())

	if err := b.Set(context.Background(), "zone1_valve", "on"); err == nil {
		t.Fatal("expected Set to fail after exhausting retries")
	}
	if got := w.attemptsFor("zone1_valve"); got != 2 {
		t.Fatalf("expected 2 write attempts, got %d", got)
	}
	if got := b.FailedWritesTotal(); got != 1 {
		t.Fatalf("expected FailedWritesTotal 1, got %d", got)
	}
}

func TestSetDropsOldestWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	blocked := func(ctx context.Context, name, value string) error {
		<-gate
		return nil
	}
	cfg := DefaultConfig()
	cfg.WriteQueueCapacity = 1
	cfg.WriteMaxAttempts = 1
	b := newTestBridge(cfg, blocked)
	defer b.Close(context.Background())

	done1 := make(chan error, 1)
	go func() { done1 <- b.Set(context.Background(), "e1", "on") }()
	time.Sleep(30 * time.Millisecond) // worker dequeues e1, blocks in the writer on gate

	done2 := make(chan error, 1)
	go func() { done2 <- b.Set(context.Background(), "e2", "on") }()
	time.Sleep(30 * time.Millisecond) // e2 now sits alone in the capacity-1 queue

	done3 := make(chan error, 1)
	go func() { done3 <- b.Set(context.Background(), "e3", "on") }()
	time.Sleep(30 * time.Millisecond) // e3's Set call must drop e2 to enqueue

	select {
	case err := <-done2:
		if err == nil {
			t.Fatal("expected e2's Set call to fail after being dropped")
		}
	default:
		t.Fatal("expected e2's Set call to have already returned")
	}

	if got := b.DroppedWritesTotal(); got != 1 {
		t.Fatalf("expected 1 dropped write, got %d", got)
	}

	close(gate)

	if err := <-done1; err != nil {
		t.Fatalf("e1 Set: %v", err)
	}
	if err := <-done3; err != nil {
		t.Fatalf("e3 Set: %v", err)
	}
}

func TestGetTreatsSentinelsAsAbsent(t *testing.T) {
	b := newTestBridge(DefaultConfig(), func(ctx context.Context, name, value string) error { return nil })
	defer b.Close(context.Background())

	b.Ingest("sensor1", "unavailable", time.Now())
	if _, ok := b.Get("sensor1"); ok {
		t.Fatal("expected sentinel value to be treated as absent")
	}

	b.Ingest("sensor1", "62.5", time.Now())
	if v, ok := b.Get("sensor1"); !ok || v != "62.5" {
		t.Fatalf("expected present value 62.5, got %q ok=%v", v, ok)
	}
}

func TestGetNumericFallsBackOnNonNumeric(t *testing.T) {
	b := newTestBridge(DefaultConfig(), func(ctx context.Context, name, value string) error { return nil })
	defer b.Close(context.Background())

	b.Ingest("sensor1", "not-a-number", time.Now())
	if got := b.GetNumeric("sensor1", -1); got != -1 {
		t.Fatalf("expected fallback -1 for non-numeric value, got %f", got)
	}

	b.Ingest("sensor1", "42.0", time.Now())
	if got := b.GetNumeric("sensor1", -1); got != 42.0 {
		t.Fatalf("expected 42.0, got %f", got)
	}
}

func TestAgeReportsElapsedSinceIngest(t *testing.T) {
	b := newTestBridge(DefaultConfig(), func(ctx context.Context, name, value string) error { return nil })
	defer b.Close(context.Background())

	at := time.Now().Add(-5 * time.Minute)
	b.Ingest("sensor1", "60", at)

	age, ok := b.Age("sensor1", time.Now())
	if !ok {
		t.Fatal("expected age to be present after Ingest")
	}
	if age < 5*time.Minute {
		t.Fatalf("expected age >= 5m, got %s", age)
	}
}

func TestSubscribeFiresOnIngest(t *testing.T) {
	b := newTestBridge(DefaultConfig(), func(ctx context.Context, name, value string) error { return nil })
	defer b.Close(context.Background())

	var got string
	b.Subscribe("sensor1", func(name, value string, at time.Time) { got = value })
	b.Ingest("sensor1", "71.2", time.Now())

	if got != "71.2" {
		t.Fatalf("expected subscriber to observe 71.2, got %q", got)
	}
}
