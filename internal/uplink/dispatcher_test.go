package uplink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"gateway/internal/storage/memory"
)

type recordingSink struct {
	mu       sync.Mutex
	failures int
	attempts []Pack
	sent     []Pack
}

func (s *recordingSink) Send(_ context.Context, p Pack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, p)
	if s.failures > 0 {
		s.failures--
		return errors.New("upstream unavailable")
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, p := range s.sent {
		out = append(out, p.Messages...)
	}
	return out
}

func runDispatcher(t *testing.T, q *memory.Queue, sink Sink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(Config{PollInterval: 5 * time.Millisecond, RetryBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}, q, sink, zaptest.NewLogger(t))
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDispatcherDeliversInOrderAndAcks(t *testing.T) {
	q := memory.NewQueue(3, 0)
	for i := 0; i < 7; i++ {
		q.Put(fmt.Sprintf("m%d", i))
	}
	sink := &recordingSink{}
	runDispatcher(t, q, sink)

	waitFor(t, "all messages delivered", func() bool { return len(sink.delivered()) == 7 })
	if got := fmt.Sprint(sink.delivered()); got != "[m0 m1 m2 m3 m4 m5 m6]" {
		t.Fatalf("unexpected delivery order %s", got)
	}
	waitFor(t, "queue drained", func() bool { return q.Len() == 0 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	for _, p := range sink.sent {
		if seen[p.ID] {
			t.Fatalf("pack id %s reused for a different pack", p.ID)
		}
		seen[p.ID] = true
	}
}

func TestDispatcherRetriesSamePackWithoutAck(t *testing.T) {
	q := memory.NewQueue(10, 0)
	q.Put("a")
	q.Put("b")
	sink := &recordingSink{failures: 3}
	runDispatcher(t, q, sink)

	waitFor(t, "pack delivered after retries", func() bool { return len(sink.delivered()) == 2 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.attempts) != 4 {
		t.Fatalf("expected 4 attempts, got %d", len(sink.attempts))
	}
	for _, p := range sink.attempts {
		if p.ID != sink.attempts[0].ID || fmt.Sprint(p.Messages) != "[a b]" {
			t.Fatalf("retry changed the pack: %+v", p)
		}
	}
}

func TestDispatcherPicksUpLateMessages(t *testing.T) {
	q := memory.NewQueue(10, 0)
	sink := &recordingSink{}
	runDispatcher(t, q, sink)

	time.Sleep(20 * time.Millisecond)
	q.Put("late")
	waitFor(t, "late message delivered", func() bool { return len(sink.delivered()) == 1 })
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{RetryBackoff: time.Minute}
	cfg.withDefaults()
	if cfg.PollInterval != 200*time.Millisecond || cfg.MaxBackoff != time.Minute {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
