package retry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oppiedev/meshrelay/internal/envelope"
)

func TestSend_RetriesExactlyMaxRetriesThenDrops(t *testing.T) {
	cfg := Config{BaseInterval: 10 * time.Millisecond, MaxInterval: 80 * time.Millisecond, MaxRetries: 3}

	var sends int32
	mgr := NewManager(cfg, func(env envelope.Envelope) {
		atomic.AddInt32(&sends, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Send(ctx, "m1", envelope.Envelope{ID: "m1"})

	// 1 initial send + up to MaxRetries retries, then the manager must
	// stop scheduling and drop the in-flight entry.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.InFlightCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if mgr.InFlightCount() != 0 {
		t.Fatal("expected message to be dropped from in-flight tracking after exhausting retries")
	}
	if got := atomic.LoadInt32(&sends); got != int32(cfg.MaxRetries+1) {
		t.Errorf("expected %d sends (1 initial + %d retries), got %d", cfg.MaxRetries+1, cfg.MaxRetries, got)
	}
}

func TestAck_CancelsRetryLoop(t *testing.T) {
	cfg := Config{BaseInterval: 20 * time.Millisecond, MaxInterval: 200 * time.Millisecond, MaxRetries: 10}

	var mu sync.Mutex
	var sends int

	mgr := NewManager(cfg, func(env envelope.Envelope) {
		mu.Lock()
		sends++
		mu.Unlock()
	})

	ctx := context.Background()
	mgr.Send(ctx, "m1", envelope.Envelope{ID: "m1"})

	time.Sleep(30 * time.Millisecond)
	mgr.Ack("m1")

	mu.Lock()
	sendsAtAck := sends
	mu.Unlock()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	sendsAfter := sends
	mu.Unlock()

	if sendsAfter != sendsAtAck {
		t.Errorf("expected no further sends after ack, got %d more", sendsAfter-sendsAtAck)
	}
	if mgr.InFlightCount() != 0 {
		t.Error("expected in-flight entry to be removed after ack")
	}
}

func TestSetRetryHook_FiresOncePerRetryNotOnInitialSend(t *testing.T) {
	cfg := Config{BaseInterval: 10 * time.Millisecond, MaxInterval: 50 * time.Millisecond, MaxRetries: 2}

	mgr := NewManager(cfg, func(env envelope.Envelope) {})

	var mu sync.Mutex
	var attempts []int
	mgr.SetRetryHook(func(messageID string, attempt int, wait time.Duration) {
		if messageID != "m1" {
			t.Errorf("expected hook called with m1, got %q", messageID)
		}
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Send(ctx, "m1", envelope.Envelope{ID: "m1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.InFlightCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != cfg.MaxRetries {
		t.Fatalf("expected the hook to fire exactly %d times (once per retry, never on the initial send), got %d: %v", cfg.MaxRetries, len(attempts), attempts)
	}
	for i, a := range attempts {
		if a != i+1 {
			t.Errorf("expected attempt %d to be %d, got %d", i, i+1, a)
		}
	}
}

func TestBumpMaxRetries_ExtendsRunningRetryBudget(t *testing.T) {
	cfg := Config{BaseInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, MaxRetries: 1}

	var sends int32
	mgr := NewManager(cfg, func(env envelope.Envelope) {
		atomic.AddInt32(&sends, 1)
	})
	mgr.BumpMaxRetries(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Send(ctx, "m1", envelope.Envelope{ID: "m1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.InFlightCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 1 initial send + (1 original + 2 bumped) retries.
	if got := atomic.LoadInt32(&sends); got != 4 {
		t.Errorf("expected 4 sends after bumping the retry budget to 3, got %d", got)
	}
}

func TestSend_PanickingSendFuncDoesNotEscapeRetryLoop(t *testing.T) {
	cfg := Config{BaseInterval: 10 * time.Millisecond, MaxInterval: 40 * time.Millisecond, MaxRetries: 2}

	var sends int32
	mgr := NewManager(cfg, func(env envelope.Envelope) {
		atomic.AddInt32(&sends, 1)
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Send(ctx, "m1", envelope.Envelope{ID: "m1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mgr.InFlightCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Every attempt panicked, yet the schedule still ran to exhaustion:
	// 1 initial send + 2 retries, then the entry was dropped.
	if got := atomic.LoadInt32(&sends); got != 3 {
		t.Errorf("expected 3 attempts despite the panicking send func, got %d", got)
	}
	if mgr.InFlightCount() != 0 {
		t.Error("expected the in-flight entry to be dropped after exhaustion")
	}
}

func TestFullJitterWait_NeverExceedsMaxInterval(t *testing.T) {
	for k := 1; k <= 10; k++ {
		wait := fullJitterWait(500*time.Millisecond, 30*time.Second, k)
		if wait < 0 || wait > 30*time.Second {
			t.Errorf("k=%d: wait %v out of [0, 30s]", k, wait)
		}
	}
}
