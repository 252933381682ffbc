// Package batch accumulates counter updates into size/time-bounded
// buffers and merges same-origin entries before handoff to the Retry
// Manager.
package batch

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/crdt"
)

// Config holds the coalescer's size and time bounds.
type Config struct {
	SizeLimit int
	TimeLimit time.Duration
}

// DefaultConfig returns reasonable defaults for mesh counter gossip.
func DefaultConfig() Config {
	return Config{SizeLimit: 50, TimeLimit: 200 * time.Millisecond}
}

// FlushFunc receives one batch's merged updates, ready for the Retry
// Manager to hand to the transport.
type FlushFunc func(merged []crdt.Update)

// Coalescer buffers crdt.Update events and flushes them merged by
// origin node when either bound is reached.
type Coalescer struct {
	mu    sync.Mutex
	cfg   Config
	buf   []crdt.Update
	flush FlushFunc
	timer *time.Timer
}

// New constructs a Coalescer that calls flush whenever a batch closes.
func New(cfg Config, flush FlushFunc) *Coalescer {
	return &Coalescer{cfg: cfg, flush: flush}
}

// Enqueue adds one counter-update to the buffer, flushing immediately
// if the size bound is reached and arming a timer for the time bound
// on the first entry of a new batch.
func (c *Coalescer) Enqueue(u crdt.Update) {
	c.mu.Lock()

	if len(c.buf) == 0 {
		c.armTimerLocked()
	}
	c.buf = append(c.buf, u)

	if len(c.buf) >= c.cfg.SizeLimit {
		merged := c.drainLocked()
		c.mu.Unlock()
		c.flushSafely(merged)
		return
	}

	c.mu.Unlock()
}

func (c *Coalescer) armTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.cfg.TimeLimit, c.onTimerFired)
}

func (c *Coalescer) onTimerFired() {
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	merged := c.drainLocked()
	c.mu.Unlock()
	c.flushSafely(merged)
}

// flushSafely invokes the flush callback, catching and logging a panic
// so the timer goroutine and callers survive a bad downstream.
func (c *Coalescer) flushSafely(merged []crdt.Update) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("updates", len(merged)).Msg("batch flush panicked")
			time.Sleep(10 * time.Millisecond)
		}
	}()
	c.flush(merged)
}

// drainLocked merges buffered entries from the same origin node by
// summing delta and taking the max logical-ts, then clears the buffer.
// Caller holds c.mu.
func (c *Coalescer) drainLocked() []crdt.Update {
	byNode := make(map[string]*crdt.Update, len(c.buf))
	order := make([]string, 0, len(c.buf))

	for _, u := range c.buf {
		if existing, ok := byNode[u.NodeID]; ok {
			existing.Delta += u.Delta
			if u.LogicalTS > existing.LogicalTS {
				existing.LogicalTS = u.LogicalTS
			}
			continue
		}
		copyU := u
		byNode[u.NodeID] = &copyU
		order = append(order, u.NodeID)
	}

	merged := make([]crdt.Update, 0, len(order))
	for _, nodeID := range order {
		merged = append(merged, *byNode[nodeID])
	}

	c.buf = nil
	return merged
}

// Flush forces the current buffer out immediately, used on shutdown so
// no buffered update is silently lost.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	merged := c.drainLocked()
	c.mu.Unlock()
	c.flushSafely(merged)
}

// ConfigureBatch updates the size/time bounds live, the capability the
// Auto-Tuner calls instead of probing attributes.
func (c *Coalescer) ConfigureBatch(sizeLimit int, timeLimit time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.SizeLimit = sizeLimit
	c.cfg.TimeLimit = timeLimit
}
