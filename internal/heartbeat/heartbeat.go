// Package heartbeat paces an adaptive keepalive: the interval
// multiplicatively increases on a success streak and multiplicatively
// decreases on a failure streak, clamped to [min, max].
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the adaptive heartbeat's bounds and thresholds.
type Config struct {
	Min              time.Duration
	Max              time.Duration
	SuccessThreshold int
	FailureThreshold int
}

// DefaultConfig returns the standard pacing: [0.2s, 5s], thresholds 3/1.
func DefaultConfig() Config {
	return Config{
		Min:              200 * time.Millisecond,
		Max:              5 * time.Second,
		SuccessThreshold: 3,
		FailureThreshold: 1,
	}
}

// BeatFunc emits one heartbeat envelope.
type BeatFunc func()

// Heartbeat owns the adaptive interval state for one mesh link.
type Heartbeat struct {
	cfg Config
	fn  BeatFunc

	mu            sync.Mutex
	interval      time.Duration
	successStreak int
	failureStreak int
}

// New constructs a Heartbeat starting at cfg.Max (the most conservative
// pacing) that calls fn on every beat.
func New(cfg Config, fn BeatFunc) *Heartbeat {
	return &Heartbeat{cfg: cfg, fn: fn, interval: cfg.Max}
}

// Interval reports the current pacing interval.
func (h *Heartbeat) Interval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interval
}

// OnSuccess records an inbound heartbeat from the peer. Once the
// success streak reaches SuccessThreshold, the interval widens by 1.5x
// (capped at Max) and both streaks reset.
func (h *Heartbeat) OnSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.successStreak++
	h.failureStreak = 0

	if h.successStreak >= h.cfg.SuccessThreshold {
		h.interval = time.Duration(float64(h.interval) * 1.5)
		if h.interval > h.cfg.Max {
			h.interval = h.cfg.Max
		}
		h.successStreak = 0
		h.failureStreak = 0
	}
}

// OnFailure records a send failure or an event-loop exception. Once the
// failure streak reaches FailureThreshold, the interval halves (floored
// at Min) and both streaks reset.
func (h *Heartbeat) OnFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.failureStreak++

	if h.failureStreak >= h.cfg.FailureThreshold {
		h.interval = h.interval / 2
		if h.interval < h.cfg.Min {
			h.interval = h.cfg.Min
		}
		h.successStreak = 0
		h.failureStreak = 0
	}
}

// ConfigureHeartbeat overrides the current interval directly, the
// capability the Auto-Tuner calls instead of probing attributes.
// It bypasses the success/failure streak logic; streaks are reset so
// the override isn't immediately undone by a pending threshold hit.
func (h *Heartbeat) ConfigureHeartbeat(interval time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if interval < h.cfg.Min {
		interval = h.cfg.Min
	}
	if interval > h.cfg.Max {
		interval = h.cfg.Max
	}
	h.interval = interval
	h.successStreak = 0
	h.failureStreak = 0
}

// Run emits beats at the current interval, re-reading it after each
// beat so OnSuccess/OnFailure take effect on the next tick, until ctx
// is cancelled. A panic in the beat callback is caught, logged, and
// counted as a failure; the loop continues.
func (h *Heartbeat) Run(ctx context.Context) {
	for {
		interval := h.Interval()
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("heartbeat beat panicked")
			h.OnFailure()
			time.Sleep(50 * time.Millisecond)
		}
	}()
	h.fn()
}
