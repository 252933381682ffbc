// Package liveness runs the Pinger and Reaper background sweeps over
// the Connection Registry.
package liveness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/envelope"
	"github.com/oppiedev/meshrelay/internal/registry"
)

// Config holds the Liveness Monitor's tunable intervals.
type Config struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	ReapInterval time.Duration
	ReapAfter    time.Duration
}

// DefaultConfig returns the standard sweep timings: ping every 30s,
// 15s pong timeout, reap sweep every 60s, reap after 600s idle.
func DefaultConfig() Config {
	return Config{
		PingInterval: 30 * time.Second,
		PongTimeout:  15 * time.Second,
		ReapInterval: 60 * time.Second,
		ReapAfter:    600 * time.Second,
	}
}

// Monitor owns the Pinger and Reaper loops for one registry.
type Monitor struct {
	reg *registry.Registry
	cfg Config
}

// New constructs a Monitor over reg.
func New(reg *registry.Registry, cfg Config) *Monitor {
	return &Monitor{reg: reg, cfg: cfg}
}

// Run starts the pinger and reaper and blocks until ctx is cancelled;
// both loops reach quiescence within one tick of cancellation.
func (m *Monitor) Run(ctx context.Context) {
	go m.pingerLoop(ctx)
	m.reaperLoop(ctx)
}

func (m *Monitor) pingerLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.pingSweep)
		}
	}
}

// sweep runs one sweeper pass, catching and logging a panic so the
// loop continues on its next tick.
func (m *Monitor) sweep(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("liveness sweep panicked")
			time.Sleep(50 * time.Millisecond)
		}
	}()
	fn()
}

func (m *Monitor) pingSweep() {
	now := time.Now()
	for _, sid := range m.reg.AllSessionIDs() {
		lastActivity, ok := m.reg.LastActivity(sid)
		if !ok {
			continue
		}
		if now.Sub(lastActivity) > m.cfg.PongTimeout {
			log.Debug().Str("session_id", sid).Msg("pinger: session idle past pong-timeout, disconnecting")
			if conn, ok := m.reg.Get(sid); ok {
				conn.Close(1000, "Session timeout")
			}
			m.reg.Disconnect(sid)
			continue
		}

		ping := envelope.Envelope{
			ID:        uuid.New().String(),
			Type:      "ping",
			Timestamp: envelope.NewTimestamp(),
		}
		if m.reg.SendToSession(sid, ping) {
			m.reg.MarkPing(sid)
		}
	}
}

func (m *Monitor) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(m.reapSweep)
		}
	}
}

func (m *Monitor) reapSweep() {
	now := time.Now()
	for _, sid := range m.reg.AllSessionIDs() {
		lastActivity, ok := m.reg.LastActivity(sid)
		if !ok {
			continue
		}
		if now.Sub(lastActivity) > m.cfg.ReapAfter {
			log.Info().Str("session_id", sid).Msg("reaper: idle connection exceeded 600s, disconnecting")
			if conn, ok := m.reg.Get(sid); ok {
				conn.Close(1000, "Session timeout")
			}
			m.reg.Disconnect(sid)
		}
	}
}
