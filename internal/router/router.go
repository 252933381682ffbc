// Package router dispatches inbound envelopes to their recipients by
// explicit target, message-type policy, or sender device class.
//
// The registry is the sole authority over live connections; the router
// only ever carries session ids through its queue and re-resolves them
// through the registry on each dispatch, breaking the registry<->router
// reference cycle.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/envelope"
	"github.com/oppiedev/meshrelay/internal/registry"
)

// HandlerFunc handles one envelope from senderSessionID; it is the Go
// shape of the "(sender-session-id, envelope) -> effect" contract in
// the design notes' dynamic-dispatch table.
type HandlerFunc func(reg *registry.Registry, senderSessionID string, env envelope.Envelope)

// inbound is one item of the router's single queue.
type inbound struct {
	senderSessionID string
	env             envelope.Envelope
}

// Router is the relay's single-consumer FIFO dispatcher.
type Router struct {
	reg      *registry.Registry
	queue    chan inbound
	handlers map[string]HandlerFunc
	byClass  map[registry.DeviceClass]HandlerFunc
}

// New constructs a Router with the default type-handler table wired in
// and a queue depth suitable for one cloud relay process.
func New(reg *registry.Registry) *Router {
	r := &Router{
		reg:      reg,
		queue:    make(chan inbound, 4096),
		handlers: make(map[string]HandlerFunc),
		byClass:  make(map[registry.DeviceClass]HandlerFunc),
	}
	r.registerDefaults()
	return r
}

// RegisterTypeHandler installs (or replaces) the handler for an
// envelope type string.
func (r *Router) RegisterTypeHandler(messageType string, h HandlerFunc) {
	r.handlers[messageType] = h
}

// RegisterClassHandler installs a fallback handler keyed by the
// sender's device class (step 5 of the resolution order).
func (r *Router) RegisterClassHandler(class registry.DeviceClass, h HandlerFunc) {
	r.byClass[class] = h
}

// Enqueue adds one envelope to the router's queue. It never blocks the
// caller beyond the channel buffer; a full queue means the relay is
// overloaded and the caller (the WebSocket read loop) should itself
// apply backpressure.
func (r *Router) Enqueue(senderSessionID string, env envelope.Envelope) {
	r.queue <- inbound{senderSessionID: senderSessionID, env: env}
}

// Run drains the queue on a single goroutine until ctx is cancelled.
// A panicking handler is caught and logged so one bad envelope cannot
// stop the queue.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-r.queue:
			r.dispatchSafely(item.senderSessionID, item.env)
		}
	}
}

func (r *Router) dispatchSafely(senderSessionID string, env envelope.Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("type", env.Type).Str("sender", senderSessionID).
				Msg("router dispatch panicked")
			time.Sleep(10 * time.Millisecond)
		}
	}()
	r.dispatch(senderSessionID, env)
}

// dispatch resolves one envelope through the six-step priority order.
func (r *Router) dispatch(senderSessionID string, env envelope.Envelope) {
	meta := env.Metadata

	if meta.TargetSession != "" {
		r.reg.SendToSession(meta.TargetSession, env)
		return
	}
	if meta.TargetDevice != "" {
		r.reg.SendToDevice(meta.TargetDevice, env)
		return
	}
	if meta.TargetUser != "" {
		r.reg.SendToUser(meta.TargetUser, env)
		return
	}
	if h, ok := r.handlers[env.Type]; ok {
		h(r.reg, senderSessionID, env)
		return
	}
	if conn, ok := r.reg.Get(senderSessionID); ok {
		if h, ok := r.byClass[conn.DeviceClass]; ok {
			h(r.reg, senderSessionID, env)
			return
		}
	}

	log.Warn().Str("type", env.Type).Str("sender", senderSessionID).Msg("router: no route for envelope, dropping")
}

func (r *Router) registerDefaults() {
	toSidecar := func(reg *registry.Registry, senderSessionID string, env envelope.Envelope) {
		sender, ok := reg.Get(senderSessionID)
		if !ok {
			return
		}
		targets := reg.SessionsForUser(sender.UserID, registry.DeviceDesktop)
		if len(targets) == 0 {
			errEnv := envelope.Envelope{
				ID:        env.ID,
				Type:      "error",
				Timestamp: envelope.NewTimestamp(),
				Payload: map[string]any{
					"error":               "No available Sidecar found",
					"code":                "NO_SIDECAR",
					"original_message_id": env.ID,
				},
			}
			reg.SendToSession(senderSessionID, errEnv)
			return
		}
		for _, sid := range targets {
			reg.SendToSession(sid, env)
		}
	}

	toPWA := func(reg *registry.Registry, senderSessionID string, env envelope.Envelope) {
		sender, ok := reg.Get(senderSessionID)
		if !ok {
			return
		}
		for _, sid := range reg.SessionsForUser(sender.UserID, registry.DeviceMobile, registry.DeviceWeb) {
			reg.SendToSession(sid, env)
		}
	}

	for _, t := range []string{"runPlan", "chat", "approve"} {
		r.RegisterTypeHandler(t, toSidecar)
	}
	for _, t := range []string{"progress", "diff", "recover"} {
		r.RegisterTypeHandler(t, toPWA)
	}
}
