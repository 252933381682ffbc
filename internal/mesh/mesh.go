// Package mesh wires the Counter CRDT, token bucket, priority queue,
// retry manager, batch coalescer, adaptive heartbeat, config
// replicator, auto-tuner, metrics collector, and peer transport into
// one node of the mesh adapter.
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/autotuner"
	"github.com/oppiedev/meshrelay/internal/batch"
	"github.com/oppiedev/meshrelay/internal/bucket"
	"github.com/oppiedev/meshrelay/internal/configsync"
	"github.com/oppiedev/meshrelay/internal/crdt"
	"github.com/oppiedev/meshrelay/internal/envelope"
	"github.com/oppiedev/meshrelay/internal/heartbeat"
	"github.com/oppiedev/meshrelay/internal/meshnet"
	"github.com/oppiedev/meshrelay/internal/metrics"
	"github.com/oppiedev/meshrelay/internal/retry"
)

// Config aggregates every sub-component's tunables plus this node's
// identity and call quota.
type Config struct {
	NodeID           string
	CallQuota        int64
	Bucket           bucketConfig
	Batch            batch.Config
	Retry            retry.Config
	Heartbeat        heartbeat.Config
	AutoTuner        autotuner.Config
	MetricsCapacity  int
	Compression      meshnet.CompressionConfig
	PriorityQueueLen int
}

type bucketConfig struct {
	Rate     float64
	Capacity float64
}

// DefaultConfig returns the standard defaults for every sub-component.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:           nodeID,
		CallQuota:        0,
		Bucket:           bucketConfig{Rate: 10, Capacity: 20},
		Batch:            batch.DefaultConfig(),
		Retry:            retry.DefaultConfig(),
		Heartbeat:        heartbeat.DefaultConfig(),
		AutoTuner:        autotuner.DefaultConfig(),
		MetricsCapacity:  metrics.DefaultCapacity,
		Compression:      meshnet.DefaultCompressionConfig(),
		PriorityQueueLen: 256,
	}
}

// Adapter is one mesh node: it owns every sub-component listed in the
// package doc and exposes the three capability interfaces the
// Auto-Tuner drives.
type Adapter struct {
	cfg Config

	Counter    *crdt.Counter
	Bucket     *bucket.TokenBucket
	Queue      *bucket.PriorityQueue
	Retry      *retry.Manager
	Batch      *batch.Coalescer
	Heartbeat  *heartbeat.Heartbeat
	Replicator *configsync.Replicator
	Metrics    *metrics.Collector
	Tuner      *autotuner.Tuner
	Transport  *meshnet.Transport

	flagsMu            sync.Mutex
	enableRetries      bool
	enableBackpressure bool

	procMu      sync.Mutex
	runCtx      context.Context
	procStarted bool
}

// New assembles one mesh node's full sub-component graph.
func New(cfg Config) *Adapter {
	a := &Adapter{cfg: cfg, enableRetries: true}

	a.Counter = crdt.New(cfg.NodeID, cfg.CallQuota)
	a.Bucket = bucket.NewTokenBucket(cfg.Bucket.Rate, cfg.Bucket.Capacity)
	a.Queue = bucket.NewPriorityQueue(cfg.PriorityQueueLen)
	a.Metrics = metrics.New(cfg.MetricsCapacity)
	a.Replicator = configsync.New(cfg.NodeID)

	a.Transport = meshnet.New(cfg.NodeID, cfg.Compression, a.handlePeerFrame)

	a.Retry = retry.NewManager(cfg.Retry, a.sendCounterUpdate)
	a.Retry.SetRetryHook(func(_ string, attempt int, wait time.Duration) {
		a.Metrics.RecordRetry(attempt, float64(wait.Milliseconds()))
	})

	a.Batch = batch.New(cfg.Batch, a.flushBatch)
	a.Heartbeat = heartbeat.New(cfg.Heartbeat, a.sendHeartbeat)

	a.Tuner = autotuner.New(cfg.AutoTuner, cfg.NodeID, a.Metrics, a.Replicator, a.estimateLoss)

	a.Replicator.RegisterEventHandler(a.onConfigUpdated)
	a.Replicator.RegisterCoordinatorHandler(func(isCoordinator bool) {
		log.Info().Str("node_id", cfg.NodeID).Bool("coordinator", isCoordinator).
			Msg("mesh: coordinator role changed")
	})

	return a
}

// Run starts every background loop (heartbeat, auto-tuner, and, if
// backpressure is already enabled, the queue processor) until ctx is
// cancelled, flushing any buffered batch on the way out.
func (a *Adapter) Run(ctx context.Context) {
	a.procMu.Lock()
	a.runCtx = ctx
	a.procMu.Unlock()

	go a.Heartbeat.Run(ctx)
	go a.Tuner.Run(ctx)

	if a.backpressureEnabled() {
		a.ensureQueueProcessor()
	}

	<-ctx.Done()
	a.Batch.Flush()
}

// IncrementCounter grows this node's counter by delta for toolName,
// enqueueing the resulting update for batched, retried broadcast.
func (a *Adapter) IncrementCounter(delta int64, toolName string) error {
	u, err := a.Counter.Increment(delta, toolName)
	if err != nil {
		return err
	}
	a.Batch.Enqueue(u)
	return nil
}

// flushBatch hands a coalesced batch of counter updates to the retry
// manager, one idempotent in-flight message per merged origin. The
// message id doubles as the envelope id, so a peer's ack can name the
// exact in-flight entry it is acknowledging.
func (a *Adapter) flushBatch(merged []crdt.Update) {
	for _, u := range merged {
		messageID := uuid.NewString()
		env := counterUpdateEnvelope(u, messageID)
		if a.retriesEnabled() {
			a.Retry.Send(context.Background(), messageID, env)
		} else {
			a.sendCounterUpdate(env)
		}
	}
}

func counterUpdateEnvelope(u crdt.Update, messageID string) envelope.Envelope {
	return envelope.Envelope{
		ID:        messageID,
		Type:      "counter_update",
		Timestamp: envelope.NewTimestamp(),
		Payload: map[string]any{
			"node_id":    u.NodeID,
			"delta":      u.Delta,
			"logical_ts": u.LogicalTS,
		},
	}
}

func heartbeatEnvelope(nodeID string) envelope.Envelope {
	return envelope.Envelope{
		ID:        uuid.NewString(),
		Type:      "heartbeat",
		Timestamp: envelope.NewTimestamp(),
		Payload:   map[string]any{"node_id": nodeID},
	}
}

func configUpdateEnvelope(u configsync.Update) (envelope.Envelope, error) {
	payload, err := toPayloadMap(u)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return envelope.Envelope{
		ID:        uuid.NewString(),
		Type:      "config_update",
		Timestamp: envelope.NewTimestamp(),
		Payload:   payload,
	}, nil
}

func ackEnvelope(messageID string) envelope.Envelope {
	return envelope.Envelope{
		ID:        uuid.NewString(),
		Type:      "ack",
		Timestamp: envelope.NewTimestamp(),
		Payload:   map[string]any{"message_id": messageID},
	}
}

// toPayloadMap round-trips v through JSON into the map[string]any shape
// envelope.Envelope.Payload expects, so typed structs like
// configsync.Update can ride inside a uniform envelope.
func toPayloadMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("mesh: marshal payload: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mesh: unmarshal payload: %w", err)
	}
	return m, nil
}

// fromPayloadMap is toPayloadMap's inverse: it recovers a typed value
// out of an envelope's opaque payload map.
func fromPayloadMap(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("mesh: marshal payload map: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// sendCounterUpdate is the retry manager's SendFunc and the direct-send
// path when retries are disabled; it routes through egress so every
// counter update is paced the same way regardless of caller.
func (a *Adapter) sendCounterUpdate(env envelope.Envelope) {
	a.egress(bucket.PriorityCounterUpdate, env)
}

// sendHeartbeat is the Heartbeat's BeatFunc. The current interval also
// feeds the replicator's active-peer staleness window (3x interval).
func (a *Adapter) sendHeartbeat() {
	interval := a.Heartbeat.Interval()
	a.Metrics.RecordHeartbeatIntervalMS(float64(interval.Milliseconds()))
	a.Replicator.SetHeartbeatInterval(interval)
	a.egress(bucket.PriorityHeartbeat, heartbeatEnvelope(a.cfg.NodeID))
}

// PublishConfig broadcasts a config replicator update and gossips it to
// every linked peer.
func (a *Adapter) PublishConfig(section, parameter string, value any, priority int) {
	u := a.Replicator.PublishUpdate(section, parameter, value, priority)
	env, err := configUpdateEnvelope(u)
	if err != nil {
		log.Warn().Err(err).Str("section", section).Str("parameter", parameter).Msg("mesh: failed to encode config update")
		return
	}
	a.egress(bucket.PriorityStateSync, env)
}

// egress is the single entry point every outbound gossip message goes
// through: with backpressure enabled it queues the envelope for
// the priority processor task; otherwise it sends immediately,
// unpaced.
func (a *Adapter) egress(priority int, env envelope.Envelope) {
	if a.backpressureEnabled() {
		if !a.Queue.Insert(priority, env) {
			log.Warn().Str("type", env.Type).Msg("mesh: priority queue full, dropping envelope")
		}
		a.ensureQueueProcessor()
		return
	}
	a.sendDirect(env)
}

// sendDirect broadcasts env to every peer, recording send latency. Any
// failed peer send counts toward the adaptive heartbeat's failure
// streak.
func (a *Adapter) sendDirect(env envelope.Envelope) {
	start := time.Now()
	failed := a.Transport.Broadcast(env.Type, env)
	a.Metrics.RecordSendLatencyMS(float64(time.Since(start).Milliseconds()))
	if failed > 0 {
		a.Heartbeat.OnFailure()
	}
}

// sendAck notifies peerNodeID that messageID was applied, letting its
// retry manager cancel further retries. Acks bypass the
// priority queue: they are small, unretried, and must not sit behind
// backpressure, or the retry they are meant to cancel could fire first.
func (a *Adapter) sendAck(peerNodeID, messageID string) {
	if messageID == "" {
		return
	}
	if err := a.Transport.SendTo(peerNodeID, "ack", ackEnvelope(messageID)); err != nil {
		log.Debug().Err(err).Str("peer", peerNodeID).Msg("mesh: failed to send ack")
	}
}

// ensureQueueProcessor idempotently starts the single egress processor
// task required once backpressure is enabled. Once started it
// keeps running until Run's context is cancelled, so entries already
// queued finish draining even if backpressure is later disabled;
// further calls are no-ops.
func (a *Adapter) ensureQueueProcessor() {
	a.procMu.Lock()
	defer a.procMu.Unlock()

	if a.procStarted || a.runCtx == nil {
		return
	}
	a.procStarted = true
	go a.queueProcessorLoop(a.runCtx)
}

// queueProcessorLoop repeatedly selects the highest-priority queued
// entry, waits out any token-bucket deficit, then forwards the
// envelope. It wakes on the queue's notify channel rather
// than polling, with a periodic fallback tick as a safety net.
func (a *Adapter) queueProcessorLoop(ctx context.Context) {
	notify := a.Queue.Notify()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		a.Metrics.RecordQueueLength(a.Queue.Len())

		env, ok := a.Queue.PopHighest()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-notify:
			case <-ticker.C:
			}
			continue
		}

		if wait := a.Bucket.Acquire(1); wait > 0 {
			a.Metrics.RecordBackpressureWaitMS(float64(wait.Milliseconds()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		a.forwardQueued(env)
	}
}

// forwardQueued sends one dequeued envelope, catching and logging a
// panic so the processor task survives it.
func (a *Adapter) forwardQueued(env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("type", env.Type).Msg("mesh: queue processor send panicked")
			time.Sleep(10 * time.Millisecond)
		}
	}()
	a.sendDirect(env)
}

// handlePeerFrame is the meshnet.Handler invoked for every decoded
// gossip frame from a peer link.
func (a *Adapter) handlePeerFrame(peerNodeID, msgType string, decodeInto func(v any) error) {
	a.Replicator.MarkActive(peerNodeID)

	var env envelope.Envelope
	if err := decodeInto(&env); err != nil {
		log.Warn().Err(err).Str("peer", peerNodeID).Str("type", msgType).Msg("mesh: malformed peer frame")
		return
	}

	switch msgType {
	case "counter_update":
		var payload struct {
			NodeID    string `json:"node_id"`
			Delta     int64  `json:"delta"`
			LogicalTS int64  `json:"logical_ts"`
		}
		if err := fromPayloadMap(env.Payload, &payload); err != nil {
			log.Warn().Err(err).Msg("mesh: malformed counter_update payload")
			return
		}
		a.Counter.Apply(crdt.Update{
			NodeID:    payload.NodeID,
			Delta:     payload.Delta,
			LogicalTS: payload.LogicalTS,
		})
		a.sendAck(peerNodeID, env.ID)
	case "config_update":
		var u configsync.Update
		if err := fromPayloadMap(env.Payload, &u); err != nil {
			log.Warn().Err(err).Msg("mesh: malformed config_update payload")
			return
		}
		a.Replicator.ReceiveUpdate(u)
		a.sendAck(peerNodeID, env.ID)
	case "heartbeat":
		a.Heartbeat.OnSuccess()
	case "ack":
		if messageID, ok := env.Payload["message_id"].(string); ok {
			a.Retry.Ack(messageID)
		}
	}
}

// estimateLoss derives a rough packet-loss estimate from the retry
// manager's in-flight backlog relative to recent message volume, since
// there is no lower-level transport loss signal available.
func (a *Adapter) estimateLoss() float64 {
	inFlight := a.Retry.InFlightCount()
	if inFlight == 0 {
		return 0
	}
	snap := a.Metrics.Snapshot()
	denom := snap.Messages + int64(inFlight)
	if denom == 0 {
		return 0
	}
	return float64(inFlight) / float64(denom)
}

func (a *Adapter) retriesEnabled() bool {
	a.flagsMu.Lock()
	defer a.flagsMu.Unlock()
	return a.enableRetries
}

func (a *Adapter) setRetriesEnabled(v bool) {
	a.flagsMu.Lock()
	a.enableRetries = v
	a.flagsMu.Unlock()
}

func (a *Adapter) backpressureEnabled() bool {
	a.flagsMu.Lock()
	defer a.flagsMu.Unlock()
	return a.enableBackpressure
}

func (a *Adapter) setBackpressureEnabled(v bool) {
	a.flagsMu.Lock()
	a.enableBackpressure = v
	a.flagsMu.Unlock()
}

// onConfigUpdated applies an accepted config update to the owning
// sub-component, mirroring the reference adapter's special-cased
// dispatch by (section, parameter).
func (a *Adapter) onConfigUpdated(section, parameter string, _, newValue any, origin string) {
	switch {
	case section == "bucket" && parameter == "token-rate-scale":
		scale, ok := newValue.(float64)
		if !ok {
			return
		}
		a.ConfigureTokenBucket(a.cfg.Bucket.Rate*scale, a.cfg.Bucket.Capacity)
	case section == "bucket" && parameter == "backpressure-enabled":
		if enabled, ok := newValue.(bool); ok {
			a.setBackpressureEnabled(enabled)
			if enabled {
				a.ensureQueueProcessor()
			}
		}
	case section == "batch" && parameter == "batch-size-limit-scale":
		if scale, ok := newValue.(float64); ok {
			a.ConfigureBatch(int(float64(a.cfg.Batch.SizeLimit)*scale), a.cfg.Batch.TimeLimit)
		}
	case section == "batch" && parameter == "batch-time-limit-scale":
		if scale, ok := newValue.(float64); ok {
			a.ConfigureBatch(a.cfg.Batch.SizeLimit, time.Duration(float64(a.cfg.Batch.TimeLimit)*scale))
		}
	case section == "retry" && parameter == "retries-enabled":
		if enabled, ok := newValue.(bool); ok {
			a.setRetriesEnabled(enabled)
		}
	case section == "retry" && parameter == "max-retries-increment":
		if n, ok := newValue.(float64); ok {
			a.Retry.BumpMaxRetries(int(n))
		}
	case section == "retry" && parameter == "retry-interval-ms":
		if ms, ok := newValue.(float64); ok {
			a.Retry.SetP95Override(time.Duration(ms) * time.Millisecond / 2)
		}
	case section == "mesh" && parameter == "compression-enabled":
		if enabled, ok := newValue.(bool); ok {
			a.cfg.Compression.Enabled = enabled
			a.Transport.SetCompression(a.cfg.Compression)
		}
	default:
		log.Debug().Str("section", section).Str("parameter", parameter).Str("origin", origin).
			Msg("mesh: config update applies to no known component")
	}
}

// ConfigureBatch satisfies the batch-coalescer capability interface by
// delegating to the owned Coalescer.
func (a *Adapter) ConfigureBatch(sizeLimit int, timeLimit time.Duration) {
	a.Batch.ConfigureBatch(sizeLimit, timeLimit)
	a.cfg.Batch.SizeLimit = sizeLimit
	a.cfg.Batch.TimeLimit = timeLimit
}

// ConfigureHeartbeat satisfies the heartbeat capability interface by
// delegating to the owned Heartbeat.
func (a *Adapter) ConfigureHeartbeat(interval time.Duration) {
	a.Heartbeat.ConfigureHeartbeat(interval)
}

// ConfigureTokenBucket satisfies the token-bucket capability interface
// by delegating to the owned TokenBucket.
func (a *Adapter) ConfigureTokenBucket(rate, capacity float64) {
	a.Bucket.ConfigureTokenBucket(rate, capacity)
	a.cfg.Bucket.Rate = rate
	a.cfg.Bucket.Capacity = capacity
}
