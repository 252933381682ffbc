// Package autotuner runs a periodic, coordinator-gated controller that
// reads the Metrics Collector and publishes capped adjustments through
// the Config Replicator when observed performance drifts from target.
package autotuner

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/configsync"
	"github.com/oppiedev/meshrelay/internal/metrics"
)

// NetworkBucket classifies observed conditions into the policy table's
// four tiers.
type NetworkBucket int

const (
	BucketGood NetworkBucket = iota
	BucketFair
	BucketPoor
	BucketExtreme
)

func (b NetworkBucket) String() string {
	switch b {
	case BucketGood:
		return "good"
	case BucketFair:
		return "fair"
	case BucketPoor:
		return "poor"
	default:
		return "extreme"
	}
}

// classify buckets by (p50 latency ms, estimated loss 0..1), inclusive
// upper bounds.
func classify(p50LatencyMS float64, estimatedLoss float64) NetworkBucket {
	switch {
	case p50LatencyMS <= 50 && estimatedLoss <= 0.01:
		return BucketGood
	case p50LatencyMS <= 200 && estimatedLoss <= 0.05:
		return BucketFair
	case p50LatencyMS <= 500 && estimatedLoss <= 0.10:
		return BucketPoor
	default:
		return BucketExtreme
	}
}

// Config holds the controller's tick interval and targets.
type Config struct {
	TickInterval     time.Duration
	MinSamples       int
	TargetP95MS      float64
	TargetSuccess    float64
	HysteresisFactor float64
	MaxAdjustmentPct float64
}

// DefaultConfig returns the controller's standard targets and caps.
func DefaultConfig() Config {
	return Config{
		TickInterval:     30 * time.Second,
		MinSamples:       10,
		TargetP95MS:      500,
		TargetSuccess:    0.95,
		HysteresisFactor: 0.10,
		MaxAdjustmentPct: 0.20,
	}
}

// Adjustment is one capped parameter change generated by a tick.
type Adjustment struct {
	Section   string
	Parameter string
	Value     any
}

// Adjuster applies an Adjustment to a live mesh component (token
// bucket, batch coalescer, retry manager, ...). Implementations live
// alongside the component they wrap.
type Adjuster interface {
	Apply(a Adjustment)
}

// EstimatedLossFunc reports the current estimated packet loss (0..1),
// derived from retry/drop counters outside of the Metrics Collector's
// latency reservoirs.
type EstimatedLossFunc func() float64

// Tuner wires a Metrics Collector and Config Replicator into a
// periodic controller gated on coordinator status.
type Tuner struct {
	cfg          Config
	metrics      *metrics.Collector
	replicator   *configsync.Replicator
	estimateLoss EstimatedLossFunc
	selfNodeID   string
}

// New constructs a Tuner for selfNodeID.
func New(cfg Config, selfNodeID string, m *metrics.Collector, r *configsync.Replicator, lossFn EstimatedLossFunc) *Tuner {
	if lossFn == nil {
		lossFn = func() float64 { return 0 }
	}
	return &Tuner{cfg: cfg, metrics: m, replicator: r, estimateLoss: lossFn, selfNodeID: selfNodeID}
}

// Run ticks every cfg.TickInterval until ctx is cancelled. A panic in
// one tick is caught and logged; the loop keeps its cadence.
func (t *Tuner) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.safeTick()
		}
	}
}

func (t *Tuner) safeTick() {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("node", t.selfNodeID).Msg("autotuner tick panicked")
			time.Sleep(100 * time.Millisecond)
		}
	}()
	t.tick()
}

func (t *Tuner) tick() {
	if !t.replicator.IsCoordinator() {
		return
	}

	snap := t.metrics.Snapshot()
	if snap.SendLatency.Count < t.cfg.MinSamples {
		return
	}

	p95 := snap.SendLatency.P95
	success := snap.SuccessRate

	latencyError := 0.0
	if p95 > t.cfg.TargetP95MS {
		latencyError = (p95 - t.cfg.TargetP95MS) / t.cfg.TargetP95MS
	}
	successError := 0.0
	if success < t.cfg.TargetSuccess {
		successError = (t.cfg.TargetSuccess - success) / t.cfg.TargetSuccess
	}

	if latencyError <= t.cfg.HysteresisFactor && successError <= t.cfg.HysteresisFactor {
		return
	}

	bucket := classify(snap.SendLatency.P50, t.estimateLoss())

	adjustments := t.generateAdjustments(snap, latencyError, successError, bucket)
	for _, adj := range adjustments {
		t.replicator.PublishUpdate(adj.Section, adj.Parameter, adj.Value, priorityFor(adj))
		log.Info().Str("node", t.selfNodeID).Str("section", adj.Section).
			Str("parameter", adj.Parameter).Interface("value", adj.Value).
			Str("network", bucket.String()).Msg("autotuner publishing adjustment")
	}
}

// priorityFor gives config adjustments a mid-range priority; the
// config replicator's own priority field governs tiebreaks between
// concurrently published updates, not wire priority.
func priorityFor(Adjustment) int { return 5 }

// generateAdjustments implements the tuning policy table: each
// adjustment factor is capped at MaxAdjustmentPct, and bucket-gated
// adjustments only fire for poor/extreme conditions.
func (t *Tuner) generateAdjustments(snap metrics.Snapshot, latencyError, successError float64, bucket NetworkBucket) []Adjustment {
	var out []Adjustment

	poorOrWorse := bucket == BucketPoor || bucket == BucketExtreme
	factor := math.Min(math.Max(latencyError, successError), t.cfg.MaxAdjustmentPct)
	if factor <= 0 {
		factor = t.cfg.MaxAdjustmentPct
	}

	if latencyError > t.cfg.HysteresisFactor {
		if poorOrWorse {
			out = append(out,
				Adjustment{Section: "batch", Parameter: "batch-size-limit-scale", Value: 1 + factor},
				Adjustment{Section: "batch", Parameter: "batch-time-limit-scale", Value: 1 + factor},
				Adjustment{Section: "bucket", Parameter: "backpressure-enabled", Value: true},
			)
			if bucket == BucketExtreme {
				out = append(out, Adjustment{Section: "mesh", Parameter: "compression-enabled", Value: true})
			}
		}
		lf := math.Min(latencyError, t.cfg.MaxAdjustmentPct)
		out = append(out, Adjustment{Section: "bucket", Parameter: "token-rate-scale", Value: 1 - lf/2})
	}

	if successError > t.cfg.HysteresisFactor {
		if poorOrWorse {
			sf := math.Min(successError, t.cfg.MaxAdjustmentPct)
			out = append(out,
				Adjustment{Section: "batch", Parameter: "batch-size-limit-scale", Value: 1 - sf},
				Adjustment{Section: "retry", Parameter: "retries-enabled", Value: true},
				Adjustment{Section: "retry", Parameter: "max-retries-increment", Value: 1},
			)
		}
		out = append(out, Adjustment{
			Section: "retry", Parameter: "retry-interval-ms", Value: 2 * snap.SendLatency.P95,
		})
	}

	return out
}
