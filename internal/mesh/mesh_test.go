package mesh

import (
	"testing"
	"time"
)

func testAdapter(t *testing.T) *Adapter {
	t.Helper()
	cfg := DefaultConfig("node-a")
	cfg.Batch.TimeLimit = time.Hour // keep batches from auto-flushing mid-test
	return New(cfg)
}

func TestIncrementCounter_EnqueuesIntoBatch(t *testing.T) {
	a := testAdapter(t)

	if err := a.IncrementCounter(3, "search"); err != nil {
		t.Fatalf("unexpected quota error: %v", err)
	}
	if a.Counter.Total() != 3 {
		t.Errorf("expected local counter to grow immediately, got %d", a.Counter.Total())
	}
}

func TestIncrementCounter_QuotaExceededPropagates(t *testing.T) {
	cfg := DefaultConfig("node-a")
	cfg.CallQuota = 2
	a := New(cfg)

	if err := a.IncrementCounter(1, "search"); err != nil {
		t.Fatalf("unexpected error under quota: %v", err)
	}
	if err := a.IncrementCounter(5, "search"); err == nil {
		t.Fatal("expected quota exceeded error")
	}
}

func TestConfigureBatch_UpdatesCoalescerAndRecordedConfig(t *testing.T) {
	a := testAdapter(t)
	a.ConfigureBatch(10, 50*time.Millisecond)
	if a.cfg.Batch.SizeLimit != 10 || a.cfg.Batch.TimeLimit != 50*time.Millisecond {
		t.Errorf("expected cfg to reflect new batch settings, got %+v", a.cfg.Batch)
	}
}

func TestConfigureHeartbeat_ClampsAndSetsInterval(t *testing.T) {
	a := testAdapter(t)
	a.ConfigureHeartbeat(2 * time.Second)
	if got := a.Heartbeat.Interval(); got != 2*time.Second {
		t.Errorf("expected interval set to 2s, got %v", got)
	}
}

func TestConfigureTokenBucket_UpdatesRateAndCapacity(t *testing.T) {
	a := testAdapter(t)
	a.ConfigureTokenBucket(5, 10)
	if a.cfg.Bucket.Rate != 5 || a.cfg.Bucket.Capacity != 10 {
		t.Errorf("expected cfg to reflect new bucket settings, got %+v", a.cfg.Bucket)
	}
}

func TestOnConfigUpdated_TogglesBackpressureAndRetries(t *testing.T) {
	a := testAdapter(t)

	a.onConfigUpdated("bucket", "backpressure-enabled", false, true, "node-b")
	if !a.enableBackpressure {
		t.Error("expected backpressure enabled")
	}

	a.onConfigUpdated("retry", "retries-enabled", true, false, "node-b")
	if a.enableRetries {
		t.Error("expected retries disabled")
	}
}

func TestOnConfigUpdated_EnablesCompressionOnLiveTransport(t *testing.T) {
	a := testAdapter(t)

	a.onConfigUpdated("mesh", "compression-enabled", false, true, "node-b")

	if !a.Transport.Compression().Enabled {
		t.Error("expected the compression toggle to reach the transport, not just the adapter's config copy")
	}
}

func TestOnConfigUpdated_RaisesRetryBudget(t *testing.T) {
	a := testAdapter(t)

	// JSON-decoded config values arrive as float64, the shape the
	// replicator hands every numeric parameter to this dispatch in.
	a.onConfigUpdated("retry", "max-retries-increment", nil, float64(2), "node-b")

	if got := a.Retry.InFlightCount(); got != 0 {
		t.Fatalf("bumping the budget must not create in-flight entries, got %d", got)
	}
	if got := a.Retry.MaxRetries(); got != a.cfg.Retry.MaxRetries+2 {
		t.Errorf("expected max retries raised by 2 over %d, got %d", a.cfg.Retry.MaxRetries, got)
	}
}

func TestOnConfigUpdated_ScalesTokenBucketRate(t *testing.T) {
	a := testAdapter(t)
	baseRate := a.cfg.Bucket.Rate

	a.onConfigUpdated("bucket", "token-rate-scale", nil, 0.5, "node-b")
	if a.cfg.Bucket.Rate != baseRate*0.5 {
		t.Errorf("expected rate scaled to half of %v, got %v", baseRate, a.cfg.Bucket.Rate)
	}
}
