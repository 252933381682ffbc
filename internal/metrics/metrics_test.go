package metrics

import "testing"

func TestSnapshot_ComputesSummaryStatistics(t *testing.T) {
	c := New(100)
	for _, ms := range []float64{10, 20, 30, 40, 100} {
		c.RecordSendLatencyMS(ms)
	}

	snap := c.Snapshot()
	if snap.SendLatency.Count != 5 {
		t.Fatalf("expected count 5, got %d", snap.SendLatency.Count)
	}
	if snap.SendLatency.Min != 10 || snap.SendLatency.Max != 100 {
		t.Errorf("expected min=10 max=100, got min=%v max=%v", snap.SendLatency.Min, snap.SendLatency.Max)
	}
	if snap.SendLatency.Mean != 40 {
		t.Errorf("expected mean 40, got %v", snap.SendLatency.Mean)
	}
}

func TestReservoir_EvictsOldestWhenFull(t *testing.T) {
	c := New(3)
	for i := 1; i <= 5; i++ {
		c.RecordSendLatencyMS(float64(i))
	}

	snap := c.Snapshot()
	if snap.SendLatency.Count != 3 {
		t.Fatalf("expected reservoir capped at 3, got %d", snap.SendLatency.Count)
	}
	if snap.SendLatency.Min != 3 || snap.SendLatency.Max != 5 {
		t.Errorf("expected only the latest 3 samples retained (3,4,5), got min=%v max=%v",
			snap.SendLatency.Min, snap.SendLatency.Max)
	}
}

func TestSnapshot_SuccessRateReflectsRetries(t *testing.T) {
	c := New(100)
	for i := 0; i < 9; i++ {
		c.RecordSendLatencyMS(10)
	}
	c.RecordRetry(1, 500)

	snap := c.Snapshot()
	want := 1.0 - 1.0/10.0
	if diff := snap.SuccessRate - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("expected success rate %v, got %v", want, snap.SuccessRate)
	}
}

func TestSnapshot_NoTrafficReportsPerfectSuccess(t *testing.T) {
	c := New(10)
	snap := c.Snapshot()
	if snap.SuccessRate != 1.0 {
		t.Errorf("expected success rate 1.0 with no traffic, got %v", snap.SuccessRate)
	}
}
