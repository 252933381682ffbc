package configsync

import (
	"testing"
	"time"
)

func TestPublishUpdate_IncrementsOwnVectorAndApplies(t *testing.T) {
	r := New("node-a")
	u := r.PublishUpdate("bucket", "rate", 12.5, 5)

	if u.Vector["node-a"] != 1 {
		t.Fatalf("expected self vector entry to reach 1, got %d", u.Vector["node-a"])
	}

	got, ok := r.Get("bucket", "rate")
	if !ok || got.(float64) != 12.5 {
		t.Errorf("expected applied value 12.5, got %v (ok=%v)", got, ok)
	}
}

func TestReceiveUpdate_DominatingVectorWins(t *testing.T) {
	r := New("node-a")
	r.PublishUpdate("bucket", "rate", 1.0, 1)

	newer := Update{
		Section: "bucket", Parameter: "rate", Value: 2.0,
		Timestamp: time.Now(), OriginNodeID: "node-b", Priority: 1,
		Vector: VersionVector{"node-a": 1, "node-b": 1},
	}
	r.ReceiveUpdate(newer)

	got, _ := r.Get("bucket", "rate")
	if got.(float64) != 2.0 {
		t.Errorf("expected dominating update to apply, got %v", got)
	}
}

func TestReceiveUpdate_DominatedVectorDropped(t *testing.T) {
	r := New("node-a")
	r.PublishUpdate("bucket", "rate", 1.0, 1)
	r.PublishUpdate("bucket", "rate", 2.0, 1)

	stale := Update{
		Section: "bucket", Parameter: "rate", Value: 99.0,
		Timestamp: time.Now(), OriginNodeID: "node-b", Priority: 1,
		Vector: VersionVector{"node-a": 1},
	}
	r.ReceiveUpdate(stale)

	got, _ := r.Get("bucket", "rate")
	if got.(float64) != 2.0 {
		t.Errorf("expected stale update dropped, got %v", got)
	}
}

func TestReceiveUpdate_ConcurrentResolvesByPriorityThenTimestampThenOrigin(t *testing.T) {
	r := New("node-a")
	r.PublishUpdate("bucket", "rate", 1.0, 1)

	low := Update{
		Section: "bucket", Parameter: "rate", Value: 5.0,
		Timestamp: time.Now(), OriginNodeID: "node-b", Priority: 0,
		Vector: VersionVector{"node-b": 1},
	}
	r.ReceiveUpdate(low)
	got, _ := r.Get("bucket", "rate")
	if got.(float64) != 1.0 {
		t.Fatalf("lower-priority concurrent update should not win, got %v", got)
	}

	high := Update{
		Section: "bucket", Parameter: "rate", Value: 7.0,
		Timestamp: time.Now(), OriginNodeID: "node-c", Priority: 5,
		Vector: VersionVector{"node-c": 1},
	}
	r.ReceiveUpdate(high)
	got, _ = r.Get("bucket", "rate")
	if got.(float64) != 7.0 {
		t.Errorf("higher-priority concurrent update should win, got %v", got)
	}
}

func TestReceiveUpdate_ConcurrentEqualPriorityAndTimestampFallsBackToOriginID(t *testing.T) {
	ts := time.Now()

	fromA := Update{
		Section: "mesh", Parameter: "max_retries", Value: 5.0,
		Timestamp: ts, OriginNodeID: "node-a", Priority: 1,
		Vector: VersionVector{"node-a": 1},
	}
	fromB := Update{
		Section: "mesh", Parameter: "max_retries", Value: 8.0,
		Timestamp: ts, OriginNodeID: "node-b", Priority: 1,
		Vector: VersionVector{"node-b": 1},
	}

	// Both replicas see both updates, in opposite orders; node-b's id is
	// lexicographically greater, so both must converge on its value.
	x := New("node-x")
	x.ReceiveUpdate(fromA)
	x.ReceiveUpdate(fromB)

	y := New("node-y")
	y.ReceiveUpdate(fromB)
	y.ReceiveUpdate(fromA)

	for _, r := range []*Replicator{x, y} {
		got, _ := r.Get("mesh", "max_retries")
		if got.(float64) != 8.0 {
			t.Errorf("expected both replicas to converge on node-b's value 8, got %v", got)
		}
	}
}

func TestIsCoordinator_LexicographicallySmallestActiveNodeWins(t *testing.T) {
	a := New("node-a")
	if !a.IsCoordinator() {
		t.Fatal("sole node must be its own coordinator")
	}

	a.SetHeartbeatInterval(10 * time.Millisecond)
	a.MarkActive("node-0")
	if a.IsCoordinator() {
		t.Error("node-a should yield coordinator status to lexicographically smaller node-0")
	}

	time.Sleep(40 * time.Millisecond)
	if !a.IsCoordinator() {
		t.Error("node-a should regain coordinator status once node-0 goes stale")
	}
}

func TestRegisterCoordinatorHandler_FiresOnRoleFlip(t *testing.T) {
	r := New("node-b")
	roles := make(chan bool, 4)
	r.RegisterCoordinatorHandler(func(isCoordinator bool) {
		roles <- isCoordinator
	})

	r.SetHeartbeatInterval(10 * time.Millisecond)

	// A lexicographically smaller peer appearing demotes this node.
	r.MarkActive("node-a")
	select {
	case got := <-roles:
		if got {
			t.Fatal("expected a demotion announcement after node-a appeared")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a coordinator-change announcement on demotion")
	}

	// Once node-a goes stale, the next role check re-promotes and
	// announces it.
	time.Sleep(40 * time.Millisecond)
	if !r.IsCoordinator() {
		t.Fatal("expected node-b to regain coordinator status once node-a went stale")
	}
	select {
	case got := <-roles:
		if !got {
			t.Fatal("expected a promotion announcement after node-a went stale")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a coordinator-change announcement on promotion")
	}
}

func TestRegisterEventHandler_FiresOnAppliedUpdate(t *testing.T) {
	r := New("node-a")
	done := make(chan struct{}, 1)

	r.RegisterEventHandler(func(section, parameter string, old, new any, origin string) {
		if section == "bucket" && parameter == "rate" {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	r.PublishUpdate("bucket", "rate", 3.0, 1)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected event handler to fire on applied update")
	}
}
