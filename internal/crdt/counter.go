// Package crdt implements the per-node grow-only tool-invocation
// counter: local increments are commutative across nodes and remote
// updates are applied idempotently keyed by (node-id, logical-ts).
//
// Logical timestamps are wall-clock milliseconds (time.Now().UnixMilli()),
// raised to one past this node's previous timestamp when the clock has
// not advanced, so consecutive local updates never share a timestamp.
// This keeps the counter's original semantics rather than a Lamport clock;
// this accepts retrograde-wall-clock risk across nodes with a large clock
// skew, which is within the tolerance this deployment targets.
package crdt

import (
	"sync"
	"time"
)

// Update is one emitted or received counter-update event.
type Update struct {
	NodeID    string
	Delta     int64
	LogicalTS int64
	Kind      string
}

// replica tracks one remote node's last-applied state.
type replica struct {
	count            int64
	lastAppliedLogTS int64
}

// Counter is a grow-only counter replicated across mesh nodes. The
// total is always the sum of every node's count; a node only ever
// writes its own entry locally and absorbs others' entries via Apply.
type Counter struct {
	selfNodeID string
	quota      int64

	mu       sync.Mutex
	replicas map[string]*replica
}

// New constructs a Counter for selfNodeID. quota<=0 disables the quota
// check entirely.
func New(selfNodeID string, quota int64) *Counter {
	c := &Counter{
		selfNodeID: selfNodeID,
		quota:      quota,
		replicas:   make(map[string]*replica),
	}
	c.replicas[selfNodeID] = &replica{}
	return c
}

// QuotaExceededError is returned by Increment when applying the
// increment would push the total over the configured call limit.
type QuotaExceededError struct {
	ToolName string
	Total    int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return "quota exceeded for " + e.ToolName
}

// Increment grows this node's local count by delta and returns the
// counter-update event ready to broadcast onto the mesh. It refuses to
// apply (and returns QuotaExceededError) if doing so would exceed quota.
func (c *Counter) Increment(delta int64, toolName string) (Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.totalLocked()
	if c.quota > 0 && total+delta > c.quota {
		return Update{}, &QuotaExceededError{ToolName: toolName, Total: total, Limit: c.quota}
	}

	self := c.replicas[c.selfNodeID]
	self.count += delta
	ts := time.Now().UnixMilli()
	if ts <= self.lastAppliedLogTS {
		ts = self.lastAppliedLogTS + 1
	}
	self.lastAppliedLogTS = ts

	return Update{NodeID: c.selfNodeID, Delta: delta, LogicalTS: ts, Kind: "counter-update"}, nil
}

// Apply absorbs a remote counter-update idempotently: updates whose
// logical-ts does not exceed the stored last-applied-logical-ts for
// that node are silently dropped.
func (c *Counter) Apply(u Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.replicas[u.NodeID]
	if !ok {
		r = &replica{}
		c.replicas[u.NodeID] = r
	}

	if u.LogicalTS <= r.lastAppliedLogTS {
		return
	}

	r.count += u.Delta
	r.lastAppliedLogTS = u.LogicalTS
}

// Total returns the sum of every node's count.
func (c *Counter) Total() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalLocked()
}

func (c *Counter) totalLocked() int64 {
	var total int64
	for _, r := range c.replicas {
		total += r.count
	}
	return total
}

// NodeCount returns the count currently attributed to nodeID.
func (c *Counter) NodeCount(nodeID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.replicas[nodeID]; ok {
		return r.count
	}
	return 0
}

// QuotaExceeded reports whether the current total is at or past the
// configured call limit.
func (c *Counter) QuotaExceeded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quota > 0 && c.totalLocked() >= c.quota
}

// Reset clears every replica's state, for test isolation and for the
// "global singletons get explicit init/shutdown" design note.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replicas = map[string]*replica{c.selfNodeID: {}}
}
