// Package configsync replicates runtime configuration between mesh
// nodes by version-vector gossip, with deterministic conflict
// resolution and coordinator election.
package configsync

import (
	"sort"
	"sync"
	"time"
)

// VersionVector maps node-id to a monotonically increasing version.
type VersionVector map[string]int

// clone returns an independent copy of v.
func (v VersionVector) clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// compareResult is the outcome of comparing two version vectors.
type compareResult int

const (
	equal compareResult = iota
	dominates
	dominated
	concurrent
)

// compare returns how a relates to b component-wise.
func compare(a, b VersionVector) compareResult {
	aGreaterSomewhere := false
	bGreaterSomewhere := false

	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}

	for k := range keys {
		av, bv := a[k], b[k]
		if av > bv {
			aGreaterSomewhere = true
		} else if bv > av {
			bGreaterSomewhere = true
		}
	}

	switch {
	case aGreaterSomewhere && !bGreaterSomewhere:
		return dominates
	case bGreaterSomewhere && !aGreaterSomewhere:
		return dominated
	case !aGreaterSomewhere && !bGreaterSomewhere:
		return equal
	default:
		return concurrent
	}
}

// Update is one immutable configuration change, identified by the
// (Section, Parameter) key it applies to.
type Update struct {
	Section      string
	Parameter    string
	Value        any
	Timestamp    time.Time
	OriginNodeID string
	Priority     int
	Vector       VersionVector
}

func keyOf(section, parameter string) string { return section + "\x00" + parameter }

// applied tracks the last-applied update and vector for one key.
type applied struct {
	update Update
	vector VersionVector
}

// EventHandler is called with (section, parameter, old, new, origin)
// whenever an update is applied.
type EventHandler func(section, parameter string, old, new any, origin string)

// CoordinatorHandler is called with the new role whenever this node
// gains or loses coordinator status.
type CoordinatorHandler func(isCoordinator bool)

// Replicator owns one node's version vector, applied config state, and
// coordinator election.
type Replicator struct {
	selfNodeID string

	mu            sync.RWMutex
	vector        VersionVector
	state         map[string]applied
	activePeers   map[string]time.Time
	heartbeatIval time.Duration
	isCoordinator bool

	handlersMu    sync.Mutex
	handlers      []EventHandler
	coordHandlers []CoordinatorHandler
}

// New constructs a Replicator for selfNodeID.
func New(selfNodeID string) *Replicator {
	return &Replicator{
		selfNodeID:    selfNodeID,
		vector:        VersionVector{selfNodeID: 0},
		state:         make(map[string]applied),
		activePeers:   make(map[string]time.Time),
		heartbeatIval: time.Second,
		// a node with no peers yet is trivially its own coordinator;
		// this is the starting role, not an announced change.
		isCoordinator: true,
	}
}

// RegisterEventHandler adds a handler invoked on every applied update.
func (r *Replicator) RegisterEventHandler(h EventHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.handlers = append(r.handlers, h)
}

// RegisterCoordinatorHandler adds a handler invoked whenever this
// node's coordinator role flips.
func (r *Replicator) RegisterCoordinatorHandler(h CoordinatorHandler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.coordHandlers = append(r.coordHandlers, h)
}

func (r *Replicator) emit(section, parameter string, old, new any, origin string) {
	r.handlersMu.Lock()
	handlers := append([]EventHandler(nil), r.handlers...)
	r.handlersMu.Unlock()
	for _, h := range handlers {
		h(section, parameter, old, new, origin)
	}
}

// PublishUpdate creates, locally applies, and returns a new Update for
// (section, parameter, value), strictly incrementing this node's own
// version-vector entry.
func (r *Replicator) PublishUpdate(section, parameter string, value any, priority int) Update {
	r.mu.Lock()
	r.vector[r.selfNodeID]++
	u := Update{
		Section:      section,
		Parameter:    parameter,
		Value:        value,
		Timestamp:    time.Now(),
		OriginNodeID: r.selfNodeID,
		Priority:     priority,
		Vector:       r.vector.clone(),
	}
	r.mu.Unlock()

	r.applyUpdate(u)
	return u
}

// ReceiveUpdate absorbs a gossiped update from a peer, applying,
// dropping, or resolving it per the dominance/concurrency rules.
func (r *Replicator) ReceiveUpdate(u Update) {
	r.markActive(u.OriginNodeID)
	r.applyUpdate(u)
}

func (r *Replicator) applyUpdate(u Update) {
	key := keyOf(u.Section, u.Parameter)

	r.mu.Lock()
	defer r.mu.Unlock()

	prior, hasPrior := r.state[key]

	accept := false
	if !hasPrior {
		accept = true
	} else {
		switch compare(u.Vector, prior.vector) {
		case dominates:
			accept = true
		case dominated, equal:
			accept = false
		case concurrent:
			accept = resolveConflict(u, prior.update)
		}
	}

	// merge vectors component-wise regardless of acceptance
	merged := mergeVectors(r.vector, u.Vector)
	r.vector = merged

	if !accept {
		return
	}

	var old any
	if hasPrior {
		old = prior.update.Value
	}
	r.state[key] = applied{update: u, vector: u.Vector.clone()}

	go r.emit(u.Section, u.Parameter, old, u.Value, u.OriginNodeID)
}

// resolveConflict implements the deterministic tiebreak for concurrent
// updates: higher priority wins, then greater timestamp, then
// lexicographically greater origin-node-id. Returns true if incoming
// wins over current.
func resolveConflict(incoming, current Update) bool {
	if incoming.Priority != current.Priority {
		return incoming.Priority > current.Priority
	}
	if !incoming.Timestamp.Equal(current.Timestamp) {
		return incoming.Timestamp.After(current.Timestamp)
	}
	return incoming.OriginNodeID > current.OriginNodeID
}

func mergeVectors(a, b VersionVector) VersionVector {
	out := a.clone()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Get returns the currently applied value for (section, parameter).
func (r *Replicator) Get(section, parameter string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.state[keyOf(section, parameter)]
	if !ok {
		return nil, false
	}
	return a.update.Value, true
}

// VectorSnapshot returns a copy of the current version vector.
func (r *Replicator) VectorSnapshot() VersionVector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vector.clone()
}

// markActive records that nodeID was seen just now (e.g. on any
// inbound gossip or heartbeat), feeding coordinator election.
func (r *Replicator) markActive(nodeID string) {
	r.mu.Lock()
	r.activePeers[nodeID] = time.Now()
	r.recomputeCoordinatorLocked()
	r.mu.Unlock()
}

// MarkActive is the exported form used by callers observing peer
// liveness outside of a gossip update (e.g. the mesh heartbeat).
func (r *Replicator) MarkActive(nodeID string) {
	r.markActive(nodeID)
}

// SetHeartbeatInterval updates the current heartbeat interval used to
// define the active-peer staleness window (3x interval).
func (r *Replicator) SetHeartbeatInterval(d time.Duration) {
	r.mu.Lock()
	r.heartbeatIval = d
	r.recomputeCoordinatorLocked()
	r.mu.Unlock()
}

// recomputeCoordinatorLocked must be called with r.mu held. A role
// flip is announced to registered coordinator handlers.
func (r *Replicator) recomputeCoordinatorLocked() {
	staleAfter := 3 * r.heartbeatIval
	now := time.Now()

	candidates := []string{r.selfNodeID}
	for nodeID, lastSeen := range r.activePeers {
		if now.Sub(lastSeen) <= staleAfter {
			candidates = append(candidates, nodeID)
		}
	}
	sort.Strings(candidates)

	was := r.isCoordinator
	r.isCoordinator = candidates[0] == r.selfNodeID
	if r.isCoordinator != was {
		go r.emitCoordinator(r.isCoordinator)
	}
}

func (r *Replicator) emitCoordinator(isCoordinator bool) {
	r.handlersMu.Lock()
	handlers := append([]CoordinatorHandler(nil), r.coordHandlers...)
	r.handlersMu.Unlock()
	for _, h := range handlers {
		h(isCoordinator)
	}
}

// IsCoordinator reports whether this node is currently the coordinator:
// the lexicographically smallest id among self and active peers. The
// role is recomputed on every call so peers going stale are noticed
// (and announced) even when no gossip arrives to trigger it.
func (r *Replicator) IsCoordinator() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeCoordinatorLocked()
	return r.isCoordinator
}

// ActiveNodes returns the set of node ids considered active right now
// (self included).
func (r *Replicator) ActiveNodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	staleAfter := 3 * r.heartbeatIval
	now := time.Now()

	out := []string{r.selfNodeID}
	for nodeID, lastSeen := range r.activePeers {
		if now.Sub(lastSeen) <= staleAfter {
			out = append(out, nodeID)
		}
	}
	sort.Strings(out)
	return out
}
