// Package registry owns the set of live WebSocket connections and the
// three indices (by session, user, device) the router and liveness
// monitor read through.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/envelope"
)

// ErrMalformedFrame wraps a JSON decode failure on an otherwise-live
// socket. Callers MUST treat it as a dropped frame, not a connection
// error: malformed JSON is logged and the connection kept open.
var ErrMalformedFrame = errors.New("registry: malformed inbound frame")

// DeviceClass is the coarse category a session's device falls into;
// the router uses it to pick default recipients when no explicit
// target is present on an envelope.
type DeviceClass string

const (
	DeviceMobile  DeviceClass = "mobile"
	DeviceWeb     DeviceClass = "web"
	DeviceDesktop DeviceClass = "desktop"
)

// Claims is the subset of verified token claims the registry needs to
// install a connection. Kept separate from tokenissuer.Claims so this
// package has no import-time dependency on how tokens are verified.
type Claims struct {
	SessionID   string
	UserID      string
	DeviceID    string
	DeviceClass DeviceClass
	Scopes      []string
}

// Connection is one live, authenticated WebSocket peer.
type Connection struct {
	SessionID   string
	UserID      string
	DeviceID    string
	DeviceClass DeviceClass
	ConnectedAt time.Time

	conn *websocket.Conn

	mu           sync.Mutex
	lastActivity time.Time
	lastPing     time.Time
	sent         int64
	received     int64
	active       bool

	writeMu sync.Mutex
}

func newConnection(c *websocket.Conn, claims Claims) *Connection {
	now := time.Now()
	return &Connection{
		SessionID:    claims.SessionID,
		UserID:       claims.UserID,
		DeviceID:     claims.DeviceID,
		DeviceClass:  claims.DeviceClass,
		ConnectedAt:  now,
		conn:         c,
		lastActivity: now,
		lastPing:     now,
		active:       true,
	}
}

// touch records inbound activity; every inbound frame, pong
// envelopes included, counts.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.received++
	c.mu.Unlock()
}

// Stats is a point-in-time snapshot of one connection's counters.
type Stats struct {
	SessionID    string
	DeviceID     string
	DeviceClass  DeviceClass
	ConnectedAt  time.Time
	LastActivity time.Time
	Active       bool
	Sent         int64
	Received     int64
}

func (c *Connection) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		SessionID:    c.SessionID,
		DeviceID:     c.DeviceID,
		DeviceClass:  c.DeviceClass,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
		Active:       c.active,
		Sent:         c.sent,
		Received:     c.received,
	}
}

func (c *Connection) lastActivityTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) markPing() {
	c.mu.Lock()
	c.lastPing = time.Now()
	c.mu.Unlock()
}

// write sends env to the socket, serialized against concurrent writers
// on the same connection (gorilla/websocket requires a single writer).
func (c *Connection) write(env envelope.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	return nil
}

// Registry indexes live connections by session, user, and device, and
// serializes every mutation behind its own mutex, matching
// `cloud_relay/connection.py`'s ConnectionManager and the register/
// unregister channel discipline of a Go connection hub.
type Registry struct {
	mu        sync.RWMutex
	bySession map[string]*Connection
	byUser    map[string]map[string]*Connection // userID -> sessionID -> conn
	byDevice  map[string]*Connection
	startedAt time.Time
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		bySession: make(map[string]*Connection),
		byUser:    make(map[string]map[string]*Connection),
		byDevice:  make(map[string]*Connection),
		startedAt: time.Now(),
	}
}

// Accept installs a newly upgraded+authenticated socket and sends it a
// system/connected envelope carrying its session id.
func (r *Registry) Accept(socket *websocket.Conn, claims Claims) *Connection {
	conn := newConnection(socket, claims)

	r.mu.Lock()
	r.bySession[conn.SessionID] = conn
	if r.byUser[conn.UserID] == nil {
		r.byUser[conn.UserID] = make(map[string]*Connection)
	}
	r.byUser[conn.UserID][conn.SessionID] = conn
	r.byDevice[conn.DeviceID] = conn
	r.mu.Unlock()

	welcome := envelope.Envelope{
		ID:        uuid.New().String(),
		Type:      "system/connected",
		Timestamp: envelope.NewTimestamp(),
		Payload:   map[string]any{"session_id": conn.SessionID},
	}
	if err := conn.write(welcome); err != nil {
		log.Warn().Err(err).Str("session_id", conn.SessionID).Msg("failed to send system/connected")
	}

	return conn
}

// Disconnect removes session-id from every index and closes its
// socket best-effort. Idempotent.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	conn, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, sessionID)
	if sessions := r.byUser[conn.UserID]; sessions != nil {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.byUser, conn.UserID)
		}
	}
	if r.byDevice[conn.DeviceID] == conn {
		delete(r.byDevice, conn.DeviceID)
	}
	r.mu.Unlock()

	conn.mu.Lock()
	conn.active = false
	conn.mu.Unlock()
	_ = conn.conn.Close()
}

// Touch records inbound activity on sessionID (connection-level
// accounting), regardless of envelope type.
func (r *Registry) Touch(sessionID string) {
	r.mu.RLock()
	conn, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	if ok {
		conn.touch()
	}
}

// SendToSession delivers env to sessionID; on socket error it
// disconnects the peer and returns false.
func (r *Registry) SendToSession(sessionID string, env envelope.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.write(env); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("send-to-session failed, disconnecting")
		r.Disconnect(sessionID)
		return false
	}
	return true
}

// SendToUser delivers env to every live session of userID, iterating a
// stable snapshot so a failing peer cannot affect delivery to others.
func (r *Registry) SendToUser(userID string, env envelope.Envelope) int {
	r.mu.RLock()
	sessions := r.byUser[userID]
	snapshot := make([]*Connection, 0, len(sessions))
	for _, c := range sessions {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range snapshot {
		if err := conn.write(env); err != nil {
			r.Disconnect(conn.SessionID)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToDevice delivers env to deviceID's session, if live.
func (r *Registry) SendToDevice(deviceID string, env envelope.Envelope) bool {
	r.mu.RLock()
	conn, ok := r.byDevice[deviceID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := conn.write(env); err != nil {
		r.Disconnect(conn.SessionID)
		return false
	}
	return true
}

// Broadcast delivers env to every live connection except excludeSession
// (if non-empty), disconnecting any peer whose write fails.
func (r *Registry) Broadcast(env envelope.Envelope, excludeSession string) int {
	r.mu.RLock()
	snapshot := make([]*Connection, 0, len(r.bySession))
	for sid, c := range r.bySession {
		if sid == excludeSession {
			continue
		}
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range snapshot {
		if err := conn.write(env); err != nil {
			r.Disconnect(conn.SessionID)
			continue
		}
		delivered++
	}
	return delivered
}

// SessionsForUser returns the live session ids of userID whose device
// class is one of classes (all of them when classes is empty), used by
// the router to find eligible recipients by class.
func (r *Registry) SessionsForUser(userID string, classes ...DeviceClass) []string {
	want := make(map[DeviceClass]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for sid, conn := range r.byUser[userID] {
		if len(want) == 0 || want[conn.DeviceClass] {
			out = append(out, sid)
		}
	}
	return out
}

// Get returns the live connection for sessionID, if any.
func (r *Registry) Get(sessionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.bySession[sessionID]
	return conn, ok
}

// LastActivity reports the wall-clock time of a session's most recent
// inbound frame, used by the Pinger and Reaper.
func (r *Registry) LastActivity(sessionID string) (time.Time, bool) {
	r.mu.RLock()
	conn, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return conn.lastActivityTime(), true
}

// MarkPing records that a ping was just sent on sessionID.
func (r *Registry) MarkPing(sessionID string) {
	r.mu.RLock()
	conn, ok := r.bySession[sessionID]
	r.mu.RUnlock()
	if ok {
		conn.markPing()
	}
}

// AllSessionIDs returns a stable snapshot of every live session id, for
// sweepers that need to visit each connection once per tick.
func (r *Registry) AllSessionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySession))
	for sid := range r.bySession {
		out = append(out, sid)
	}
	return out
}

// RegistryStats is the aggregate view returned by /api/metrics.
type RegistryStats struct {
	ActiveConnections int
	UniqueUsers       int
	UniqueDevices     int
	MessagesSent      int64
	MessagesReceived  int64
	UptimeSeconds     int64
}

// Stats returns the aggregate connection/user/device counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sent, recv int64
	for _, conn := range r.bySession {
		s := conn.stats()
		sent += s.Sent
		recv += s.Received
	}

	return RegistryStats{
		ActiveConnections: len(r.bySession),
		UniqueUsers:       len(r.byUser),
		UniqueDevices:     len(r.byDevice),
		MessagesSent:      sent,
		MessagesReceived:  recv,
		UptimeSeconds:     int64(time.Since(r.startedAt).Seconds()),
	}
}

// SessionSnapshot describes one live session for GET /api/sessions.
type SessionSnapshot struct {
	SessionID    string
	DeviceID     string
	DeviceClass  DeviceClass
	ConnectedAt  time.Time
	LastActivity time.Time
	Active       bool
	Sent         int64
	Received     int64
}

// Sessions returns a snapshot of every live session belonging to userID.
func (r *Registry) Sessions(userID string) []SessionSnapshot {
	r.mu.RLock()
	sessions := r.byUser[userID]
	snapshot := make([]*Connection, 0, len(sessions))
	for _, c := range sessions {
		snapshot = append(snapshot, c)
	}
	r.mu.RUnlock()

	out := make([]SessionSnapshot, 0, len(snapshot))
	for _, conn := range snapshot {
		s := conn.stats()
		out = append(out, SessionSnapshot{
			SessionID:    s.SessionID,
			DeviceID:     s.DeviceID,
			DeviceClass:  s.DeviceClass,
			ConnectedAt:  s.ConnectedAt,
			LastActivity: s.LastActivity,
			Active:       s.Active,
			Sent:         s.Sent,
			Received:     s.Received,
		})
	}
	return out
}

// ReadEnvelope blocks until the next frame arrives on conn and decodes
// it as JSON. A transport error (socket closed, protocol violation) is
// returned as-is; a frame that arrived but failed to decode as JSON is
// wrapped in ErrMalformedFrame so callers can tell the two apart:
// malformed JSON is logged and the connection stays open, while a
// transport error ends the connection.
func (c *Connection) ReadEnvelope() (envelope.Envelope, error) {
	_, r, err := c.conn.NextReader()
	if err != nil {
		return envelope.Envelope{}, err
	}

	var env envelope.Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}

// Close closes the underlying socket with the given close code and
// reason, best-effort.
func (c *Connection) Close(code int, reason string) {
	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}
