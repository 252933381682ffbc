// Package envelope defines the typed message carried between the PWA, the
// cloud relay, and sidecar agents.
package envelope

import (
	"encoding/json"
	"time"
)

// Envelope is the unit of exchange on the relay's WebSocket connections.
// It is produced by a sender, consumed by the router, and never stored.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Metadata  Metadata       `json:"metadata"`
}

// Metadata carries optional routing hints inspected by the router, plus any
// caller-supplied keys. TargetSession/TargetUser/TargetDevice are promoted
// to first-class fields because the router's priority resolution reads
// them directly; Extra holds anything else the sender attached.
type Metadata struct {
	TargetSession string         `json:"target_session,omitempty"`
	TargetUser    string         `json:"target_user,omitempty"`
	TargetDevice  string         `json:"target_device,omitempty"`
	Extra         map[string]any `json:"-"`
}

// NewTimestamp returns the current time formatted the way envelopes expect.
func NewTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// MarshalJSON flattens Extra alongside the known routing keys so the wire
// shape stays a single "metadata" object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.TargetSession != "" {
		out["target_session"] = m.TargetSession
	}
	if m.TargetUser != "" {
		out["target_user"] = m.TargetUser
	}
	if m.TargetDevice != "" {
		out["target_device"] = m.TargetDevice
	}
	return json.Marshal(out)
}

// UnmarshalJSON lifts the known routing keys out of the raw object and
// keeps the rest in Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["target_session"].(string); ok {
		m.TargetSession = v
		delete(raw, "target_session")
	}
	if v, ok := raw["target_user"].(string); ok {
		m.TargetUser = v
		delete(raw, "target_user")
	}
	if v, ok := raw["target_device"].(string); ok {
		m.TargetDevice = v
		delete(raw, "target_device")
	}
	m.Extra = raw
	return nil
}
