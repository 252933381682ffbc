package envelope

import (
	"encoding/json"
	"testing"
)

func TestMetadata_RoundTripsRoutingKeysAndExtra(t *testing.T) {
	env := Envelope{
		ID:   "m1",
		Type: "chat",
		Metadata: Metadata{
			TargetUser: "u1",
			Extra:      map[string]any{"trace_id": "t1"},
		},
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.Metadata.TargetUser != "u1" {
		t.Fatalf("expected target_user to round-trip, got %q", got.Metadata.TargetUser)
	}
	if got.Metadata.Extra["trace_id"] != "t1" {
		t.Fatalf("expected extra key to round-trip, got %+v", got.Metadata.Extra)
	}
}

func TestMetadata_EmptyRoutingFieldsOmittedFromWire(t *testing.T) {
	raw, err := json.Marshal(Metadata{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != "{}" {
		t.Fatalf("expected empty metadata to marshal as {}, got %s", raw)
	}
}
