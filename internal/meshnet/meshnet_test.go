package meshnet

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type gossipPayload struct {
	Section string `json:"section"`
	Counts  []int  `json:"counts"`
}

func TestEncodeDecode_RoundTripsUncompressedBelowThreshold(t *testing.T) {
	cfg := CompressionConfig{Enabled: true, Threshold: 1024}
	f, err := encode("counter_update", gossipPayload{Section: "x", Counts: []int{1, 2, 3}}, cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if f.Compressed {
		t.Fatal("expected small payload to stay uncompressed")
	}

	var got gossipPayload
	if err := decode(f, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Section != "x" || len(got.Counts) != 3 {
		t.Errorf("unexpected round-tripped payload: %+v", got)
	}
}

func TestEncodeDecode_CompressesLargeHighlyCompressiblePayload(t *testing.T) {
	cfg := CompressionConfig{Enabled: true, Threshold: 16}

	repeated := strings.Repeat("a", 4096)
	f, err := encode("state_sync", gossipPayload{Section: repeated}, cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !f.Compressed {
		t.Fatal("expected large repetitive payload to compress")
	}

	var got gossipPayload
	if err := decode(f, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Section != repeated {
		t.Error("decompressed payload did not match original")
	}
}

func TestEncode_SkipsCompressionWhenDisabled(t *testing.T) {
	cfg := CompressionConfig{Enabled: false, Threshold: 1}
	f, err := encode("x", gossipPayload{Section: strings.Repeat("a", 4096)}, cfg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if f.Compressed {
		t.Error("expected compression disabled to short-circuit")
	}
}

func TestSetCompression_ReachesAlreadyEstablishedLinks(t *testing.T) {
	received := make(chan gossipPayload, 1)
	handler := func(peerNodeID, msgType string, decode func(v any) error) {
		var p gossipPayload
		if err := decode(&p); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		select {
		case received <- p:
		default:
		}
	}

	b := New("node-b", DefaultCompressionConfig(), handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(b.AcceptHandler(ctx))
	defer srv.Close()

	a := New("node-a", DefaultCompressionConfig(), func(string, string, func(v any) error) {})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := a.Dial(ctx, wsURL); err != nil {
		t.Fatalf("dial: %v", err)
	}

	// Toggle compression on after the link exists; the link must pick
	// it up on its next send and the receiver must still decode.
	a.SetCompression(CompressionConfig{Enabled: true, Threshold: 16})
	if got := a.Compression(); !got.Enabled {
		t.Fatal("expected the transport to report compression enabled")
	}

	repeated := strings.Repeat("a", 4096)
	if err := a.SendTo("node-b", "state_sync", gossipPayload{Section: repeated}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case got := <-received:
		if got.Section != repeated {
			t.Error("payload did not survive the compressed round-trip")
		}
	case <-time.After(time.Second):
		t.Fatal("expected the peer to receive the compressed frame")
	}
}

func TestTransport_SendToDeliversOnlyToNamedPeer(t *testing.T) {
	received := make(chan string, 2)
	handler := func(peerNodeID, msgType string, decode func(v any) error) {
		received <- peerNodeID + ":" + msgType
	}

	b := New("node-b", DefaultCompressionConfig(), handler)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(b.AcceptHandler(ctx))
	defer srv.Close()

	a := New("node-a", DefaultCompressionConfig(), func(string, string, func(v any) error) {})
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, err := a.Dial(ctx, wsURL); err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if a.PeerCount() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.SendTo("node-b", "ping", map[string]string{"hello": "there"}); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case got := <-received:
		if got != "node-a:ping" {
			t.Errorf("expected node-a:ping, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the named peer to receive the frame")
	}

	if err := a.SendTo("node-nonexistent", "ping", map[string]string{}); err == nil {
		t.Fatal("expected an error sending to an unlinked peer")
	}
}
