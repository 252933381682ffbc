package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oppiedev/meshrelay/internal/envelope"
	"github.com/oppiedev/meshrelay/internal/registry"
)

func dial(t *testing.T, reg *registry.Registry, claims registry.Claims) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		reg.Accept(conn, claims)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	var welcome envelope.Envelope
	_ = client.ReadJSON(&welcome)
	return client
}

func runRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)
}

func readWithTimeout(t *testing.T, c *websocket.Conn, d time.Duration) envelope.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(d))
	var env envelope.Envelope
	if err := c.ReadJSON(&env); err != nil {
		t.Fatalf("expected an envelope within %v, got error: %v", d, err)
	}
	return env
}

func TestDispatch_ExplicitTargetSessionWins(t *testing.T) {
	reg := registry.New()
	pwa := dial(t, reg, registry.Claims{SessionID: "pwa1", UserID: "u1", DeviceClass: registry.DeviceMobile})
	sidecar := dial(t, reg, registry.Claims{SessionID: "side1", UserID: "u1", DeviceClass: registry.DeviceDesktop})
	other := dial(t, reg, registry.Claims{SessionID: "other1", UserID: "u2", DeviceClass: registry.DeviceDesktop})
	_ = pwa

	r := New(reg)
	runRouter(t, r)

	r.Enqueue("pwa1", envelope.Envelope{
		ID:       "m1",
		Type:     "chat",
		Metadata: envelope.Metadata{TargetSession: "side1"},
	})

	got := readWithTimeout(t, sidecar, time.Second)
	if got.ID != "m1" {
		t.Fatalf("expected side1 to receive m1, got %+v", got)
	}

	_ = other.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var stray envelope.Envelope
	if err := other.ReadJSON(&stray); err == nil {
		t.Fatalf("expected no delivery to unrelated session, got %+v", stray)
	}
}

func TestDispatch_RunPlanRoutesToDesktopSessionOfSameUser(t *testing.T) {
	reg := registry.New()
	pwa := dial(t, reg, registry.Claims{SessionID: "pwa1", UserID: "u1", DeviceClass: registry.DeviceMobile})
	sidecar := dial(t, reg, registry.Claims{SessionID: "side1", UserID: "u1", DeviceClass: registry.DeviceDesktop})
	_ = pwa

	r := New(reg)
	runRouter(t, r)

	r.Enqueue("pwa1", envelope.Envelope{ID: "m1", Type: "runPlan"})

	got := readWithTimeout(t, sidecar, time.Second)
	if got.ID != "m1" || got.Type != "runPlan" {
		t.Fatalf("expected sidecar to receive the runPlan envelope, got %+v", got)
	}
}

func TestDispatch_RunPlanWithNoSidecarRepliesWithNoSidecarError(t *testing.T) {
	reg := registry.New()
	pwa := dial(t, reg, registry.Claims{SessionID: "pwa1", UserID: "u1", DeviceClass: registry.DeviceMobile})

	r := New(reg)
	runRouter(t, r)

	r.Enqueue("pwa1", envelope.Envelope{ID: "m1", Type: "runPlan"})

	got := readWithTimeout(t, pwa, time.Second)
	if got.Type != "error" {
		t.Fatalf("expected an error envelope back to the sender, got %+v", got)
	}
	if code, _ := got.Payload["code"].(string); code != "NO_SIDECAR" {
		t.Fatalf("expected code NO_SIDECAR, got %+v", got.Payload)
	}
	if orig, _ := got.Payload["original_message_id"].(string); orig != "m1" {
		t.Fatalf("expected original_message_id m1, got %+v", got.Payload)
	}
}

func TestDispatch_ProgressRoutesToMobileAndWebSessionsOfSameUser(t *testing.T) {
	reg := registry.New()
	sidecar := dial(t, reg, registry.Claims{SessionID: "side1", UserID: "u1", DeviceClass: registry.DeviceDesktop})
	mobile := dial(t, reg, registry.Claims{SessionID: "m1", UserID: "u1", DeviceClass: registry.DeviceMobile})
	web := dial(t, reg, registry.Claims{SessionID: "w1", UserID: "u1", DeviceClass: registry.DeviceWeb})
	_ = sidecar

	r := New(reg)
	runRouter(t, r)

	r.Enqueue("side1", envelope.Envelope{ID: "p1", Type: "progress"})

	for _, c := range []*websocket.Conn{mobile, web} {
		got := readWithTimeout(t, c, time.Second)
		if got.ID != "p1" {
			t.Fatalf("expected both PWA peers to receive progress p1, got %+v", got)
		}
	}
}

func TestDispatch_PanickingHandlerDoesNotStopTheQueue(t *testing.T) {
	reg := registry.New()
	sender := dial(t, reg, registry.Claims{SessionID: "s1", UserID: "u1", DeviceClass: registry.DeviceWeb})

	r := New(reg)
	r.RegisterTypeHandler("explode", func(*registry.Registry, string, envelope.Envelope) {
		panic("boom")
	})
	runRouter(t, r)

	r.Enqueue("s1", envelope.Envelope{ID: "bad", Type: "explode"})
	r.Enqueue("s1", envelope.Envelope{
		ID:       "after",
		Type:     "chat",
		Metadata: envelope.Metadata{TargetSession: "s1"},
	})

	got := readWithTimeout(t, sender, 2*time.Second)
	if got.ID != "after" {
		t.Fatalf("expected the queue to survive a panicking handler, got %+v", got)
	}
}

func TestDispatch_UnroutableTypeIsDroppedWithoutBlockingQueue(t *testing.T) {
	reg := registry.New()
	sender := dial(t, reg, registry.Claims{SessionID: "s1", UserID: "u1", DeviceClass: registry.DeviceWeb})

	r := New(reg)
	runRouter(t, r)

	// No handler, no class handler registered for "web" by default, so
	// this must be dropped silently rather than blocking subsequent items.
	r.Enqueue("s1", envelope.Envelope{ID: "drop-me", Type: "unknown-type"})
	r.Enqueue("s1", envelope.Envelope{
		ID:       "targeted",
		Type:     "chat",
		Metadata: envelope.Metadata{TargetSession: "s1"},
	})

	got := readWithTimeout(t, sender, time.Second)
	if got.ID != "targeted" {
		t.Fatalf("expected the queue to keep draining past a dropped envelope, got %+v", got)
	}
}
