// Package meshnet carries gossip traffic between mesh adapter peers
// over WebSocket links, with optional gzip compression for payloads
// above a size threshold.
package meshnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// CompressionConfig controls when outbound frames are gzip-compressed.
type CompressionConfig struct {
	Enabled   bool
	Threshold int // bytes; below this, compression is skipped
}

// DefaultCompressionConfig mirrors the reference adapter: disabled by
// default, 1KiB threshold once enabled.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{Enabled: false, Threshold: 1024}
}

// frame is the wire envelope for one gossip message: a type tag plus
// an opaque, possibly-compressed JSON payload.
type frame struct {
	Type       string `json:"type"`
	Compressed bool   `json:"compressed"`
	Payload    []byte `json:"payload"`
}

// encode marshals v to JSON and, if compression is enabled and the
// encoded size clears the threshold, gzips it — but only keeps the
// compressed form when it actually shrinks the payload by more than
// 10%, matching the reference adapter's worthwhile-compression check.
func encode(msgType string, v any, cfg CompressionConfig) (frame, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return frame{}, fmt.Errorf("meshnet: marshal payload: %w", err)
	}

	if !cfg.Enabled || len(raw) < cfg.Threshold {
		return frame{Type: msgType, Payload: raw}, nil
	}

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return frame{}, fmt.Errorf("meshnet: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return frame{}, fmt.Errorf("meshnet: gzip close: %w", err)
	}

	compressed := buf.Bytes()
	if float64(len(compressed)) >= float64(len(raw))*0.9 {
		return frame{Type: msgType, Payload: raw}, nil
	}
	return frame{Type: msgType, Compressed: true, Payload: compressed}, nil
}

func decode(f frame, v any) error {
	raw := f.Payload
	if f.Compressed {
		gr, err := gzip.NewReader(bytes.NewReader(f.Payload))
		if err != nil {
			return fmt.Errorf("meshnet: gzip reader: %w", err)
		}
		defer gr.Close()
		decompressed, err := io.ReadAll(gr)
		if err != nil {
			return fmt.Errorf("meshnet: gzip read: %w", err)
		}
		raw = decompressed
	}
	return json.Unmarshal(raw, v)
}

// Handler processes one decoded gossip frame from a peer link.
type Handler func(peerNodeID string, msgType string, decode func(v any) error)

// compression is the settable compression state every link of one
// Transport shares, so a live toggle reaches connections that already
// exist.
type compression struct {
	mu  sync.RWMutex
	cfg CompressionConfig
}

func (c *compression) get() CompressionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

func (c *compression) set(cfg CompressionConfig) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Link is one live connection to a mesh peer, either accepted from a
// listener or dialed outward.
type Link struct {
	peerNodeID string
	conn       *websocket.Conn
	comp       *compression

	writeMu sync.Mutex
}

// Send writes one frame to the peer, compressing per the transport's
// current compression settings.
func (l *Link) Send(msgType string, v any) error {
	f, err := encode(msgType, v, l.comp.get())
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(f)
}

// Close tears down the underlying socket.
func (l *Link) Close() error {
	return l.conn.Close()
}

// PeerNodeID reports the remote node's announced id.
func (l *Link) PeerNodeID() string { return l.peerNodeID }

// readLoop drains the link until it closes or ctx is cancelled,
// dispatching each frame to handler. A panicking handler is caught and
// logged so one bad frame cannot kill the link.
func (l *Link) readLoop(ctx context.Context, handler Handler) {
	for {
		if ctx.Err() != nil {
			return
		}
		var f frame
		if err := l.conn.ReadJSON(&f); err != nil {
			log.Debug().Err(err).Str("peer", l.peerNodeID).Msg("mesh link closed")
			return
		}
		l.dispatch(handler, f)
	}
}

func (l *Link) dispatch(handler Handler, f frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("peer", l.peerNodeID).Str("type", f.Type).
				Msg("mesh link handler panicked")
			time.Sleep(10 * time.Millisecond)
		}
	}()
	handler(l.peerNodeID, f.Type, func(v any) error { return decode(f, v) })
}

// Transport manages inbound peer links accepted over HTTP upgrade and
// outbound links dialed to known peer addresses.
type Transport struct {
	selfNodeID string
	comp       *compression
	upgrader   websocket.Upgrader
	handler    Handler

	mu    sync.RWMutex
	links map[string]*Link
}

// New constructs a Transport identified by selfNodeID.
func New(selfNodeID string, cfg CompressionConfig, handler Handler) *Transport {
	return &Transport{
		selfNodeID: selfNodeID,
		comp:       &compression{cfg: cfg},
		handler:    handler,
		links:      make(map[string]*Link),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// SetCompression swaps the compression settings live; every link,
// existing or future, reads the new settings on its next send.
func (t *Transport) SetCompression(cfg CompressionConfig) {
	t.comp.set(cfg)
}

// Compression reports the current compression settings.
func (t *Transport) Compression() CompressionConfig {
	return t.comp.get()
}

// AcceptHandler upgrades an inbound peer connection, reads the peer's
// self-announced node id as the first text frame, and starts its read
// loop in the background.
func (t *Transport) AcceptHandler(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("mesh peer upgrade failed")
			return
		}

		var hello struct {
			NodeID string `json:"node_id"`
		}
		if err := conn.ReadJSON(&hello); err != nil || hello.NodeID == "" {
			conn.Close()
			return
		}
		if err := conn.WriteJSON(struct {
			NodeID string `json:"node_id"`
		}{NodeID: t.selfNodeID}); err != nil {
			conn.Close()
			return
		}

		link := &Link{peerNodeID: hello.NodeID, conn: conn, comp: t.comp}
		t.register(link)
		go func() {
			defer t.unregister(hello.NodeID)
			link.readLoop(ctx, t.handler)
		}()
	}
}

// Dial opens an outbound link to a peer at addr (a ws:// or wss://
// URL), announces this node's id, and starts its read loop.
func (t *Transport) Dial(ctx context.Context, addr string) (*Link, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("meshnet: dial %s: %w", addr, err)
	}

	if err := conn.WriteJSON(struct {
		NodeID string `json:"node_id"`
	}{NodeID: t.selfNodeID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("meshnet: hello to %s: %w", addr, err)
	}

	var reply struct {
		NodeID string `json:"node_id"`
	}
	if err := conn.ReadJSON(&reply); err != nil || reply.NodeID == "" {
		conn.Close()
		return nil, fmt.Errorf("meshnet: hello reply from %s: %w", addr, err)
	}

	link := &Link{peerNodeID: reply.NodeID, conn: conn, comp: t.comp}
	t.register(link)
	go func() {
		defer t.unregister(link.peerNodeID)
		link.readLoop(ctx, t.handler)
	}()

	return link, nil
}

func (t *Transport) register(l *Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[l.peerNodeID] = l
}

func (t *Transport) unregister(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, nodeID)
}

// Broadcast sends msgType/v to every currently-linked peer, skipping
// and logging individual send failures rather than aborting the rest.
// It returns the number of peers the send failed for, so the caller's
// adaptive heartbeat can count degraded links.
func (t *Transport) Broadcast(msgType string, v any) (failed int) {
	t.mu.RLock()
	links := make([]*Link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.RUnlock()

	for _, l := range links {
		if err := l.Send(msgType, v); err != nil {
			log.Warn().Err(err).Str("peer", l.peerNodeID).Msg("mesh broadcast send failed")
			failed++
		}
	}
	return failed
}

// SendTo sends msgType/v to exactly one named peer, returning an error
// if there is no live link to it.
func (t *Transport) SendTo(peerNodeID, msgType string, v any) error {
	t.mu.RLock()
	l, ok := t.links[peerNodeID]
	t.mu.RUnlock()

	if !ok {
		return fmt.Errorf("meshnet: no link to peer %s", peerNodeID)
	}
	return l.Send(msgType, v)
}

// PeerCount reports the number of currently-linked peers.
func (t *Transport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.links)
}

// PeerNodeIDs lists currently-linked peer node ids.
func (t *Transport) PeerNodeIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.links))
	for id := range t.links {
		out = append(out, id)
	}
	return out
}
