// Package relayapi is the relay's REST + WebSocket surface: token
// issuance/refresh, health, metrics, session listing, a
// REST message fallback, and the `/ws` upgrade endpoint.
package relayapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/envelope"
	"github.com/oppiedev/meshrelay/internal/registry"
	"github.com/oppiedev/meshrelay/internal/router"
	"github.com/oppiedev/meshrelay/internal/tokenissuer"
)

// Server holds the dependencies every handler on this surface needs.
type Server struct {
	Issuer           *tokenissuer.Issuer
	Registry         *registry.Registry
	Router           *router.Router
	MessageRateLimit RateLimitInfo
	AuthRateLimit    RateLimitInfo
	Version          string
	WSPublicURL      string // base ws(s):// URL returned to clients, e.g. "wss://relay.example.com/ws"
	startedAt        time.Time
}

// NewServer constructs a Server with the default rate limit tiers
// and records its own start time for /api/health's uptime field.
func NewServer(issuer *tokenissuer.Issuer, reg *registry.Registry, rtr *router.Router, wsPublicURL, version string) *Server {
	return &Server{
		Issuer:           issuer,
		Registry:         reg,
		Router:           rtr,
		MessageRateLimit: DefaultRateLimitConfig,
		AuthRateLimit:    DefaultAuthRateLimitConfig,
		Version:          version,
		WSPublicURL:      wsPublicURL,
		startedAt:        time.Now(),
	}
}

// Routes builds the chi router for the relay's entire HTTP + WS surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.Health)
	r.Get("/api/metrics", s.Metrics)
	r.Get("/ws", s.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(s.AuthRateLimit))
		r.Post("/api/auth/token", s.IssueToken)
		r.Post("/api/auth/refresh", s.RefreshToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(s.Issuer))
		r.Use(RateLimitMiddleware(s.MessageRateLimit))
		r.Get("/api/sessions", s.ListSessions)
		r.Post("/api/message", s.PostMessage)
	})

	log.Info().Msg("relay HTTP routes registered")
	return r
}

// ---- /api/health, /api/metrics ----

type healthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Version       string `json:"version"`
	Connections   int    `json:"connections"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Health reports liveness and a connection count.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	stats := s.Registry.Stats()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Timestamp:     envelope.NewTimestamp(),
		Version:       s.Version,
		Connections:   stats.ActiveConnections,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

type metricsResponse struct {
	ActiveConnections int   `json:"active_connections"`
	UniqueUsers       int   `json:"unique_users"`
	UniqueDevices     int   `json:"unique_devices"`
	MessagesSent      int64 `json:"messages_sent"`
	MessagesReceived  int64 `json:"messages_received"`
	UptimeSeconds     int64 `json:"uptime_seconds"`
}

// Metrics reports the registry's aggregate statistics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	stats := s.Registry.Stats()
	writeJSON(w, http.StatusOK, metricsResponse{
		ActiveConnections: stats.ActiveConnections,
		UniqueUsers:       stats.UniqueUsers,
		UniqueDevices:     stats.UniqueDevices,
		MessagesSent:      stats.MessagesSent,
		MessagesReceived:  stats.MessagesReceived,
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
	})
}

// ---- /api/auth/token, /api/auth/refresh ----

type tokenRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	UserID     string `json:"user_id"`
	DeviceType string `json:"device_type"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    string `json:"expires_at"`
	WSURL        string `json:"ws_url"`
	SessionID    string `json:"session_id"`
}

// IssueToken creates a fresh session and its bound access/refresh pair.
// device_type is carried as scopes[0], a carried-over overload: there
// is no dedicated device-type claim in this token shape.
func (s *Server) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserID == "" || req.DeviceID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and device_id are required")
		return
	}

	access, refresh, expiresAt, err := s.Issuer.Issue(req.UserID, req.DeviceID, []string{req.DeviceType})
	if err != nil {
		log.Error().Err(err).Msg("failed to issue token")
		writeError(w, r, http.StatusInternalServerError, "failed to issue token")
		return
	}

	claims, err := s.Issuer.Verify(access, tokenissuer.KindAccess)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
		WSURL:        s.WSPublicURL,
		SessionID:    claims.SessionID,
	})
}

// RefreshToken exchanges a refresh token for a new pair; the response
// session_id is empty because no new session is created.
func (s *Server) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed request body")
		return
	}

	access, refresh, expiresAt, err := s.Issuer.Refresh(req.RefreshToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    expiresAt.UTC().Format(time.RFC3339),
		WSURL:        s.WSPublicURL,
		SessionID:    "",
	})
}

// ---- /api/sessions ----

type sessionView struct {
	SessionID    string `json:"session_id"`
	DeviceID     string `json:"device_id"`
	DeviceType   string `json:"device_type"`
	ConnectedAt  string `json:"connected_at"`
	LastActivity string `json:"last_activity"`
	IsActive     bool   `json:"is_active"`
	Messages     struct {
		Sent     int64 `json:"sent"`
		Received int64 `json:"received"`
	} `json:"messages"`
}

type sessionsResponse struct {
	Sessions []sessionView `json:"sessions"`
	Total    int           `json:"total"`
}

// ListSessions reports every live session belonging to the caller.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	snapshots := s.Registry.Sessions(claims.UserID)

	out := make([]sessionView, 0, len(snapshots))
	for _, sn := range snapshots {
		v := sessionView{
			SessionID:    sn.SessionID,
			DeviceID:     sn.DeviceID,
			DeviceType:   string(sn.DeviceClass),
			ConnectedAt:  sn.ConnectedAt.UTC().Format(time.RFC3339),
			LastActivity: sn.LastActivity.UTC().Format(time.RFC3339),
			IsActive:     sn.Active,
		}
		v.Messages.Sent = sn.Sent
		v.Messages.Received = sn.Received
		out = append(out, v)
	}

	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: out, Total: len(out)})
}

// ---- /api/message ----

type messageRequest struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Metadata map[string]any `json:"metadata"`
}

type messageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// PostMessage is the REST fallback ingress for clients that cannot hold
// a WebSocket open; it enqueues onto the same router the `/ws` path
// uses, augmenting metadata with the caller's identity.
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" {
		writeError(w, r, http.StatusBadRequest, "type is required")
		return
	}

	meta := envelope.Metadata{Extra: req.Metadata}
	if meta.Extra == nil {
		meta.Extra = map[string]any{}
	}
	meta.Extra["session_id"] = claims.SessionID
	meta.Extra["user_id"] = claims.UserID
	meta.Extra["device_id"] = claims.DeviceID

	env := envelope.Envelope{
		ID:        uuid.New().String(),
		Type:      req.Type,
		Timestamp: envelope.NewTimestamp(),
		Payload:   req.Payload,
		Metadata:  meta,
	}

	s.Router.Enqueue(claims.SessionID, env)

	writeJSON(w, http.StatusAccepted, messageResponse{
		MessageID: env.ID,
		Status:    "queued",
		Timestamp: env.Timestamp,
	})
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:         message,
		CorrelationID: GetCorrelationID(r.Context()),
	})
}
