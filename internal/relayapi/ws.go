package relayapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/registry"
	"github.com/oppiedev/meshrelay/internal/tokenissuer"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades `/ws?token=<access-token>`: 1008 on an
// invalid or expired token, otherwise the connection is installed in
// the registry and read until close. No path here sends a 1011 close;
// a failed upgrade is only logged.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := s.Issuer.Verify(token, tokenissuer.KindAccess)
	if err != nil {
		conn, upErr := upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			return
		}
		closeWithCode(conn, websocket.ClosePolicyViolation, "invalid token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	regClaims := registry.Claims{
		SessionID:   claims.SessionID,
		UserID:      claims.UserID,
		DeviceID:    claims.DeviceID,
		DeviceClass: registry.DeviceClass(claims.DeviceType()),
		Scopes:      claims.Scopes,
	}

	rconn := s.Registry.Accept(conn, regClaims)
	s.readLoop(rconn, claims.SessionID)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// readLoop pulls envelopes off one connection until it errors or
// closes, touching the registry on every frame that decodes as JSON
// (pong included) and handing validated frames to the router. Malformed
// JSON is logged, not counted as activity, and the connection stays open.
func (s *Server) readLoop(conn *registry.Connection, sessionID string) {
	defer s.Registry.Disconnect(sessionID)

	for {
		env, err := conn.ReadEnvelope()
		if err != nil {
			if errors.Is(err, registry.ErrMalformedFrame) {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("malformed inbound JSON, connection stays open")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", sessionID).Msg("ws read error")
			}
			return
		}

		s.Registry.Touch(sessionID)

		if env.Type == "" {
			log.Warn().Str("session_id", sessionID).Msg("malformed inbound envelope: missing type")
			continue
		}

		s.Router.Enqueue(sessionID, env)
	}
}
