package relayapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/oppiedev/meshrelay/internal/tokenissuer"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlationId"
	claimsKey        contextKey = "claims"
)

// CorrelationMiddleware reads X-Correlation-ID or generates one, and
// attaches a request-scoped logger carrying it — the same tracing
// pattern used across every endpoint of this surface.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// BearerAuthMiddleware verifies the Authorization: Bearer header as an
// access token and attaches its claims to the request context. Used by
// /api/sessions and /api/message; token issuance, refresh, health,
// metrics, and /ws (which checks its own query-string token) are not
// behind it.
func BearerAuthMiddleware(issuer *tokenissuer.Issuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				tok = strings.TrimPrefix(h, "Bearer ")
			}

			claims, err := issuer.Verify(tok, tokenissuer.KindAccess)
			if err != nil {
				log.Warn().Err(err).Msg("bearer auth failed")
				writeError(w, r, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext retrieves the verified access-token claims attached
// by BearerAuthMiddleware.
func ClaimsFromContext(ctx context.Context) (tokenissuer.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(tokenissuer.Claims)
	return c, ok
}
