// Package tokenissuer signs and verifies short-lived access tokens and
// long-lived refresh tokens bound to a session, its user, device, and
// scopes.
package tokenissuer

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind distinguishes access tokens from refresh tokens. Tokens carry their
// kind in a claim and Verify rejects a token presented for the wrong kind.
type Kind string

const (
	KindAccess  Kind = "access"
	KindRefresh Kind = "refresh"
)

var (
	// ErrInvalidKind is returned when a token's kind claim does not match
	// the kind the caller expected to verify.
	ErrInvalidKind = errors.New("invalid-kind")
	// ErrExpired is returned when the token's expiry has passed.
	ErrExpired = errors.New("expired")
	// ErrMalformed is returned on any signature or claims failure.
	ErrMalformed = errors.New("malformed")
)

// Config holds the deployment-fixed issuer/audience/secret and expiry
// defaults.
type Config struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// DefaultConfig returns the standard expiries (access 24h, refresh 30d).
func DefaultConfig(secret, issuer, audience string) Config {
	return Config{
		Secret:     secret,
		Issuer:     issuer,
		Audience:   audience,
		AccessTTL:  24 * time.Hour,
		RefreshTTL: 30 * 24 * time.Hour,
	}
}

// Claims is the decoded payload of a verified token.
type Claims struct {
	SessionID string
	UserID    string
	DeviceID  string
	Scopes    []string
	Kind      Kind
	TokenID   string
	ExpiresAt time.Time
}

// DeviceType derives a device class from the claims the way the carried
// over encoding does: from scopes[0] when no dedicated claim is present.
// This is a known, temporary overload inherited from the source system,
// not a recommended pattern — a dedicated claim should replace it.
func (c Claims) DeviceType() string {
	if len(c.Scopes) > 0 {
		return c.Scopes[0]
	}
	return ""
}

// Issuer signs and verifies HS256 tokens for one deployment.
type Issuer struct {
	cfg Config
}

// New constructs an Issuer bound to cfg.
func New(cfg Config) *Issuer {
	return &Issuer{cfg: cfg}
}

type tokenClaims struct {
	UserID   string   `json:"uid"`
	DeviceID string   `json:"did"`
	Scopes   []string `json:"scopes"`
	Kind     string   `json:"kind"`
	jwt.RegisteredClaims
}

// Issue creates an (access, refresh) pair bound to a freshly generated
// session id, returning the access token's expiry.
func (iss *Issuer) Issue(userID, deviceID string, scopes []string) (access, refresh string, expiresAt time.Time, err error) {
	sessionID := uuid.New().String()
	return iss.issueFor(sessionID, userID, deviceID, scopes)
}

func (iss *Issuer) issueFor(sessionID, userID, deviceID string, scopes []string) (access, refresh string, expiresAt time.Time, err error) {
	now := time.Now()
	access, expiresAt, err = iss.sign(sessionID, userID, deviceID, scopes, KindAccess, now.Add(iss.cfg.AccessTTL))
	if err != nil {
		return "", "", time.Time{}, err
	}
	refresh, _, err = iss.sign(sessionID, userID, deviceID, scopes, KindRefresh, now.Add(iss.cfg.RefreshTTL))
	if err != nil {
		return "", "", time.Time{}, err
	}
	return access, refresh, expiresAt, nil
}

func (iss *Issuer) sign(sessionID, userID, deviceID string, scopes []string, kind Kind, expiresAt time.Time) (string, time.Time, error) {
	claims := tokenClaims{
		UserID:   userID,
		DeviceID: deviceID,
		Scopes:   scopes,
		Kind:     string(kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			Issuer:    iss.cfg.Issuer,
			Audience:  jwt.ClaimStrings{iss.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(iss.cfg.Secret))
	return signed, expiresAt, err
}

// Refresh exchanges a refresh token for a new access token and a (possibly
// identical) refresh token.
func (iss *Issuer) Refresh(refreshToken string) (access, refresh string, expiresAt time.Time, err error) {
	claims, err := iss.Verify(refreshToken, KindRefresh)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return iss.issueFor(claims.SessionID, claims.UserID, claims.DeviceID, claims.Scopes)
}

// Verify validates a token's signature, expiry, issuer, and audience, and
// checks it carries the expected kind. Used identically for the REST
// Bearer header and the WebSocket upgrade query parameter.
func (iss *Issuer) Verify(tokenString string, expectedKind Kind) (Claims, error) {
	if tokenString == "" {
		return Claims{}, ErrMalformed
	}

	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(iss.cfg.Secret), nil
	}, jwt.WithIssuer(iss.cfg.Issuer), jwt.WithAudience(iss.cfg.Audience))

	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpired
		}
		return Claims{}, ErrMalformed
	}

	if claims.Kind != string(expectedKind) {
		return Claims{}, ErrInvalidKind
	}

	exp, _ := claims.GetExpirationTime()
	out := Claims{
		SessionID: claims.Subject,
		UserID:    claims.UserID,
		DeviceID:  claims.DeviceID,
		Scopes:    claims.Scopes,
		Kind:      Kind(claims.Kind),
		TokenID:   claims.ID,
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
