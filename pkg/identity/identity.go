// Package identity verifies end-user identity tokens presented to the sync
// endpoint and the subscription status API.
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrTokenMissing is returned when the request carries no user token
	ErrTokenMissing = errors.New("identity token missing")

	// ErrInvalidToken is returned when a token fails signature or claim validation
	ErrInvalidToken = errors.New("invalid identity token")
)

// Claims is the verified subset of a user token.
type Claims struct {
	// Subject is the local user id.
	Subject   string
	Email     string
	ExpiresAt time.Time
}

// Verifier validates a raw user token.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Claims, error)
}

// TokenFromRequest returns the user token from the Authorization bearer header,
// the X-User-Token header or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		if tok := StripBearer(auth); tok != auth {
			return tok
		}
	}
	if tok := strings.TrimSpace(r.Header.Get("X-User-Token")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// StripBearer removes a leading "Bearer " (any case) and surrounding space.
func StripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}

// LooksLikeJWT reports whether s has the three dot-separated segments of a
// compact JWS.
func LooksLikeJWT(s string) bool {
	s = StripBearer(s)
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts[:2] {
		if p == "" || strings.ContainsAny(p, " +/=") {
			return false
		}
	}
	return true
}

type claimsKey struct{}

// WithClaims returns a copy of ctx carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}
