// Package http provides HTTP middleware that gates handlers on an active subscription
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/identity"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store is the subscription store (required)
	Store subscription.Store

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// Entitlement is the entitlement the route requires
	// Default: subscription.DefaultEntitlement
	Entitlement string

	// OnInactive is called when the user has no active subscription
	// If nil, returns 402 Payment Required
	OnInactive func(w http.ResponseWriter, r *http.Request, status subscription.Status)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Now overrides the clock in tests
	Now func() time.Time
}

// RequireActive creates an HTTP middleware that only lets users with an active,
// unexpired subscription through. The status is stored on the request context.
func RequireActive(config Config) func(http.Handler) http.Handler {
	if config.Store == nil {
		panic("subsync/http: Config.Store is required")
	}
	if config.GetUserID == nil {
		panic("subsync/http: Config.GetUserID is required")
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				}
				return
			}

			status, err := subscription.StatusFor(r.Context(), config.Store, userID, config.Entitlement, config.Now())
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
				}
				return
			}

			if !status.Active {
				if config.OnInactive != nil {
					config.OnInactive(w, r, status)
				} else {
					writeJSON(w, http.StatusPaymentRequired, map[string]string{
						"error":       "Subscription required",
						"entitlement": status.Entitlement,
					})
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithStatus(r.Context(), status)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "subsync:userID"

	// StatusKey is the context key for the subscription status
	StatusKey ContextKey = "subsync:status"
)

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromClaims returns an UserIDExtractor that reads the subject placed on the
// context by identity.Middleware
func FromClaims() UserIDExtractor {
	return func(r *http.Request) string {
		if claims, ok := identity.ClaimsFromContext(r.Context()); ok {
			return claims.Subject
		}
		return ""
	}
}

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithStatus adds the subscription status to request context
func WithStatus(ctx context.Context, status subscription.Status) context.Context {
	return context.WithValue(ctx, StatusKey, status)
}

// StatusFromContext returns the status stored by RequireActive
func StatusFromContext(ctx context.Context) (subscription.Status, bool) {
	status, ok := ctx.Value(StatusKey).(subscription.Status)
	return status, ok
}
