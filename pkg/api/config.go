package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/subsync/pkg/identity"
	"github.com/mihaimyh/subsync/pkg/subscription"
)

// Config holds configuration for the status API handler
type Config struct {
	// Store is the subscription store (required)
	Store subscription.Store

	// GetUserID extracts user ID from HTTP request (required)
	// Similar to middleware/http pattern
	GetUserID func(*http.Request) string

	// Entitlement is the entitlement reported on. Default: subscription.DefaultEntitlement
	Entitlement string

	// OnError handles errors (auth, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional. If nil, errors are not logged.
	Logger subscription.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new status API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Entitlement == "" {
		config.Entitlement = subscription.DefaultEntitlement
	}
	if config.Logger == nil {
		config.Logger = &subscription.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
// Uses the same context key pattern as middleware/http
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromClaims returns a GetUserID function that reads the subject of the
// identity claims placed on the context by identity.Middleware.
func FromClaims() func(*http.Request) string {
	return func(r *http.Request) string {
		if claims, ok := identity.ClaimsFromContext(r.Context()); ok {
			return claims.Subject
		}
		return ""
	}
}
