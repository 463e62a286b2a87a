// Package echo provides Echo middleware that gates routes on an active subscription
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// StatusKey is the echo context key RequireActive stores the subscription status under
const StatusKey = "subsync.status"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Store is the subscription store
	Store subscription.Store

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// Entitlement is the entitlement the route requires
	// Default: subscription.DefaultEntitlement
	Entitlement string

	// OnInactive is called when the user has no active subscription
	// If nil, returns 402 Payment Required JSON
	OnInactive func(c echo.Context, status subscription.Status) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// Now overrides the clock in tests
	Now func() time.Time
}

// RequireActive creates an Echo middleware that rejects requests from users
// without an active, unexpired subscription
func RequireActive(cfg Config) echo.MiddlewareFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("subsync/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/echo: Config.GetUserID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			status, err := subscription.StatusFor(c.Request().Context(), cfg.Store, userID, cfg.Entitlement, cfg.Now())
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c, err)
			}

			if !status.Active {
				if cfg.OnInactive != nil {
					return cfg.OnInactive(c, status)
				}
				return defaultInactive(c, status)
			}

			c.Set(StatusKey, status)
			return next(c)
		}
	}
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultInactive(c echo.Context, status subscription.Status) error {
	return c.JSON(http.StatusPaymentRequired, map[string]string{
		"error":       "Subscription required",
		"entitlement": status.Entitlement,
	})
}

func defaultError(c echo.Context, _ error) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// StatusFromContext returns the status stored by RequireActive
func StatusFromContext(c echo.Context) (subscription.Status, bool) {
	status, ok := c.Get(StatusKey).(subscription.Status)
	return status, ok
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from Echo context
// This is useful when user ID is set by a previous auth middleware
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In subscription middleware config:
//	GetUserID: echo.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(queryName)
	}
}
