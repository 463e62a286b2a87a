// Package gin provides Gin middleware that gates routes on an active subscription
package gin

import (
	"net/http"
	"time"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// StatusKey is the gin context key RequireActive stores the subscription status under
const StatusKey = "subsync.status"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnInactive func(c *gongin.Context, status subscription.Status)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// Now overrides the clock in tests
	Now func() time.Time
}

// RequireActive creates a Gin middleware that aborts requests from users
// without an active, unexpired subscription
func RequireActive(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("subsync/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/gin: Config.GetUserID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		status, err := subscription.StatusFor(c.Request.Context(), cfg.Store, userID, cfg.Entitlement, cfg.Now())
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c, err)
			}
			c.Abort()
			return
		}

		if !status.Active {
			if cfg.OnInactive != nil {
				cfg.OnInactive(c, status)
			} else {
				defaultInactive(c, status)
			}
			c.Abort()
			return
		}

		c.Set(StatusKey, status)
		c.Next()
	}
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultInactive(c *gongin.Context, status subscription.Status) {
	c.JSON(http.StatusPaymentRequired, gongin.H{
		"error":       "Subscription required",
		"entitlement": status.Entitlement,
	})
}

func defaultError(c *gongin.Context, _ error) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// StatusFromContext returns the status stored by RequireActive
func StatusFromContext(c *gongin.Context) (subscription.Status, bool) {
	if val, exists := c.Get(StatusKey); exists {
		status, ok := val.(subscription.Status)
		return status, ok
	}
	return subscription.Status{}, false
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from Gin context
// This is useful when user ID is set by a previous auth middleware
//
// Example:
//
//	// In your auth middleware:
//	c.Set("UserID", userID)
//
//	// In subscription middleware config:
//	GetUserID: gin.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
