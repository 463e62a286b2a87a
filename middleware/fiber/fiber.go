// Package fiber provides Fiber middleware that gates routes on an active subscription
package fiber

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/subsync/pkg/subscription"
)

// StatusKey is the fiber locals key RequireActive stores the subscription status under
const StatusKey = "subsync.status"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnInactive func(c *fiber.Ctx, status subscription.Status) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error

	// Now overrides the clock in tests
	Now func() time.Time
}

// RequireActive creates a Fiber middleware that rejects requests from users
// without an active, unexpired subscription
func RequireActive(cfg Config) fiber.Handler {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("subsync/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("subsync/fiber: Config.GetUserID is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		status, err := subscription.StatusFor(c.UserContext(), cfg.Store, userID, cfg.Entitlement, cfg.Now())
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

		c.Locals(StatusKey, status)
		return c.Next()
	}
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultInactive(c *fiber.Ctx, status subscription.Status) error {
	return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
		"error":       "Subscription required",
		"entitlement": status.Entitlement,
	})
}

func defaultError(c *fiber.Ctx, _ error) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// StatusFromContext returns the status stored by RequireActive
func StatusFromContext(c *fiber.Ctx) (subscription.Status, bool) {
	status, ok := c.Locals(StatusKey).(subscription.Status)
	return status, ok
}

// Convenience extractors for UserID

// FromContext returns a UserIDExtractor that gets user ID from Fiber locals
// This is useful when user ID is set by a previous auth middleware
//
// Example:
//
//	// In your auth middleware:
//	c.Locals("UserID", userID)
//
//	// In subscription middleware config:
//	GetUserID: fiber.FromContext("UserID")
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}
