// Package fiber provides Fiber middleware that gates routes on the reconciled tier
package fiber

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// EntitlementKey is the Fiber Locals key holding the loaded *entitlement.UserEntitlement
const EntitlementKey = "tiersync.entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Store is read for the user's entitlement record (required)
	Store entitlement.Store

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// RequiredTier is the minimum tier allowed through
	// Default: entitlement.TierPro
	RequiredTier entitlement.Tier

	// ForbiddenStatusCode is returned when the tier is insufficient
	// Default: 403 (Forbidden)
	ForbiddenStatusCode int

	// OnForbidden is called when the user's tier is below RequiredTier
	// If nil, uses default response: ForbiddenStatusCode JSON with the current tier
	OnForbidden func(c *fiber.Ctx, ent *entitlement.UserEntitlement) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that enforces a minimum tier
func Middleware(cfg Config) fiber.Handler {
	if cfg.Store == nil {
		panic("tiersync/fiber: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("tiersync/fiber: Config.GetUserID is required")
	}

	if cfg.RequiredTier == "" {
		cfg.RequiredTier = entitlement.TierPro
	}
	if cfg.ForbiddenStatusCode == 0 {
		cfg.ForbiddenStatusCode = fiber.StatusForbidden
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		ent, err := cfg.Store.GetByInternalID(c.UserContext(), userID)
		if errors.Is(err, entitlement.ErrUserNotFound) {
			ent, err = &entitlement.UserEntitlement{InternalID: userID, Tier: entitlement.TierFree}, nil
		}
		if err != nil {
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return defaultError(c)
		}

		if !ent.Tier.Satisfies(cfg.RequiredTier) {
			if cfg.OnForbidden != nil {
				return cfg.OnForbidden(c, ent)
			}
			return defaultForbidden(c, ent, cfg.RequiredTier, cfg.ForbiddenStatusCode)
		}

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

// GetEntitlement returns the entitlement loaded by Middleware
func GetEntitlement(c *fiber.Ctx) (*entitlement.UserEntitlement, bool) {
	ent, ok := c.Locals(EntitlementKey).(*entitlement.UserEntitlement)
	return ent, ok
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultForbidden(c *fiber.Ctx, ent *entitlement.UserEntitlement, required entitlement.Tier, statusCode int) error {
	return c.Status(statusCode).JSON(fiber.Map{
		"error":         "Upgrade required",
		"tier":          ent.Tier,
		"required_tier": required,
	})
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber Locals
// set by an auth middleware, e.g. c.Locals("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if str, ok := c.Locals(key).(string); ok {
			return str
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers
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
