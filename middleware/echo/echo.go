// Package echo provides Echo middleware that gates routes on the reconciled tier
package echo

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// EntitlementKey is the Echo context key holding the loaded *entitlement.UserEntitlement
const EntitlementKey = "tiersync.entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

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
	OnForbidden func(c echo.Context, ent *entitlement.UserEntitlement) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that enforces a minimum tier
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Store == nil {
		panic("tiersync/echo: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("tiersync/echo: Config.GetUserID is required")
	}

	if cfg.RequiredTier == "" {
		cfg.RequiredTier = entitlement.TierPro
	}
	if cfg.ForbiddenStatusCode == 0 {
		cfg.ForbiddenStatusCode = http.StatusForbidden
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

			ent, err := cfg.Store.GetByInternalID(c.Request().Context(), userID)
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

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

// GetEntitlement returns the entitlement loaded by Middleware
func GetEntitlement(c echo.Context) (*entitlement.UserEntitlement, bool) {
	ent, ok := c.Get(EntitlementKey).(*entitlement.UserEntitlement)
	return ent, ok
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultForbidden(c echo.Context, ent *entitlement.UserEntitlement, required entitlement.Tier, statusCode int) error {
	return c.JSON(statusCode, map[string]interface{}{
		"error":         "Upgrade required",
		"tier":          ent.Tier,
		"required_tier": required,
	})
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if str, ok := c.Get(key).(string); ok {
			return str
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
