// Package gin provides Gin middleware that gates routes on the reconciled tier
package gin

import (
	"errors"
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// EntitlementKey is the Gin context key holding the loaded *entitlement.UserEntitlement
const EntitlementKey = "tiersync.entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnForbidden func(c *gongin.Context, ent *entitlement.UserEntitlement)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that enforces a minimum tier
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Store == nil {
		panic("tiersync/gin: Config.Store is required")
	}
	if cfg.GetUserID == nil {
		panic("tiersync/gin: Config.GetUserID is required")
	}

	// Set defaults
	if cfg.RequiredTier == "" {
		cfg.RequiredTier = entitlement.TierPro
	}
	if cfg.ForbiddenStatusCode == 0 {
		cfg.ForbiddenStatusCode = http.StatusForbidden
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

		ent, err := cfg.Store.GetByInternalID(c.Request.Context(), userID)
		if errors.Is(err, entitlement.ErrUserNotFound) {
			ent, err = &entitlement.UserEntitlement{InternalID: userID, Tier: entitlement.TierFree}, nil
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}

		if !ent.Tier.Satisfies(cfg.RequiredTier) {
			if cfg.OnForbidden != nil {
				cfg.OnForbidden(c, ent)
			} else {
				defaultForbidden(c, ent, cfg.RequiredTier, cfg.ForbiddenStatusCode)
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

// GetEntitlement returns the entitlement loaded by Middleware
func GetEntitlement(c *gongin.Context) (*entitlement.UserEntitlement, bool) {
	val, exists := c.Get(EntitlementKey)
	if !exists {
		return nil, false
	}
	ent, ok := val.(*entitlement.UserEntitlement)
	return ent, ok
}

// Default error handlers

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultForbidden(c *gongin.Context, ent *entitlement.UserEntitlement, required entitlement.Tier, statusCode int) {
	c.JSON(statusCode, gongin.H{
		"error":         "Upgrade required",
		"tier":          ent.Tier,
		"required_tier": required,
	})
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values
// set by an auth middleware, e.g. c.Set("UserID", userID).
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
