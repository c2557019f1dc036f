// Package http provides HTTP middleware that gates routes on the reconciled tier
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Store is read for the user's entitlement record (required)
	Store entitlement.Store

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// RequiredTier is the minimum tier allowed through
	// Default: entitlement.TierPro
	RequiredTier entitlement.Tier

	// OnForbidden is called when the user's tier is below RequiredTier
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, ent *entitlement.UserEntitlement)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that enforces a minimum tier.
// Users without a record are treated as free.
func Middleware(config Config) func(http.Handler) http.Handler {
	// Set defaults
	if config.RequiredTier == "" {
		config.RequiredTier = entitlement.TierPro
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract user ID
			userID := config.GetUserID(r)
			if userID == "" {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ctx := r.Context()
			ent, err := config.Store.GetByInternalID(ctx, userID)
			if errors.Is(err, entitlement.ErrUserNotFound) {
				ent, err = &entitlement.UserEntitlement{InternalID: userID, Tier: entitlement.TierFree}, nil
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}

			if !ent.Tier.Satisfies(config.RequiredTier) {
				if config.OnForbidden != nil {
					config.OnForbidden(w, r, ent)
				} else {
					http.Error(w, "Upgrade required", http.StatusForbidden)
				}
				return
			}

			// Tier is sufficient, proceed to handler
			next.ServeHTTP(w, r.WithContext(WithEntitlement(ctx, ent)))
		})
	}
}

// HandlerFunc creates an HTTP middleware that enforces a minimum tier (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "tiersync:userID"

	entitlementKey ContextKey = "tiersync:entitlement"
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

// WithUserID adds user ID to request context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithEntitlement adds the loaded entitlement to request context
func WithEntitlement(ctx context.Context, ent *entitlement.UserEntitlement) context.Context {
	return context.WithValue(ctx, entitlementKey, ent)
}

// EntitlementFromContext returns the entitlement loaded by Middleware
func EntitlementFromContext(ctx context.Context) (*entitlement.UserEntitlement, bool) {
	ent, ok := ctx.Value(entitlementKey).(*entitlement.UserEntitlement)
	return ent, ok
}
