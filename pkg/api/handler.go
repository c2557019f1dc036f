package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

const (
	maxUserIDLen        = 255
	defaultMaxBodyBytes = 16 * 1024

	billingPath = "/billing"
)

var (
	errUserIDNotFound = errors.New("user ID not found")
	errUserIDInvalid  = errors.New("invalid user ID format")
	errUserMismatch   = errors.New("uid does not match authenticated user")
)

// Handler provides HTTP endpoints for entitlement inspection and billing sessions
type Handler struct {
	config Config
}

// GetEntitlement returns the caller's current tier. Users without a record
// are reported on the free tier.
func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// 1. Extract User ID
	userID := strings.TrimSpace(h.config.GetUserID(r))
	if userID == "" {
		h.handleError(w, r, errUserIDNotFound, http.StatusUnauthorized)
		return
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, errUserIDInvalid, http.StatusBadRequest)
		return
	}

	// 2. Load entitlement
	response := EntitlementResponse{UserID: userID, Tier: string(entitlement.TierFree)}
	ent, err := h.config.Store.GetByInternalID(ctx, userID)
	switch {
	case err == nil:
		response.Tier = string(ent.Tier)
		response.TierStatus = ent.TierStatus
		if !ent.TierSince.IsZero() {
			since := ent.TierSince.UTC()
			response.TierSince = &since
		}
		if !ent.LastReconciledAt.IsZero() {
			reconciled := ent.LastReconciledAt.UTC()
			response.LastReconciledAt = &reconciled
		}
	case errors.Is(err, entitlement.ErrUserNotFound):
	default:
		h.handleError(w, r, fmt.Errorf("failed to get entitlement: %w", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, response)
}

// CreateCheckout starts a hosted checkout session for the user in the body
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var body CheckoutRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	userID, ok := h.requestUser(w, r, body.UID, false)
	if !ok {
		return
	}

	origin := requestOrigin(r)
	sessionURL, err := h.config.Billing.CheckoutURL(r.Context(), billing.CheckoutRequest{
		UserID:     userID,
		Email:      strings.TrimSpace(body.Email),
		SuccessURL: billingURL(origin, "success"),
		CancelURL:  billingURL(origin, "cancel"),
	})
	if err != nil {
		h.handleBillingError(w, r, "checkout", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: sessionURL})
}

// CreatePortal starts a customer self-service portal session
func (h *Handler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	var body PortalRequest
	if !h.decodeBody(w, r, &body) {
		return
	}
	userID, ok := h.requestUser(w, r, body.UID, true)
	if !ok {
		return
	}

	sessionURL, err := h.config.Billing.PortalURL(r.Context(), billing.PortalRequest{
		UserID:    userID,
		Email:     strings.TrimSpace(body.Email),
		ReturnURL: billingURL(requestOrigin(r), "portal"),
	})
	if err != nil {
		h.handleBillingError(w, r, "portal", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{URL: sessionURL})
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.handleError(w, r, errors.New("method not allowed"), http.StatusMethodNotAllowed)
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
		return false
	}
	return true
}

// requestUser picks the user id from the body, falling back to the
// authenticated id. Both must agree when both are present. With
// requireAuth set an unauthenticated request is rejected outright.
func (h *Handler) requestUser(w http.ResponseWriter, r *http.Request, bodyUID string, requireAuth bool) (string, bool) {
	bodyUID = strings.TrimSpace(bodyUID)
	authUID := strings.TrimSpace(h.config.GetUserID(r))
	if requireAuth && authUID == "" {
		h.handleError(w, r, errUserIDNotFound, http.StatusUnauthorized)
		return "", false
	}

	userID := bodyUID
	if userID == "" {
		userID = authUID
	}
	switch {
	case userID == "":
		h.handleError(w, r, billing.ErrMissingUserID, http.StatusBadRequest)
		return "", false
	case len(userID) > maxUserIDLen:
		h.handleError(w, r, errUserIDInvalid, http.StatusBadRequest)
		return "", false
	case authUID != "" && bodyUID != "" && authUID != bodyUID:
		h.handleError(w, r, errUserMismatch, http.StatusForbidden)
		return "", false
	}
	return userID, true
}

func (h *Handler) handleBillingError(w http.ResponseWriter, r *http.Request, op, userID string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, billing.ErrMissingUserID), errors.Is(err, billing.ErrMissingEmail):
		status = http.StatusBadRequest
	case errors.Is(err, billing.ErrPriceNotConfigured), errors.Is(err, billing.ErrProviderNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrProviderAPIError):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.config.Logger.Error("Billing session failed",
			entitlement.F("operation", op),
			entitlement.F("user_id", userID),
			entitlement.F("error", err),
		)
	}
	h.handleError(w, r, err, status)
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	writeJSON(w, statusCode, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	// Response already started; nothing useful to do on failure
	_ = json.NewEncoder(w).Encode(v)
}

// requestOrigin returns scheme://host for the caller, preferring the Origin header
func requestOrigin(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		if u, err := url.Parse(origin); err == nil && u.Scheme != "" && u.Host != "" {
			return u.Scheme + "://" + u.Host
		}
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto == "https" || proto == "http" {
		scheme = proto
	}
	if r.Host == "" {
		return ""
	}
	return scheme + "://" + r.Host
}

func billingURL(origin, status string) string {
	if origin == "" {
		return ""
	}
	return origin + billingPath + "?status=" + url.QueryEscape(status)
}
