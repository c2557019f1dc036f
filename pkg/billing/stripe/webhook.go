package stripe

import (
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/tiersync/pkg/billing"
	"github.com/mihaimyh/tiersync/pkg/billing/internal"
	"github.com/mihaimyh/tiersync/pkg/entitlement"
)

const unknownEventType = "unknown"

// handleWebhook processes incoming Stripe webhook deliveries.
//
// Applied and skipped deliveries are acknowledged with 200 so Stripe stops
// retrying. Rejected deliveries get 400. Failures get 500 so Stripe retries.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		_ = internal.WriteJSON(w, http.StatusMethodNotAllowed, billing.ErrorResponse{Error: "method not allowed"})
		return
	}

	// Read and validate body (with size limit protection)
	body, err := internal.ReadBodyStrict(w, r, p.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, billing.ErrorResponse{Error: "payload too large"})
			return
		}
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		_ = internal.WriteJSON(w, http.StatusBadRequest, billing.ErrorResponse{Error: "invalid payload"})
		return
	}

	result := p.reconciler.HandleDelivery(r.Context(), body, r.Header.Get(signatureHeader))

	eventType := result.EventType
	if eventType == "" {
		eventType = unknownEventType
	}
	p.metrics.RecordWebhookEvent(providerName, eventType, string(result.Outcome))
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))

	switch result.Outcome {
	case entitlement.OutcomeRejected:
		p.metrics.RecordWebhookError(providerName, result.Reason)
		msg := "invalid event"
		if result.Reason == entitlement.ReasonAuthFailed {
			msg = "invalid signature"
		}
		_ = internal.WriteJSON(w, http.StatusBadRequest, billing.ErrorResponse{Error: msg})
	case entitlement.OutcomeFailed:
		p.metrics.RecordWebhookError(providerName, result.Reason)
		_ = internal.WriteJSON(w, http.StatusInternalServerError, billing.ErrorResponse{Error: "processing failed"})
	default:
		_ = internal.WriteJSON(w, http.StatusOK, billing.WebhookAck{
			Received: true,
			Outcome:  string(result.Outcome),
			EventID:  result.EventID,
			Reason:   result.Reason,
		})
	}
}
