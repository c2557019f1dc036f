package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func TestMetrics_WebhookCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "tiersync")

	m.RecordWebhookEvent("stripe", "checkout.session.completed", "applied")
	m.RecordWebhookEvent("stripe", "checkout.session.completed", "applied")
	m.RecordWebhookEvent("stripe", "unknown", "rejected")
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordRateLimited("stripe")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("stripe", "checkout.session.completed", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEventsTotal.WithLabelValues("stripe", "unknown", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitedTotal.WithLabelValues("stripe")))
}

func TestMetrics_Durations(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "tiersync")

	m.RecordWebhookProcessingDuration("stripe", "invoice.paid", 30*time.Millisecond)
	m.RecordAPICall("stripe", "/checkout/sessions", "success")
	m.RecordAPICallDuration("stripe", "/checkout/sessions", 120*time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tiersync_billing_webhook_processing_duration_seconds"])
	assert.True(t, names["tiersync_billing_api_calls_total"])
	assert.True(t, names["tiersync_billing_api_call_duration_seconds"])
}
