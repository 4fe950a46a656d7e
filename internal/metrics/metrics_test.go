package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordDispatch("email", true)
		m.RecordAttempt("resend", "email", "ok", time.Millisecond)
		m.RecordWebhook("twilio", "applied")
		m.RecordTransition("SENT", "DELIVERED")
		m.SetOrphaned(3)
	})
}

func TestRecord(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordDispatch("sms", true)
	m.RecordDispatch("sms", false)
	m.RecordDispatch("sms", false)
	m.RecordWebhook("resend", "duplicate")
	m.RecordTransition("SENT", "DELIVERED")
	m.SetOrphaned(4)

	assert.InDelta(t, 1, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("sms", "accepted")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DispatchTotal.WithLabelValues("sms", "rejected")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.WebhookEventsTotal.WithLabelValues("resend", "duplicate")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StatusTransitionsTotal.WithLabelValues("SENT", "DELIVERED")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(m.OrphanedWebhooks), 0)
}

func TestNew_DuplicateRegistration(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := New(registry)
	require.NoError(t, err)

	_, err = New(registry)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := New(registry)
	require.NoError(t, err)
	m.RecordAttempt("resend", "email", "ok", 20*time.Millisecond)

	w := httptest.NewRecorder()
	Handler(registry).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `herald_provider_attempts_total{channel="email",provider="resend",result="ok"} 1`)
	assert.Contains(t, w.Body.String(), "herald_provider_attempt_duration_seconds_bucket")
}
