// Package metrics provides Prometheus metrics for dispatch, provider attempts,
// webhook reconciliation, and status transitions.
package metrics

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector exported by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	DispatchTotal           *prometheus.CounterVec   // dispatches by channel and result
	ProviderAttemptsTotal   *prometheus.CounterVec   // adapter attempts by provider, channel, result
	ProviderAttemptDuration *prometheus.HistogramVec // adapter latency by provider and channel
	WebhookEventsTotal      *prometheus.CounterVec   // reconcile outcomes by provider
	StatusTransitionsTotal  *prometheus.CounterVec   // accepted transitions by from/to
	OrphanedWebhooks        prometheus.Gauge         // webhooks parked during the last reaper sweep
}

// New creates the collectors and registers them with registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	m.initMetrics()

	collectors := []prometheus.Collector{
		m.DispatchTotal,
		m.ProviderAttemptsTotal,
		m.ProviderAttemptDuration,
		m.WebhookEventsTotal,
		m.StatusTransitionsTotal,
		m.OrphanedWebhooks,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering notification metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_dispatch_total",
			Help: "Total number of dispatched notifications by channel and result",
		},
		[]string{"channel", "result"}, // result: accepted, rejected
	)

	m.ProviderAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_provider_attempts_total",
			Help: "Total number of provider delivery attempts by provider, channel, and result",
		},
		[]string{"provider", "channel", "result"}, // result: ok or an error kind
	)

	m.ProviderAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_provider_attempt_duration_seconds",
			Help:    "Time taken by a single provider delivery attempt",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
		},
		[]string{"provider", "channel"},
	)

	m.WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_webhook_events_total",
			Help: "Total number of provider webhook events by provider and reconcile outcome",
		},
		[]string{"provider", "outcome"},
	)

	m.StatusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_status_transitions_total",
			Help: "Total number of accepted notification status transitions",
		},
		[]string{"from", "to"},
	)

	m.OrphanedWebhooks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "herald_orphaned_webhooks",
			Help: "Number of parked webhook events seen by the last reaper sweep",
		},
	)
}

// RecordDispatch counts one Dispatcher invocation.
func (m *Metrics) RecordDispatch(channel string, accepted bool) {
	if m == nil {
		return
	}
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	m.DispatchTotal.WithLabelValues(channel, result).Inc()
}

// RecordAttempt counts one adapter attempt and observes its latency.
func (m *Metrics) RecordAttempt(provider, channel, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderAttemptsTotal.WithLabelValues(provider, channel, result).Inc()
	m.ProviderAttemptDuration.WithLabelValues(provider, channel).Observe(d.Seconds())
}

// RecordWebhook counts one reconcile outcome.
func (m *Metrics) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordTransition counts one accepted status transition.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.StatusTransitionsTotal.WithLabelValues(from, to).Inc()
}

// SetOrphaned sets the orphaned webhook gauge.
func (m *Metrics) SetOrphaned(n int) {
	if m == nil {
		return
	}
	m.OrphanedWebhooks.Set(float64(n))
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
