// Package prommetrics provides a Prometheus implementation of the
// subscription.Metrics interface.
package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gptgate/gptgate/pkg/subscription"
)

// Metrics implements subscription.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	statusChangesTotal        *prometheus.CounterVec
	accessChecksTotal         *prometheus.CounterVec
	upstreamCallsTotal        *prometheus.CounterVec
	upstreamCallDuration      *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received from the payment processor.",
		}, []string{"event_type", "status"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		webhookErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "webhook_errors_total",
			Help:      "Total number of webhook processing errors.",
		}, []string{"error_type"}),

		statusChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "status_changes_total",
			Help:      "Total number of user subscription status transitions.",
		}, []string{"from", "to"}),

		accessChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "access_checks_total",
			Help:      "Total number of access checks by outcome.",
		}, []string{"result"}),

		upstreamCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "upstream_calls_total",
			Help:      "Total number of API calls to the payment processor.",
		}, []string{"operation", "status"}),

		upstreamCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "upstream_call_duration_seconds",
			Help:      "Duration of payment processor API calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(errorType string) {
	m.webhookErrorsTotal.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordStatusChange(from, to subscription.Status) {
	m.statusChangesTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordAccessCheck(result string) {
	m.accessChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordUpstreamCall(operation, status string) {
	m.upstreamCallsTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) RecordUpstreamCallDuration(operation string, duration time.Duration) {
	m.upstreamCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
