// Package metrics defines the Prometheus instruments of the reconciler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "reconciler"

// Metrics holds the reconciler's Prometheus collectors.
type Metrics struct {
	Reconciliations    *prometheus.CounterVec
	LockContention     *prometheus.CounterVec
	GatewayDuration    *prometheus.HistogramVec
	SignatureFailures  *prometheus.CounterVec
	EnvelopeRejections prometheus.Counter
	EventsPublished    *prometheus.CounterVec
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Reconciliation attempts by channel, transition and outcome.",
		}, []string{"channel", "transition", "outcome"}),
		LockContention: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_contention_total",
			Help:      "Notifications deferred because another channel held the order lock.",
		}, []string{"channel"}),
		GatewayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of payment gateway API operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		SignatureFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_failures_total",
			Help:      "Notifications rejected because their signature did not verify.",
		}, []string{"channel"}),
		EnvelopeRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_envelope_rejections_total",
			Help:      "Webhook bodies that failed envelope validation.",
		}),
		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Reconciliation outcome events by publisher backend and result.",
		}, []string{"backend", "result"}),
	}
}

// ObserveGatewayRequest records the duration of a gateway API operation.
func (m *Metrics) ObserveGatewayRequest(operation, outcome string, d time.Duration) {
	m.GatewayDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// ObserveReconciliation counts one reconciliation attempt.
func (m *Metrics) ObserveReconciliation(channel, transition, outcome string) {
	m.Reconciliations.WithLabelValues(channel, transition, outcome).Inc()
}

// LockContended counts a deferred notification.
func (m *Metrics) LockContended(channel string) {
	m.LockContention.WithLabelValues(channel).Inc()
}

// SignatureFailed counts a rejected signature.
func (m *Metrics) SignatureFailed(channel string) {
	m.SignatureFailures.WithLabelValues(channel).Inc()
}

// EnvelopeRejected counts a rejected webhook envelope.
func (m *Metrics) EnvelopeRejected() {
	m.EnvelopeRejections.Inc()
}

// EventPublished counts a publish attempt.
func (m *Metrics) EventPublished(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublished.WithLabelValues(backend, result).Inc()
}
