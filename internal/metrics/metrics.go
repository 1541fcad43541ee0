// Package metrics holds the service's Prometheus collectors. They register
// on the default registry, served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Initiations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_initiations_total",
			Help: "Donation initiations by rail and outcome",
		},
		[]string{"rail", "outcome"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_status_transitions_total",
			Help: "Applied status transitions",
		},
		[]string{"rail", "to", "source", "verified"},
	)

	Signals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_terminal_signals_total",
			Help: "Terminal signals received by outcome (applied, duplicate, conflict, unknown)",
		},
		[]string{"source", "outcome"},
	)

	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "donation_provider_request_duration_seconds",
			Help:    "Latency of provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"rail", "operation", "result"},
	)

	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_callbacks_total",
			Help: "Provider callbacks by rail and result",
		},
		[]string{"rail", "result"},
	)

	StatusCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_status_cache_requests_total",
			Help: "Status cache lookups by result",
		},
		[]string{"result"},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_event_publish_errors_total",
			Help: "Failed status event deliveries by sink",
		},
		[]string{"sink"},
	)
)

// Verified renders the label for whether a provider confirmed the outcome.
func Verified(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
