// Package metrics exposes Prometheus instrumentation for the federation
// engine: queue depth, delivery outcomes and inbox activity counts by type.
// Metrics are package-level vars registered at init, mirroring the pattern
// used for service instrumentation elsewhere in the corpus, and served at
// /metrics via Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apfed_queue_depth",
			Help: "Number of pending items in a durable queue",
		},
		[]string{"queue"}, // "global" or "user:<uid>"
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apfed_deliveries_total",
			Help: "Total outbound delivery attempts by outcome",
		},
		[]string{"outcome"}, // "done", "retry", "retry_double_penalty"
	)

	InboxActivitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apfed_inbox_activities_total",
			Help: "Total inbound activities processed by type and decision",
		},
		[]string{"type", "decision"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apfed_http_request_duration_seconds",
			Help:    "HTTP handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "status"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(InboxActivitiesTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

// Handler serves the Prometheus exposition format at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
