// Package metrics holds the transport-level Prometheus metrics. Domain
// modules register their own metrics next to their services.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds HTTP server metrics.
type Metrics struct {
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
}

// New creates and registers the transport metrics.
func New() *Metrics {
	return &Metrics{
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseguard_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route pattern and status class",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		RequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "caseguard_http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		}),
	}
}
