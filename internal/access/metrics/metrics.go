package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the access engine.
type Metrics struct {
	ChecksTotal       *prometheus.CounterVec
	ConfigurationGaps prometheus.Counter
	BlockHits         prometheus.Counter
	CheckLatency      prometheus.Histogram
}

// New registers and returns access engine metrics collectors.
func New() *Metrics {
	return &Metrics{
		ChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_access_checks_total",
			Help: "Total number of access checks, labeled by permission key and outcome",
		}, []string{"permission_key", "outcome"}),
		ConfigurationGaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caseguard_access_configuration_gaps_total",
			Help: "Total number of checks that hit an unmapped (role, permission key) pair",
		}),
		BlockHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caseguard_access_block_hits_total",
			Help: "Total number of checks denied by a client access block",
		}),
		CheckLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseguard_access_check_latency_seconds",
			Help:    "Latency of access checks in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
}
