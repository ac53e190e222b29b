package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the encryption service.
type Metrics struct {
	SealsTotal       prometheus.Counter
	OpensTotal       prometheus.Counter
	DecryptFailures  *prometheus.CounterVec
	RotationReseals  prometheus.Counter
	RotationDuration prometheus.Histogram
}

// New registers and returns encryption metrics collectors.
func New() *Metrics {
	return &Metrics{
		SealsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caseguard_crypto_seals_total",
			Help: "Total number of protected-field seal operations",
		}),
		OpensTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caseguard_crypto_opens_total",
			Help: "Total number of protected-field open operations",
		}),
		DecryptFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_crypto_decrypt_failures_total",
			Help: "Total number of decrypt failures, labeled by cause",
		}, []string{"cause"}),
		RotationReseals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caseguard_crypto_rotation_reseals_total",
			Help: "Total number of envelopes re-sealed by key rotation",
		}),
		RotationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "caseguard_crypto_rotation_duration_seconds",
			Help:    "Duration of key rotation passes in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
	}
}

// ObserveRotation records the outcome of one rotation pass.
func (m *Metrics) ObserveRotation(resealed int, d time.Duration) {
	m.RotationReseals.Add(float64(resealed))
	m.RotationDuration.Observe(d.Seconds())
}
