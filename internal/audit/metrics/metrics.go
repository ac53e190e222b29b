package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the audit trail.
type Metrics struct {
	EntriesWritten *prometheus.CounterVec
	WriteFailures  *prometheus.CounterVec
	ExportFailures prometheus.Counter
}

// New registers and returns audit metrics collectors.
func New() *Metrics {
	return &Metrics{
		EntriesWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_audit_entries_written_total",
			Help: "Total number of audit entries persisted, labeled by action and outcome",
		}, []string{"action", "outcome"}),
		WriteFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_audit_write_failures_total",
			Help: "Total number of failed audit writes, labeled by mode",
		}, []string{"mode"}),
		ExportFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caseguard_audit_export_failures_total",
			Help: "Total number of failed exports to the compliance sink",
		}),
	}
}
