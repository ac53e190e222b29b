package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the erasure workflow.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionFailures prometheus.Counter
	RecordsErased     *prometheus.CounterVec
}

// New registers and returns erasure metrics collectors.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_erasure_requests_total",
			Help: "Erasure requests submitted, labeled by tier",
		}, []string{"tier"}),
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_erasure_transitions_total",
			Help: "Erasure state transitions, labeled by target state",
		}, []string{"state"}),
		ExecutionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_erasure_executions_total",
			Help: "Executed erasures, labeled by tier",
		}, []string{"tier"}),
		ExecutionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "caseguard_erasure_execution_failures_total",
			Help: "Erasure executions that failed and will be retried or escalated",
		}),
		RecordsErased: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "caseguard_erasure_records_erased_total",
			Help: "Records touched by erasure execution, labeled by record type",
		}, []string{"record_type"}),
	}
}
