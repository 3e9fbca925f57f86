// Package metrics wires Prometheus collectors into the orchestrator
// tick and liveness tick, grounded on the corpus's
// prometheus/client_golang + promauto usage (karpenter-core's
// provisioner metrics, cuemby/warren's orchestrator metrics).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector the hub exposes. A fresh Registry can
// be built per test to avoid global-registry collisions.
type Registry struct {
	TickDuration          *prometheus.HistogramVec
	AssignmentsCreated    prometheus.Counter
	ValidationOutcomes    *prometheus.CounterVec
	NodeStateTransitions  *prometheus.CounterVec
	TasksByStatus         *prometheus.GaugeVec
	ActiveQueueDepth      prometheus.Gauge
}

// New registers and returns a Registry under the given namespace and
// Prometheus registerer (pass prometheus.NewRegistry() in tests to
// avoid the global DefaultRegisterer).
func New(namespace string, reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		TickDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each orchestrator tick step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		AssignmentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "created_total",
			Help:      "Total Assignments created by the AssignmentEngine.",
		}),
		ValidationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "validator",
			Name:      "outcomes_total",
			Help:      "Validation outcomes, labeled validated|failed.",
		}, []string{"outcome"}),
		NodeStateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "node_state_transitions_total",
			Help:      "Node status transitions, labeled by the resulting status.",
		}, []string{"status"}),
		TasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_by_status",
			Help:      "Current task count per status.",
		}, []string{"status"}),
		ActiveQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_queue_depth",
			Help:      "Current number of tasks in_queue or in_progress.",
		}),
	}
}
