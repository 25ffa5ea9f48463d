// Package telemetry exposes the Prometheus metrics the supervisor, task
// executor, and recovery engine update as they run: queue depth, recovery
// attempts, degraded-mode state, and task throughput.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector this module registers. Construct one with
// NewMetrics and pass it down to the components that record against it;
// there is no package-level global so tests can register independent
// instances in their own registries.
type Metrics struct {
	QueueDepth       *prometheus.GaugeVec
	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	RecoveryAttempts *prometheus.CounterVec
	DegradedMode     *prometheus.GaugeVec
	TaskDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers the full collector set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestron",
			Subsystem: "taskqueue",
			Name:      "depth",
			Help:      "Number of tasks currently ready or in-progress per workspace.",
		}, []string{"workspace_id", "status"}),

		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestron",
			Subsystem: "executor",
			Name:      "tasks_completed_total",
			Help:      "Total tasks that reached the completed state.",
		}, []string{"workspace_id"}),

		TasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestron",
			Subsystem: "executor",
			Name:      "tasks_failed_total",
			Help:      "Total tasks that reached the failed state, by failure kind.",
		}, []string{"workspace_id", "kind"}),

		RecoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "orchestron",
			Subsystem: "recovery",
			Name:      "attempts_total",
			Help:      "Total recovery attempts, by strategy and outcome.",
		}, []string{"workspace_id", "strategy", "outcome"}),

		DegradedMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestron",
			Subsystem: "supervisor",
			Name:      "degraded_mode",
			Help:      "1 if the workspace supervisor is in degraded mode, 0 otherwise.",
		}, []string{"workspace_id"}),

		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "orchestron",
			Subsystem: "executor",
			Name:      "task_duration_seconds",
			Help:      "Task execution wall-clock time from claim to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"workspace_id"}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.TasksCompleted,
		m.TasksFailed,
		m.RecoveryAttempts,
		m.DegradedMode,
		m.TaskDuration,
	)

	return m
}

// SetDegraded records whether workspaceID is currently in degraded mode.
func (m *Metrics) SetDegraded(workspaceID string, degraded bool) {
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.DegradedMode.WithLabelValues(workspaceID).Set(v)
}
