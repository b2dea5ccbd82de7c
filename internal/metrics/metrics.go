// Package metrics exposes Prometheus metrics for the warden daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the daemon's Prometheus collectors.
type Metrics struct {
	TasksCreatedTotal     *prometheus.CounterVec
	ActionsTotal          *prometheus.CounterVec
	RunsTotal             *prometheus.CounterVec
	PolicyViolationsTotal prometheus.Counter
	RunDuration           prometheus.Histogram
}

// New registers and returns the daemon metrics. Registration happens once per
// process; later calls return the same set.
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TasksCreatedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "warden_tasks_created_total",
					Help: "Total number of tasks created",
				},
				[]string{"initial_status"},
			),
			ActionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "warden_actions_total",
					Help: "Total number of task actions applied",
				},
				[]string{"action", "outcome"},
			),
			RunsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "warden_runs_total",
					Help: "Total number of task runs by final outcome",
				},
				[]string{"outcome"},
			),
			PolicyViolationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "warden_policy_violations_total",
					Help: "Total number of runs rejected by the diff policy",
				},
			),
			RunDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "warden_run_duration_seconds",
					Help:    "Wall-clock duration of task runs",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
			),
		}
	})
	return globalMetrics
}
