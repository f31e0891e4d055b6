// Package metrics manages Prometheus instrumentation for orchestration
// activity: failure classification counts, orchestration starts and
// terminations, activity retries, and sweep results.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Set holds the collectors exported by the service.
type Set struct {
	Failures                 *prometheus.CounterVec
	OrchestrationsStarted    *prometheus.CounterVec
	OrchestrationsCompleted  *prometheus.CounterVec
	OrchestrationsTerminated prometheus.Counter
	ActivityRetries          *prometheus.CounterVec
	SweepUsers               *prometheus.CounterVec
	SweepRuns                *prometheus.CounterVec
}

var (
	setInstance *Set
	setOnce     sync.Once
)

// Get returns the process-wide metric set, registering collectors on first
// use.
func Get() *Set {
	setOnce.Do(func() {
		setInstance = &Set{
			Failures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "cardlife",
					Name:      "failures_total",
					Help:      "Classified failures by kind (transient or permanent).",
				},
				[]string{"kind"},
			),
			OrchestrationsStarted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "cardlife",
					Name:      "orchestrations_started_total",
					Help:      "Orchestration instances started, by orchestrator name.",
				},
				[]string{"orchestrator"},
			),
			OrchestrationsCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "cardlife",
					Name:      "orchestrations_completed_total",
					Help:      "Orchestration instances reaching a terminal state, by runtime status.",
				},
				[]string{"status"},
			),
			OrchestrationsTerminated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: "cardlife",
					Name:      "orchestrations_terminated_total",
					Help:      "Orchestration instances terminated by a higher-priority request.",
				},
			),
			ActivityRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "cardlife",
					Name:      "activity_retries_total",
					Help:      "Activity invocations retried after a transient failure.",
				},
				[]string{"activity"},
			),
			SweepUsers: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "cardlife",
					Name:      "sweep_users_total",
					Help:      "Users processed by the expiration sweep, by outcome.",
				},
				[]string{"result"},
			),
			SweepRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "cardlife",
					Name:      "sweep_runs_total",
					Help:      "Daily sweep executions, by outcome.",
				},
				[]string{"result"},
			),
		}

		prometheus.MustRegister(
			setInstance.Failures,
			setInstance.OrchestrationsStarted,
			setInstance.OrchestrationsCompleted,
			setInstance.OrchestrationsTerminated,
			setInstance.ActivityRetries,
			setInstance.SweepUsers,
			setInstance.SweepRuns,
		)
	})
	return setInstance
}
