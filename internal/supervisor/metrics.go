package supervisor

import "github.com/prometheus/client_golang/prometheus"

// metrics mirrors internal/runner's per-component metric struct,
// registered once at construction.
type metrics struct {
	tasksSubmitted   *prometheus.CounterVec
	tasksKilled      *prometheus.CounterVec
	taskFailures     prometheus.Counter
	handoffs         prometheus.Counter
	ticksRun         prometheus.Counter
	tickErrors       prometheus.Counter
	activeTaskGroups prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamingest_supervisor_tasks_submitted_total",
			Help: "Task submissions issued by the supervisor, by reason.",
		}, []string{"reason"}),
		tasksKilled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamingest_supervisor_tasks_killed_total",
			Help: "Tasks killed by the supervisor, by reason.",
		}, []string{"reason"}),
		taskFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamingest_supervisor_task_failures_total",
			Help: "Replica failures detected during status polling.",
		}),
		handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamingest_supervisor_handoffs_total",
			Help: "Task groups successfully handed off to publishing.",
		}),
		ticksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamingest_supervisor_ticks_total",
			Help: "Planning ticks run.",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamingest_supervisor_tick_errors_total",
			Help: "Planning ticks aborted by a metadata-store error.",
		}),
		activeTaskGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamingest_supervisor_active_task_groups",
			Help: "Task groups currently in the reading phase.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.tasksSubmitted, m.tasksKilled, m.taskFailures,
			m.handoffs, m.ticksRun, m.tickErrors, m.activeTaskGroups)
	}
	return m
}
