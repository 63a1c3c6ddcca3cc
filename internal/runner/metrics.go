package runner

import "github.com/prometheus/client_golang/prometheus"

// metrics is a per-component metric struct, registered once at
// construction rather than through a global emission target.
type metrics struct {
	rowsProcessed      prometheus.Counter
	rowsUnparseable    prometheus.Counter
	checkpointsWritten prometheus.Counter
	publishAttempts    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamingest_runner_rows_processed_total",
			Help: "Number of rows successfully pushed through the appenderator.",
		}),
		rowsUnparseable: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamingest_runner_rows_unparseable_total",
			Help: "Number of rows that failed to parse.",
		}),
		checkpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "streamingest_runner_checkpoints_total",
			Help: "Number of checkpoint actions issued against the metadata store.",
		}),
		publishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamingest_runner_publish_attempts_total",
			Help: "Transactional publish attempts by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.rowsProcessed, m.rowsUnparseable, m.checkpointsWritten, m.publishAttempts)
	}
	return m
}
