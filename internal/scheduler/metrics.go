package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes a Scheduler's worker-pool state as prometheus
// collectors, grounded on aistore's worker-pool + prometheus pairing
// (internal/scheduler's concurrency idiom is itself grounded on aistore's
// pool package; this carries the same observability habit over). A
// Scheduler with a nil Metrics does no extra work — wiring it is opt-in,
// since only cmd/blit's local-transfer path currently constructs one.
type Metrics struct {
	ActiveWorkers    prometheus.Gauge
	ThroughputGbps   prometheus.Gauge
	TasksCompleted   prometheus.Counter
	TasksFailed      prometheus.Counter
	BytesTransferred prometheus.Counter
}

// NewMetrics registers a fresh set of scheduler collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blit", Subsystem: "scheduler", Name: "active_workers",
			Help: "Number of worker goroutines currently running.",
		}),
		ThroughputGbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blit", Subsystem: "scheduler", Name: "throughput_gbps",
			Help: "EWMA of observed transfer throughput in gigabits per second.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blit", Subsystem: "scheduler", Name: "tasks_completed_total",
			Help: "Tasks that completed without a terminal error.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blit", Subsystem: "scheduler", Name: "tasks_failed_total",
			Help: "Tasks that exhausted their retry budget.",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blit", Subsystem: "scheduler", Name: "bytes_transferred_total",
			Help: "Bytes moved by every worker's successful task.",
		}),
	}
	reg.MustRegister(m.ActiveWorkers, m.ThroughputGbps, m.TasksCompleted, m.TasksFailed, m.BytesTransferred)
	return m
}
