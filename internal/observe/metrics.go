// Package observe holds the daemon's prometheus collectors and the admin
// HTTP surface. The core only emits events and counters; shipping them
// anywhere is the operator's concern.
package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Executions counts finished jobs by terminal status.
	Executions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boxd",
		Name:      "executions_total",
		Help:      "Finished jobs by terminal status.",
	}, []string{"status"})

	// SyscallVerdicts counts supervisor decisions by verdict.
	SyscallVerdicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "boxd",
		Name:      "syscall_verdicts_total",
		Help:      "Supervisor decisions by verdict.",
	}, []string{"verdict"})

	// WorkersIdle and WorkersBusy track the pool split.
	WorkersIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boxd",
		Name:      "workers_idle",
		Help:      "Workers currently idle.",
	})
	WorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boxd",
		Name:      "workers_busy",
		Help:      "Workers currently executing a job.",
	})

	// QueueDepth is the number of requests waiting for an idle worker.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "boxd",
		Name:      "queue_depth",
		Help:      "Requests waiting for an idle worker.",
	})

	// WorkerRecycles counts scheduled worker replacements.
	WorkerRecycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Name:      "worker_recycles_total",
		Help:      "Workers recycled after reaching the execution threshold.",
	})

	// WorkerCrashes counts abnormal worker exits.
	WorkerCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "boxd",
		Name:      "worker_crashes_total",
		Help:      "Workers that exited abnormally or broke protocol.",
	})

	// JobDuration observes job wall-clock time in seconds.
	JobDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "boxd",
		Name:      "job_duration_seconds",
		Help:      "Job wall-clock duration.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

// NewRegistry returns a registry with every daemon collector registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		Executions,
		SyscallVerdicts,
		WorkersIdle,
		WorkersBusy,
		QueueDepth,
		WorkerRecycles,
		WorkerCrashes,
		JobDuration,
	)
	return reg
}
