package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/coderun/internal/model"
)

var (
	poolWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderun_worker_pool_size",
			Help: "Number of workers in the pool.",
		},
	)

	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderun_workers_busy",
			Help: "Number of workers currently executing a job.",
		},
	)

	queueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderun_job_queue_wait_seconds",
			Help:    "Time from job creation to the start of an attempt, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_worker_attempts_total",
			Help: "Total number of attempts processed, by resulting job state.",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(poolWorkers)
	prometheus.MustRegister(busyWorkers)
	prometheus.MustRegister(queueWait)
	prometheus.MustRegister(jobsProcessed)

	for _, s := range []model.State{
		model.StateActive, model.StateWaiting, model.StateCompleted,
		model.StateFailed, model.StateTimedOut,
	} {
		jobsProcessed.WithLabelValues(string(s))
	}
}
