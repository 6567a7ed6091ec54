package queue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/coderun/internal/model"
)

var (
	jobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by priority.",
		},
		[]string{"priority"},
	)

	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_job_transitions_total",
			Help: "Total number of job state transitions, by target state.",
		},
		[]string{"state"},
	)

	jobsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coderun_jobs_released_total",
		Help: "Jobs returned to the queue uncounted because their worker stopped.",
	})

	jobsRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coderun_jobs_recovered_total",
		Help: "Jobs taken back after their claim expired.",
	})

	retryDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderun_job_retry_delay_seconds",
			Help:    "Backoff applied before a failed job is retried, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(jobsEnqueued)
	prometheus.MustRegister(jobTransitions)
	prometheus.MustRegister(retryDelay)
	prometheus.MustRegister(jobsReleased, jobsRecovered)

	for _, p := range []model.Priority{model.PriorityHigh, model.PriorityNormal, model.PriorityLow} {
		jobsEnqueued.WithLabelValues(p.String())
	}
	for _, s := range []model.State{
		model.StateActive, model.StateWaiting, model.StateCompleted,
		model.StateFailed, model.StateTimedOut,
	} {
		jobTransitions.WithLabelValues(string(s))
	}
}
