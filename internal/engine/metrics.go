package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/coderun/internal/model"
)

// Metric label values for execution outcomes.
const (
	outcomeCompleted  = "completed"
	outcomeTimedOut   = "timed_out"
	outcomeInfraError = "infra_error"
)

var (
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coderun_execution_duration_seconds",
			Help:    "Wall-clock duration of an execution attempt including sandbox setup, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"language"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_executions_total",
			Help: "Total number of execution attempts by outcome.",
		},
		[]string{"language", "outcome"},
	)

	activeSandboxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderun_active_sandboxes",
			Help: "Number of sandboxes currently allocated.",
		},
	)

	teardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderun_sandbox_teardown_seconds",
			Help:    "Duration of sandbox destruction, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(executionDuration)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(activeSandboxes)
	prometheus.MustRegister(teardownDuration)

	for _, lang := range model.LanguageNames() {
		executionsTotal.WithLabelValues(lang, outcomeCompleted)
		executionsTotal.WithLabelValues(lang, outcomeTimedOut)
		executionsTotal.WithLabelValues(lang, outcomeInfraError)
	}
}

// observeRun records one Run call. Validation failures never reach a sandbox
// and are not counted.
func observeRun(language string, err error, d time.Duration) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return
	}
	executionDuration.WithLabelValues(language).Observe(d.Seconds())
	executionsTotal.WithLabelValues(language, outcomeOf(err)).Inc()
}
