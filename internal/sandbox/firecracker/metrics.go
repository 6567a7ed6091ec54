package firecracker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/coderun/internal/model"
)

// Metric label values for how a microVM run ended.
const (
	outcomeExited = "exited"
	outcomeKilled = "killed"
	outcomeFailed = "failed"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderun_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coderun_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	guestRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderun_firecracker_guest_run_seconds",
			Help:    "Time from sending the run request to the guest's final result or disconnect, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "coderun_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and resource release, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	vmRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_firecracker_runs_total",
			Help: "Total number of program runs hosted in Firecracker microVMs.",
		},
		[]string{"language", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(guestRunDuration)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(vmRunsTotal)

	// Pre-initialize counter label combinations so they appear in /metrics
	// with value 0 from startup, rather than only after first observation.
	for _, lang := range model.LanguageNames() {
		vmRunsTotal.WithLabelValues(lang, outcomeExited)
		vmRunsTotal.WithLabelValues(lang, outcomeKilled)
		vmRunsTotal.WithLabelValues(lang, outcomeFailed)
	}
}
