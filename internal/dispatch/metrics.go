package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Submission outcomes.
const (
	outcomeQueued    = "queued"
	outcomeCached    = "cached"
	outcomeCoalesced = "coalesced"
	outcomeRejected  = "rejected"
)

var submissions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coderun_submissions_total",
		Help: "Total number of submissions, by how they were handled.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(submissions)
	for _, o := range []string{outcomeQueued, outcomeCached, outcomeCoalesced, outcomeRejected} {
		submissions.WithLabelValues(o)
	}
}
