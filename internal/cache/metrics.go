package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	lookupHit  = "hit"
	lookupMiss = "miss"
)

var (
	cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coderun_cache_lookups_total",
			Help: "Total number of dedup cache lookups, by result.",
		},
		[]string{"result"},
	)

	cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderun_cache_evictions_total",
			Help: "Total number of cached results evicted by size or age.",
		},
	)

	cacheCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderun_cache_coalesced_total",
			Help: "Total number of submissions folded into an in-flight job.",
		},
	)

	flightsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coderun_cache_flights_expired_total",
			Help: "Total number of in-flight entries dropped for age.",
		},
	)
)

func init() {
	prometheus.MustRegister(cacheLookups)
	prometheus.MustRegister(cacheEvictions)
	prometheus.MustRegister(cacheCoalesced)
	prometheus.MustRegister(flightsExpired)

	cacheLookups.WithLabelValues(lookupHit)
	cacheLookups.WithLabelValues(lookupMiss)
}
