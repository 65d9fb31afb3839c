package coherence

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_cache_hits_total",
		Help: "Fresh cache hits served, by namespace",
	}, []string{"namespace"})

	missesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_cache_misses_total",
		Help: "Cache misses (absent, expired, purged or self-healed), by namespace",
	}, []string{"namespace"})

	failOpenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_cache_fail_open_total",
		Help: "Reads served live because the cache backend errored, by namespace",
	}, []string{"namespace"})

	purgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_purges_total",
		Help: "Successful namespace purges, by namespace",
	}, []string{"namespace"})

	purgeRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_purge_retries_total",
		Help: "Purge attempts that failed and were retried, by namespace",
	}, []string{"namespace"})

	purgeExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coherence_purge_exhausted_total",
		Help: "Purges that ran out of retry attempts, by namespace",
	}, []string{"namespace"})
)
