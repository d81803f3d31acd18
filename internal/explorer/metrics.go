package explorer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type explorerMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	cache    *prometheus.CounterVec
}

var (
	explorerMetricsOnce sync.Once
	explorerRegistry    *explorerMetrics
)

func defaultExplorerMetrics() *explorerMetrics {
	explorerMetricsOnce.Do(func() {
		explorerRegistry = &explorerMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cointerm",
				Subsystem: "explorer",
				Name:      "requests_total",
				Help:      "Explorer HTTP requests by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cointerm",
				Subsystem: "explorer",
				Name:      "request_duration_seconds",
				Help:      "Wall time of explorer requests including rate limiting.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			cache: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cointerm",
				Subsystem: "explorer",
				Name:      "cache_lookups_total",
				Help:      "Normalized record cache lookups by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			explorerRegistry.requests,
			explorerRegistry.latency,
			explorerRegistry.cache,
		)
	})
	return explorerRegistry
}
