package rpcclient

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Call outcomes recorded in metrics.
const (
	outcomeOK        = "ok"
	outcomeRPCError  = "rpc_error"
	outcomeAuth      = "auth"
	outcomeNotFound  = "not_found"
	outcomeProtocol  = "protocol"
	outcomeTransport = "transport"
	outcomeSuspended = "suspended"
	outcomeCanceled  = "canceled"
)

type transportMetrics struct {
	calls   *prometheus.CounterVec
	retries *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	transportMetricsOnce sync.Once
	transportRegistry    *transportMetrics
)

func defaultTransportMetrics() *transportMetrics {
	transportMetricsOnce.Do(func() {
		transportRegistry = &transportMetrics{
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cointerm",
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Daemon RPC calls by method and outcome.",
			}, []string{"method", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "cointerm",
				Subsystem: "rpc",
				Name:      "retries_total",
				Help:      "Connection-level retries by method.",
			}, []string{"method"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "cointerm",
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Wall time of daemon RPC calls including retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			transportRegistry.calls,
			transportRegistry.retries,
			transportRegistry.latency,
		)
	})
	return transportRegistry
}
