package historycache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instrumentation follows the teacher's friggdb/pool.Pool idiom:
// promauto-registered gauges/counters read by the Prometheus default
// registry, named under a single namespace.
const metricsNamespace = "historycache"

var (
	metricLiveSamples = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "live_samples",
		Help:      "Number of samples currently held by a cache.",
	}, []string{"cache"})

	metricLiveInstances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "live_instances",
		Help:      "Number of instances currently held by a cache.",
	}, []string{"cache"})

	metricSamplesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "samples_rejected_total",
		Help:      "Samples rejected by admission control, by cause.",
	}, []string{"cache", "cause"})

	metricSamplesEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "samples_evicted_total",
		Help:      "Samples evicted to make room for a newer sample.",
	}, []string{"cache"})

	metricBlockedCaches = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "blocked",
		Help:      "1 if the reliable reader cache is currently back-pressuring its writers.",
	}, []string{"cache"})

	metricPendingTransfers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "pending_transfers",
		Help:      "Samples queued in a producer cache's pending-transfer list.",
	}, []string{"cache"})

	metricTransferLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "transfer_latency_seconds",
		Help:      "Time a sample spends queued in the pending-transfer list before delivery.",
		Buckets:   prometheus.DefBuckets,
	})

	metricQoSReaps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "qos_reaps_total",
		Help:      "Instances/samples reaped by a QoS timer scan, by scan type.",
	}, []string{"cache", "scan"})
)
