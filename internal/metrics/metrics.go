// Package metrics holds spillway's Prometheus collectors.
//
// Collectors are package-level so components can record without plumbing a
// registry through every constructor. They only become visible once Init has
// registered them on the private registry served at /metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "spillway"

var (
	once     sync.Once
	registry *prometheus.Registry

	IngestRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_requests_total",
		Help:      "Ingest requests by outcome.",
	}, []string{"outcome"})

	SecretFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "secret_fetches_total",
		Help:      "External secret store fetches by result.",
	}, []string{"result"})

	SecretCacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "secret_cache_hits_total",
		Help:      "Secret lookups served from the cache.",
	})

	SegmentsSealedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_sealed_total",
		Help:      "Segments sealed for delivery by trigger.",
	}, []string{"trigger"})

	SegmentBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "segment_bytes",
		Help:      "Serialized size of sealed segments.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	})

	OpenSegmentBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_segment_bytes",
		Help:      "Bytes accumulated in the open segment.",
	})

	DeliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_attempts_total",
		Help:      "Durable store put attempts by result.",
	}, []string{"result"})

	DeliveryFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Segments whose delivery failed permanently or exhausted retries.",
	})

	DeliveryDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "delivery_duration_seconds",
		Help:      "Time from segment seal to terminal delivery state.",
		Buckets:   prometheus.DefBuckets,
	})

	TierTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tier_transitions_total",
		Help:      "Objects moved to a storage class by the local tier sweeper.",
	}, []string{"class"})
)

func initRegistry() {
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(
		IngestRequestsTotal,
		SecretFetchesTotal,
		SecretCacheHitsTotal,
		SegmentsSealedTotal,
		SegmentBytes,
		OpenSegmentBytes,
		DeliveryAttemptsTotal,
		DeliveryFailuresTotal,
		DeliveryDurationSeconds,
		TierTransitionsTotal,
	)
}

// Init registers all collectors once and returns the registry.
func Init() *prometheus.Registry {
	once.Do(initRegistry)
	return registry
}
