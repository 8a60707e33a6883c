// Package telemetry provides observability primitives for the page cache.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the page cache.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheStores      *prometheus.CounterVec
	Dispositions     *prometheus.CounterVec
	NotModified      prometheus.Counter
	PrunedEntries    prometheus.Counter
	OriginCounter    prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	RateLimited      prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status", "cache"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pagecache",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagecache",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "pagecache",
			Name:                            "upstream_duration_seconds",
			Help:                            "Origin fetch duration in seconds, until response headers.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"status"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "upstream_errors_total",
			Help:      "Total origin fetch failures.",
		}, []string{"reason"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "ram_cache_hits_total",
			Help:      "Total RAM cache hits.",
		}, []string{"namespace"}),

		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "ram_cache_misses_total",
			Help:      "Total RAM cache misses.",
		}, []string{"namespace"}),

		CacheStores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "ram_cache_stores_total",
			Help:      "Total responses written to a RAM cache.",
		}, []string{"namespace"}),

		Dispositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "responses_total",
			Help:      "Total page responses by cache disposition.",
		}, []string{"disposition"}),

		NotModified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "not_modified_total",
			Help:      "Total conditional requests answered with 304.",
		}),

		PrunedEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "pruned_entries_total",
			Help:      "Total expired persistent entries removed.",
		}),

		OriginCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pagecache",
			Name:      "origin_counter",
			Help:      "Last change counter reported by the origin.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pagecache",
			Name:      "origin_breaker_state",
			Help:      "Circuit breaker state per origin host (0 closed, 1 open, 2 half open).",
		}, []string{"host"}),

		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pagecache",
			Name:      "origin_rate_limited_total",
			Help:      "Total origin requests refused by the origin rate limit.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.CacheHits,
		m.CacheMisses,
		m.CacheStores,
		m.Dispositions,
		m.NotModified,
		m.PrunedEntries,
		m.OriginCounter,
		m.BreakerState,
		m.RateLimited,
	)

	return m
}

// CacheLookup records a RAM cache lookup in namespace. It is a no-op on a
// nil receiver.
func (m *Metrics) CacheLookup(namespace string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.WithLabelValues(namespace).Inc()
		return
	}
	m.CacheMisses.WithLabelValues(namespace).Inc()
}

// CacheStore records a RAM cache write in namespace. It is a no-op on a nil
// receiver.
func (m *Metrics) CacheStore(namespace string) {
	if m == nil {
		return
	}
	m.CacheStores.WithLabelValues(namespace).Inc()
}
