package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lotscout"

// Metrics aggregates the Prometheus collectors for the search pipeline.
// All collectors live on a private registry so tests can build isolated
// instances without global-state collisions.
type Metrics struct {
	registry *prometheus.Registry

	SearchesStarted   prometheus.Counter
	SearchesInFlight  prometheus.Gauge
	StageDuration     *prometheus.HistogramVec
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	DetectorCalls     prometheus.Counter
	AdjudicationCalls prometheus.Counter
	AdjudicationCost  prometheus.Counter
	EnrichmentFetches prometheus.Counter
}

// New builds a Metrics instance with its own registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SearchesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "searches_started_total",
			Help:      "Number of searches accepted for processing.",
		}),
		SearchesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "searches_in_flight",
			Help:      "Number of searches currently running.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "cache_hits_total",
			Help:      "Detection results served from the cache window.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "cache_misses_total",
			Help:      "Detection requests that required a detector call.",
		}),
		DetectorCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detection",
			Name:      "detector_calls_total",
			Help:      "Calls issued to the obstacle detector service.",
		}),
		AdjudicationCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adjudication",
			Name:      "calls_total",
			Help:      "Calls issued to external adjudication providers.",
		}),
		AdjudicationCost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adjudication",
			Name:      "cost_usd_total",
			Help:      "Cumulative estimated adjudication spend in USD.",
		}),
		EnrichmentFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "fetches_total",
			Help:      "On-demand parcel fetches from the external provider.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SearchesStarted,
		m.SearchesInFlight,
		m.StageDuration,
		m.CacheHits,
		m.CacheMisses,
		m.DetectorCalls,
		m.AdjudicationCalls,
		m.AdjudicationCost,
		m.EnrichmentFetches,
	)
	return m
}

// ObserveStage records one stage's duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
