package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the allocation engine.
type Metrics struct {
	// Report ingestion
	ReportsTotal *prometheus.CounterVec // labeled by kind (exposures/conversions)
	StoreErrors  prometheus.Counter
	RateLimited  prometheus.Counter

	// Artifact serving
	DatafileRequests prometheus.Counter
	DatafileMisses   prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheReloads     prometheus.Counter

	// Recompute cycles
	CyclesTotal        prometheus.Counter
	CyclesSkipped      prometheus.Counter // lease contention
	FeaturesRecomputed prometheus.Counter
	FeatureErrors      prometheus.Counter
	LastCycleTimestamp prometheus.Gauge
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers on an explicit registerer so tests can use private
// registries.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alloc_reports_total",
			Help: "Number of exposure/conversion increments recorded",
		}, []string{"kind"}),
		StoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_store_errors_total",
			Help: "Number of stats store failures surfaced to clients",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_rate_limited_total",
			Help: "Number of report requests rejected by the rate limiter",
		}),
		DatafileRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_datafile_requests_total",
			Help: "Number of artifact fetches",
		}),
		DatafileMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_datafile_misses_total",
			Help: "Number of artifact fetches returning 404",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_cache_hits_total",
			Help: "Number of artifact reads served from the in-memory cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_cache_misses_total",
			Help: "Number of artifact reads that missed or expired in cache",
		}),
		CacheReloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_cache_reloads_total",
			Help: "Number of artifact reloads from the store",
		}),
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_recompute_cycles_total",
			Help: "Number of completed weight recompute cycles",
		}),
		CyclesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_recompute_cycles_skipped_total",
			Help: "Number of cycles skipped because the lease was held",
		}),
		FeaturesRecomputed: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_features_recomputed_total",
			Help: "Number of features whose weights were updated",
		}),
		FeatureErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "alloc_feature_errors_total",
			Help: "Number of per-feature computation errors (feature skipped, cycle continued)",
		}),
		LastCycleTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "alloc_last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed recompute cycle",
		}),
	}
}
