package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the resource store, search
// engine, and indexing pipeline. Constructed once and injected; tests build
// their own instance with a private registry.
type Metrics struct {
	ResourceWrites   *prometheus.CounterVec
	SearchRequests   *prometheus.CounterVec
	SearchDuration   prometheus.Histogram
	IndexOutcomes    *prometheus.CounterVec
	IndexDuration    prometheus.Histogram
	TransactionRuns  *prometheus.CounterVec
	VersionConflicts prometheus.Counter
}

// New registers the collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ResourceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carebase_resource_writes_total",
			Help: "Resource write operations by type and interaction.",
		}, []string{"resource_type", "interaction"}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carebase_search_requests_total",
			Help: "Search executions by resource type and result.",
		}, []string{"resource_type", "result"}),
		SearchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carebase_search_duration_seconds",
			Help:    "Search execution latency.",
			Buckets: prometheus.DefBuckets,
		}),
		IndexOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carebase_index_outcomes_total",
			Help: "Indexing outcomes by status (completed, partial, failed, skipped).",
		}, []string{"status"}),
		IndexDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "carebase_index_duration_seconds",
			Help:    "Time to index one resource version.",
			Buckets: prometheus.DefBuckets,
		}),
		TransactionRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "carebase_bundle_executions_total",
			Help: "Grouped-write executions by bundle type and final status.",
		}, []string{"bundle_type", "status"}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "carebase_version_conflicts_total",
			Help: "Optimistic-concurrency conflicts observed by the store.",
		}),
	}

	reg.MustRegister(
		m.ResourceWrites,
		m.SearchRequests,
		m.SearchDuration,
		m.IndexOutcomes,
		m.IndexDuration,
		m.TransactionRuns,
		m.VersionConflicts,
	)
	return m
}

// NewNop returns metrics backed by a throwaway registry, for tests and
// tools that don't expose an endpoint.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
