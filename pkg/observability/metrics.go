package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "powerfuse"

// Metrics collects engine metrics on a dedicated registry, so several engines (and tests)
// never collide on the global one.
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	http.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
type Metrics struct {
	registry *prometheus.Registry

	// BuildDuration measures BuildContext latency in seconds.
	// Buckets: 10ms .. 2.5s
	BuildDuration prometheus.Histogram

	// BundleTokens records the estimated token size of assembled bundles.
	BundleTokens prometheus.Histogram

	// DegradedCounter counts fetch branches that fell back to their default.
	// Labels: branch (signal|memory|facts|relationship|insights|persona)
	DegradedCounter *prometheus.CounterVec

	// InsightCounter counts insight lookups.
	// Labels: kind, outcome (hit|miss|default)
	InsightCounter *prometheus.CounterVec

	// PersistCounter counts persistence outcomes.
	// Labels: target (memory|facts|relationship|insights), result (ok|error|skipped)
	PersistCounter *prometheus.CounterVec

	// PersistDuration measures each persistence write in seconds.
	// Labels: target
	PersistDuration *prometheus.HistogramVec

	// MemoryWrites counts memory record writes.
	// Labels: result (inserted|deduplicated)
	MemoryWrites *prometheus.CounterVec

	// MaintenanceRuns counts background jobs.
	// Labels: job, status (success|error)
	MaintenanceRuns *prometheus.CounterVec
}

// NewMetrics creates the metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		BuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_context_duration_seconds",
			Help:      "Latency of context bundle assembly",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
		BundleTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_tokens",
			Help:      "Estimated token size of assembled bundles",
			Buckets:   []float64{100, 250, 500, 1000, 1500, 2000, 4000},
		}),
		DegradedCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_branches_total",
			Help:      "Fetch branches that fell back to their default",
		}, []string{"branch"}),
		InsightCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "insight_lookups_total",
			Help:      "Strategic insight lookups by kind and outcome",
		}, []string{"kind", "outcome"}),
		PersistCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Persistence outcomes by target and result",
		}, []string{"target", "result"}),
		PersistDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_write_duration_seconds",
			Help:      "Latency of each persistence write",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"target"}),
		MemoryWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_writes_total",
			Help:      "Memory record writes by result",
		}, []string{"result"}),
		MaintenanceRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_runs_total",
			Help:      "Background maintenance runs by job and status",
		}, []string{"job", "status"}),
	}
}

// Registry returns the registry holding every metric.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveBuild records one BuildContext call.
func (m *Metrics) ObserveBuild(d time.Duration, tokens int, degraded []string) {
	m.BuildDuration.Observe(d.Seconds())
	m.BundleTokens.Observe(float64(tokens))
	for _, branch := range degraded {
		m.DegradedCounter.WithLabelValues(branch).Inc()
	}
}

// ObserveInsight records one insight lookup.
func (m *Metrics) ObserveInsight(kind, outcome string) {
	m.InsightCounter.WithLabelValues(kind, outcome).Inc()
}

// ObservePersist records one persistence write.
func (m *Metrics) ObservePersist(target, result string, d time.Duration) {
	m.PersistCounter.WithLabelValues(target, result).Inc()
	if result != "skipped" {
		m.PersistDuration.WithLabelValues(target).Observe(d.Seconds())
	}
}

// ObserveMemoryWrite records whether a memory write inserted a record.
func (m *Metrics) ObserveMemoryWrite(inserted bool) {
	result := "deduplicated"
	if inserted {
		result = "inserted"
	}
	m.MemoryWrites.WithLabelValues(result).Inc()
}

// ObserveMaintenance records one background job run.
func (m *Metrics) ObserveMaintenance(job string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.MaintenanceRuns.WithLabelValues(job, status).Inc()
}
