package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JournalBacklog is the number of unconsumed journal rows, by operation type.
	JournalBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapstore_journal_backlog",
			Help: "Unconsumed journal rows by operation type",
		},
		[]string{"operation_type"},
	)

	StorageRowsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapstore_storage_rows_total",
			Help: "Snapshot storage rows by type and status",
		},
		[]string{"type", "status"},
	)

	ReferenceRepeatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapstore_reference_repeated_total",
			Help: "Total StorageReferenceRepeated rejections from the reference manager",
		},
	)

	ChainAcquireDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapstore_chain_acquire_duration_seconds",
			Help:    "Time spent acquiring a storage chain",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variant"},
	)

	HandlePoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapstore_handle_pool_size",
			Help: "Number of live handles in the handle pool",
		},
	)

	RecyclingCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapstore_recycling_cycles_total",
			Help: "Total recycling planner passes executed",
		},
	)

	RecyclingCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapstore_recycling_cycle_duration_seconds",
			Help:    "Duration of a single recycling planner pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecyclingWorkTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapstore_recycling_work_total",
			Help: "Recycling work items executed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	OrchestratorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapstore_orchestrator_duration_seconds",
			Help:    "Duration of create/destroy/open/close orchestrator calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	OrchestratorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapstore_orchestrator_errors_total",
			Help: "Orchestrator failures by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
)

func init() {
	prometheus.MustRegister(JournalBacklog)
	prometheus.MustRegister(StorageRowsTotal)
	prometheus.MustRegister(ReferenceRepeatedTotal)
	prometheus.MustRegister(ChainAcquireDuration)
	prometheus.MustRegister(HandlePoolSize)
	prometheus.MustRegister(RecyclingCyclesTotal)
	prometheus.MustRegister(RecyclingCycleDuration)
	prometheus.MustRegister(RecyclingWorkTotal)
	prometheus.MustRegister(OrchestratorDuration)
	prometheus.MustRegister(OrchestratorErrorsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
