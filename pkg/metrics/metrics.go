package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_migrations_total",
			Help: "Total number of migrations by terminal phase",
		},
		[]string{"phase"},
	)

	MigrationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bluegreen_migrations_active",
			Help: "Number of migrations currently in progress",
		},
	)

	MigrationPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluegreen_migration_phase",
			Help: "Current phase per job (1 = in this phase)",
		},
		[]string{"job_id", "phase"},
	)

	ReindexDocsCopied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_reindex_docs_copied_total",
			Help: "Documents copied from source to target by job",
		},
		[]string{"job_id"},
	)

	ReindexProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluegreen_reindex_progress_ratio",
			Help: "Reindex completion ratio per job (0-1)",
		},
		[]string{"job_id"},
	)

	ReindexBatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bluegreen_reindex_batch_duration_seconds",
			Help:    "Duration of individual reindex batch calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Alias metrics
	AliasSwapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_alias_swaps_total",
			Help: "Total alias rebind operations by outcome",
		},
		[]string{"outcome"},
	)

	AliasSwapDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bluegreen_alias_swap_duration_seconds",
			Help:    "Duration of the atomic alias rebind call in seconds",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// Circuit breaker metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluegreen_breaker_state",
			Help: "Circuit breaker state per target (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"target"},
	)

	BreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_breaker_trips_total",
			Help: "Total circuit breaker trips per target",
		},
		[]string{"target"},
	)

	// Validation metrics
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_validations_total",
			Help: "Total validation gate runs by result",
		},
		[]string{"result"},
	)

	// WAL metrics
	WALDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bluegreen_wal_pending_entries",
			Help: "WAL entries not yet confirmed in the target index, by job",
		},
		[]string{"job_id"},
	)

	WALReplayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_wal_replayed_total",
			Help: "WAL entries replayed into the target index by job",
		},
		[]string{"job_id"},
	)

	WALPoisonedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bluegreen_wal_poisoned_total",
			Help: "WAL entries parked after exhausting replay attempts, by job",
		},
		[]string{"job_id"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationsActive)
	prometheus.MustRegister(MigrationPhase)
	prometheus.MustRegister(ReindexDocsCopied)
	prometheus.MustRegister(ReindexProgress)
	prometheus.MustRegister(ReindexBatchDuration)
	prometheus.MustRegister(AliasSwapsTotal)
	prometheus.MustRegister(AliasSwapDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTrips)
	prometheus.MustRegister(ValidationsTotal)
	prometheus.MustRegister(WALDepth)
	prometheus.MustRegister(WALReplayedTotal)
	prometheus.MustRegister(WALPoisonedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
