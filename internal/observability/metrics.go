package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the reconciliation engine.
// Every recovered-and-logged condition has a counter here so diagnostics
// are retrievable in aggregate, not only as log text.
type Metrics struct {
	// --- Runs ---
	RunsStarted   *prometheus.CounterVec
	RunsCompleted *prometheus.CounterVec
	RunsFailed    *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	LastRunTime   *prometheus.GaugeVec

	// --- Normalization ---
	EventsNormalized    *prometheus.CounterVec
	DroppedFees         *prometheus.CounterVec
	ShareLookupFailures prometheus.Counter

	// --- Reconstruction ---
	EventsUndone        prometheus.Counter
	SnapshotChecks      prometheus.Counter
	SnapshotMismatches  prometheus.Counter
	SnapshotCorrections prometheus.Counter
	SnapshotsSkipped    prometheus.Counter

	// --- Price retrieval ---
	PriceFetches     *prometheus.CounterVec
	PriceFetchDur    prometheus.Histogram
	PriceGaps        *prometheus.CounterVec
	PriceCacheHits   *prometheus.CounterVec
	PriceCacheMisses *prometheus.CounterVec

	// --- Accounting ---
	BucketsComputed    *prometheus.CounterVec
	FifoShortfalls     prometheus.Counter
	PositionMismatches prometheus.Counter

	// --- History source ---
	SourceRequests   *prometheus.CounterVec
	SourceRetries    *prometheus.CounterVec
	SourceRequestDur *prometheus.HistogramVec

	// --- Persistence ---
	RowsPersisted   *prometheus.CounterVec
	PersistErrors   prometheus.Counter
	PersistBatchDur prometheus.Histogram

	// --- Outbound publishing ---
	PointsPublished prometheus.Counter
	PublishFailures prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	httpBuckets := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	runBuckets := []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

	return &Metrics{
		RunsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_runs_started_total",
			Help: "Reconciliation runs started",
		}, []string{"interval"}),

		RunsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_runs_completed_total",
			Help: "Reconciliation runs completed successfully",
		}, []string{"interval"}),

		RunsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_runs_failed_total",
			Help: "Reconciliation runs aborted (by fatal category)",
		}, []string{"interval", "reason"}),

		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nav_run_duration_seconds",
			Help:    "Wall time of one reconciliation run",
			Buckets: runBuckets,
		}, []string{"interval"}),

		LastRunTime: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nav_last_run_timestamp_seconds",
			Help: "Unix time of the last completed run",
		}, []string{"interval"}),

		EventsNormalized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_events_normalized_total",
			Help: "Raw events normalized into impacts",
		}, []string{"category"}),

		DroppedFees: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_dropped_fees_total",
			Help: "Perp fees dropped because the fee token is not the settlement currency",
		}, []string{"fee_token"}),

		ShareLookupFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_share_price_lookup_failures_total",
			Help: "Share-change price lookups that failed and degraded to zero",
		}),

		EventsUndone: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_events_undone_total",
			Help: "Events inverted during backward reconstruction",
		}),

		SnapshotChecks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_snapshot_checks_total",
			Help: "Snapshot validations performed",
		}),

		SnapshotMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_snapshot_mismatches_total",
			Help: "Snapshot validations outside tolerance",
		}),

		SnapshotCorrections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_snapshot_corrections_total",
			Help: "Working positions overwritten by snapshot truth",
		}),

		SnapshotsSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_snapshots_skipped_total",
			Help: "Snapshots discarded (not closest to a row, or out of range)",
		}),

		PriceFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_price_fetches_total",
			Help: "Candle series fetches",
		}, []string{"kind"}),

		PriceFetchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nav_price_fetch_duration_seconds",
			Help:    "Candle fetch latency",
			Buckets: httpBuckets,
		}),

		PriceGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_price_gaps_total",
			Help: "Coin/bucket slots with no price (valued at zero)",
		}, []string{"kind"}),

		PriceCacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_price_cache_hits_total",
			Help: "Candle cache hits",
		}, []string{"layer"}),

		PriceCacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_price_cache_misses_total",
			Help: "Candle cache misses",
		}, []string{"layer"}),

		BucketsComputed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_buckets_computed_total",
			Help: "NAV buckets computed",
		}, []string{"interval"}),

		FifoShortfalls: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_fifo_shortfalls_total",
			Help: "Close/liquidation amounts unmatched after exhausting the lot queue",
		}),

		PositionMismatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_position_crosscheck_mismatches_total",
			Help: "FIFO-derived positions diverging from snapshot-sourced positions",
		}),

		SourceRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_source_requests_total",
			Help: "History/snapshot source requests",
		}, []string{"endpoint", "status"}),

		SourceRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_source_retries_total",
			Help: "Retried source requests (timeout, connection failure, 429)",
		}, []string{"endpoint"}),

		SourceRequestDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nav_source_request_duration_seconds",
			Help:    "Source request latency",
			Buckets: httpBuckets,
		}, []string{"endpoint"}),

		RowsPersisted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_rows_persisted_total",
			Help: "NAV rows written to the time-series store",
		}, []string{"interval"}),

		PersistErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_persist_errors_total",
			Help: "Failed store writes",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nav_persist_batch_duration_seconds",
			Help:    "Store batch insert latency",
			Buckets: httpBuckets,
		}),

		PointsPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_points_published_total",
			Help: "NAV points published to the outbound stream",
		}),

		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nav_publish_failures_total",
			Help: "Outbound publish failures (non-fatal)",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nav_query_requests_total",
			Help: "Query API requests",
		}, []string{"endpoint", "code"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nav_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: httpBuckets,
		}, []string{"endpoint"}),
	}
}
