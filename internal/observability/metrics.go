package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ABRLedger.
type Metrics struct {
	// --- Core ---
	CoreEventsEmitted *prometheus.CounterVec
	CoreJournals      *prometheus.CounterVec
	CoreSequence      prometheus.Gauge

	// --- Rate Controller ---
	RateComputations *prometheus.CounterVec
	RateComputeDur   *prometheus.HistogramVec
	RateLast         *prometheus.GaugeVec
	RateJumpBreaches *prometheus.CounterVec
	RateParamUpdates *prometheus.CounterVec

	// --- Settlement ---
	Settlements       *prometheus.CounterVec
	SettledAmount     *prometheus.CounterVec
	ReserveBalance    *prometheus.GaugeVec
	ReserveOperations *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter

	// --- Ingestion ---
	IngestRejected *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them on reg.
// Pass prometheus.DefaultRegisterer in production and prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	computeBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	}

	return &Metrics{
		// Core
		CoreEventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_core_events_emitted_total",
			Help: "Events sequenced and emitted by core",
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "abr_core_sequence",
			Help: "Last assigned global sequence number",
		}),

		// Rate Controller
		RateComputations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_rate_computations_total",
			Help: "Rate computation requests by result",
		}, []string{"market_id", "result"}),

		RateComputeDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abr_rate_compute_duration_seconds",
			Help:    "Time spent in the rate engine",
			Buckets: computeBuckets,
		}, []string{"market_id"}),

		RateLast: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abr_rate_last",
			Help: "Last computed funding rate (lossy float)",
		}, []string{"market_id"}),

		RateJumpBreaches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_rate_jump_breaches_total",
			Help: "Downsampled points outside the Bollinger band",
		}, []string{"market_id"}),

		RateParamUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_rate_param_updates_total",
			Help: "Governance parameter updates",
		}, []string{"market_id", "param"}),

		// Settlement
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_settlements_total",
			Help: "Settlement calls by result (settled/noop/rejected)",
		}, []string{"market_id", "result"}),

		SettledAmount: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_settled_amount_total",
			Help: "Total funding moved, in ledger units",
		}, []string{"market_id"}),

		ReserveBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abr_reserve_balance",
			Help: "ABR reserve balance in ledger units",
		}, []string{"market_id"}),

		ReserveOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_reserve_operations_total",
			Help: "Reserve fund/defund operations",
		}, []string{"market_id", "operation"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abr_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abr_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abr_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "abr_publish_drops_total",
			Help: "Envelopes that failed to publish to NATS",
		}),

		// Ingestion
		IngestRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_ingest_rejected_total",
			Help: "Tick batches rejected at ingestion",
		}, []string{"reason"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "abr_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "abr_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "abr_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "abr_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "abr_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "abr_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "abr_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "abr_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "abr_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "abr_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "abr_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "abr_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// API
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_api_requests_total",
			Help: "API requests by method and status code",
		}, []string{"method", "code"}),

		APIDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abr_api_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
