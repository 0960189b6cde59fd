package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TermLedger.
type Metrics struct {
	// --- Engine ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	InstructionDuration  *prometheus.HistogramVec
	EventsConsumed       *prometheus.CounterVec
	EventQueueDepth      *prometheus.GaugeVec
	Journals             *prometheus.CounterVec
	Sequence             prometheus.Gauge
	StateHashDur         prometheus.Histogram

	// --- Obligations ---
	LoansCreated    *prometheus.CounterVec
	DepositsCreated *prometheus.CounterVec
	Repayments      *prometheus.CounterVec
	Rolls           *prometheus.CounterVec

	// --- Settlement ---
	Settlements *prometheus.CounterVec
	NotesMinted *prometheus.CounterVec
	NotesBurned *prometheus.CounterVec
	Disbursed   *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge

	// --- Ingest ---
	IngestMessages *prometheus.CounterVec

	// --- Crank ---
	CrankBatches     prometheus.Counter
	CrankDispatched  prometheus.Counter
	CrankFailures    prometheus.Counter
	CrankQueueDepth  prometheus.Gauge
	CrankSettleDur   prometheus.Histogram
	CrankSweepErrors *prometheus.CounterVec

	// --- Persistence ---
	PersistOutputsWritten  prometheus.Counter
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

	// --- API ---
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// leaves them unregistered, which tests use to build many instances.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}
	ioBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0}

	return &Metrics{
		// Engine
		InstructionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_engine_instructions_applied_total",
			Help: "Instructions applied by a market engine",
		}, []string{"instruction"}),

		InstructionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_engine_instructions_rejected_total",
			Help: "Instructions rejected, by error kind",
		}, []string{"instruction", "kind"}),

		InstructionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "term_engine_instruction_duration_seconds",
			Help:    "Time to apply one instruction",
			Buckets: latencyBuckets,
		}, []string{"instruction"}),

		EventsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_engine_events_consumed_total",
			Help: "Fill/Out events applied to the ledger",
		}, []string{"market", "kind"}),

		EventQueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_engine_event_queue_depth",
			Help: "Events waiting to be consumed",
		}, []string{"market"}),

		Journals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_engine_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		Sequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "term_engine_sequence",
			Help: "Last output sequence number",
		}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_engine_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		// Obligations
		LoansCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_loans_created_total",
			Help: "Term loans created by fills",
		}, []string{"market"}),

		DepositsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_deposits_created_total",
			Help: "Term deposits created by auto-stake fills",
		}, []string{"market"}),

		Repayments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_repayments_total",
			Help: "Loan repayments, by origin",
		}, []string{"origin"}),

		Rolls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_rolls_total",
			Help: "Auto-roll attempts",
		}, []string{"obligation", "result"}),

		// Settlement
		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_settlements_total",
			Help: "Settlement attempts",
		}, []string{"result"}),

		NotesMinted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_notes_minted_total",
			Help: "Note units minted by reconciliation",
		}, []string{"note"}),

		NotesBurned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_notes_burned_total",
			Help: "Note units burned by reconciliation",
		}, []string{"note"}),

		Disbursed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_disbursed_total",
			Help: "Units disbursed to settlement destinations",
		}, []string{"asset"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "term_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "term_publish_drops_total",
			Help: "Outputs dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "term_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_idempotency_duplicates_total",
			Help: "Duplicate commands detected",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "term_dedup_lru_size",
			Help: "Idempotency LRU entries",
		}),

		// Ingest
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_ingest_messages_total",
			Help: "Commands received from NATS",
		}, []string{"instruction", "result"}),

		// Crank
		CrankBatches: f.NewCounter(prometheus.CounterOpts{
			Name: "term_crank_batches_total",
			Help: "Batches popped by the crank scheduler",
		}),

		CrankDispatched: f.NewCounter(prometheus.CounterOpts{
			Name: "term_crank_dispatched_total",
			Help: "Settlement attempts dispatched",
		}),

		CrankFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "term_crank_failures_total",
			Help: "Settlement attempts that failed and were re-queued",
		}),

		CrankQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "term_crank_queue_depth",
			Help: "Distinct targets waiting in the crank queue",
		}),

		CrankSettleDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_crank_settle_duration_seconds",
			Help:    "Duration of one settlement attempt",
			Buckets: ioBuckets,
		}),

		CrankSweepErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_crank_sweep_errors_total",
			Help: "Sweeper step failures",
		}, []string{"step"}),

		// Persistence
		PersistOutputsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "term_persist_outputs_written_total",
			Help: "Outputs written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "term_persist_journals_written_total",
			Help: "Journals written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_persist_batch_size",
			Help:    "Outputs per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_persist_batch_duration_seconds",
			Help:    "Postgres batch write time",
			Buckets: ioBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"operation"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "term_persist_retries_total",
			Help: "Batch write retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "term_persist_last_sequence",
			Help: "Last persisted output sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "term_snapshots_taken_total",
			Help: "Engine snapshots saved",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "term_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "term_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		// API
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "term_api_requests_total",
			Help: "gRPC requests, by method and status code",
		}, []string{"method", "code"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "term_api_request_duration_seconds",
			Help:    "gRPC request latency",
			Buckets: ioBuckets,
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
