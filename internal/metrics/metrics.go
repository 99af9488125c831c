package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Backing store
	// ============================================
	StoreConnectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prover_store_connection_status",
		Help: "Backing store status (1=healthy, 0=unhealthy)",
	}, []string{"driver"})

	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prover_store_operation_duration_seconds",
			Help:    "Backing store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "op"},
	)

	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_db_connection_pool_size",
		Help: "Database connection pool size",
	})

	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_db_connection_idle",
		Help: "Number of idle database connections",
	})

	// ============================================
	// Request pool
	// ============================================
	TasksRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_tasks_registered_total",
			Help: "Submissions by proof kind, split into new tasks and attachments to existing ones",
		},
		[]string{"proof_kind", "outcome"},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_status_transitions_total",
			Help: "Applied task status transitions",
		},
		[]string{"from", "to"},
	)

	StatusConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prover_status_conflicts_total",
		Help: "Compare-and-set attempts that lost a race",
	})

	RecordsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prover_records_pruned_total",
		Help: "Task records removed by prune",
	})

	// ============================================
	// Actors and backends
	// ============================================
	ActorsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_actors_running",
		Help: "Actors currently holding a worker slot",
	})

	ActorsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_actors_waiting",
		Help: "Actors waiting for a worker slot",
	})

	ProveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prover_prove_duration_seconds",
			Help:    "Wall time from claim to terminal status",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"proof_kind", "outcome"},
	)

	BackendRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_backend_retries_total",
			Help: "Transient backend errors that were retried",
		},
		[]string{"proof_kind", "op"},
	)

	CacheIntegrityFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_cache_integrity_failures_total",
			Help: "Cached artifacts that failed validation and were recomputed",
		},
		[]string{"proof_kind"},
	)

	BallotDraws = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_ballot_draws_total",
			Help: "Auto-select draws by resulting proof kind (none when nothing was drawn)",
		},
		[]string{"proof_kind"},
	)

	BallotProbability = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "prover_ballot_probability",
		Help: "Configured auto-select draw probability per proof kind",
	}, []string{"proof_kind"})

	AggregationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_aggregation_outcomes_total",
			Help: "Aggregate gating outcomes",
		},
		[]string{"outcome"},
	)

	AutoscaleDesiredWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_autoscale_desired_workers",
		Help: "Worker count last requested from the scaler",
	})

	// ============================================
	// NATS
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_nats_messages_published_total",
			Help: "Status events published to NATS",
		},
		[]string{"status"},
	)

	NATSMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prover_nats_messages_failed_total",
			Help: "Status events that failed to publish",
		},
		[]string{"status"},
	)

	// ============================================
	// WebSocket
	// ============================================
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "prover_websocket_clients",
		Help: "Connected status stream clients",
	})
)
