package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "HTTP response size in bytes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 5),
	}, []string{"method", "path"})

	// gRPC
	GRPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grpc_requests_total",
		Help: "Total number of gRPC requests",
	}, []string{"method", "status"})

	GRPCRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "grpc_request_duration_seconds",
		Help:    "gRPC request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	ServingStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "health_serving_status",
		Help: "1 when the service reports SERVING, 0 otherwise",
	}, []string{"service"})

	// Databases
	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Database query duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	DBActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_active_connections",
		Help: "Number of active outbox database connections",
	})

	DBIdleConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_idle_connections",
		Help: "Number of idle outbox database connections",
	})

	// Machine-type cache
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "machine_cache_hits_total",
		Help: "Machine-type lookups served from cache",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "machine_cache_misses_total",
		Help: "Machine-type lookups that went to the reference store",
	})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "machine_cache_evictions_total",
		Help: "Machine-type cache entries removed, by reason",
	}, []string{"reason"})

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "machine_cache_entries",
		Help: "Current number of cached machine types",
	})

	// Classifier
	ClassifierScoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "classifier_score_duration_seconds",
		Help:    "Time spent scoring one feature vector",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
	}, []string{"backend"})

	ArtifactReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_reloads_total",
		Help: "Artifact bundle reload attempts",
	}, []string{"result"})

	// Outbox
	OutboxEventsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_written_total",
		Help: "Anomaly events committed to the outbox, by severity",
	}, []string{"severity"})

	OutboxWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_write_failures_total",
		Help: "Anomaly events whose outbox transaction failed",
	})

	SpoolPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_spool_pending",
		Help: "Anomaly events waiting in the local spool",
	})

	SpoolReplayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "outbox_spool_replayed_total",
		Help: "Spooled anomaly events written to the outbox on replay",
	})

	AlertsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alerts_published_total",
		Help: "Direct alert publications after commit, by result",
	}, []string{"result"})

	// Ingestion loop
	IngestMessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_received_total",
		Help: "Total number of telemetry messages received",
	})

	IngestMessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_skipped_total",
		Help: "Telemetry messages skipped, by reason",
	}, []string{"reason"})

	IngestMessagesFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_messages_failed_total",
		Help: "Telemetry messages that failed processing, by error class",
	}, []string{"class"})

	IngestAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_anomalies_detected_total",
		Help: "Anomalous readings, by severity (none when below the lowest tier)",
	}, []string{"severity"})

	IngestProcessingTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_message_processing_seconds",
		Help:    "Histogram of per-message processing durations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
	})

	IngestBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_batch_size",
		Help:    "Number of messages per polled batch",
		Buckets: prometheus.LinearBuckets(0, 25, 9),
	})

	IngestCommitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_commit_failures_total",
		Help: "Batch position commits that failed",
	})

	IngestState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_loop_state",
		Help: "Ingestion loop state (0 stopped, 1 running, 2 stopping)",
	})
)
