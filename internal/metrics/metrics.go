package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestbox_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestbox_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)
)

// Database metrics
var (
	DBQueryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_db_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"store", "operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestbox_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"store", "operation"},
	)

	DBTransactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestbox_db_transaction_duration_seconds",
			Help:    "Duration of index write transactions in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"outcome"}, // "commit" or "rollback"
	)

	DBRowsAffected = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestbox_db_rows_affected",
			Help:    "Rows affected by bulk index statements",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
		[]string{"operation"},
	)

	DBConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestbox_db_connections_open",
			Help: "Number of open database connections",
		},
		[]string{"store"},
	)
)

// Upload metrics
var (
	ChunksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_upload_chunks_total",
			Help: "Total number of upload chunks by outcome",
		},
		[]string{"outcome"}, // "saved", "disconnected", "storage_error", "invalid"
	)

	ChunkBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestbox_upload_chunk_bytes_total",
			Help: "Total bytes written to upload staging",
		},
	)

	UploadsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_uploads_completed_total",
			Help: "Final-chunk outcomes of upload sessions",
		},
		[]string{"status"}, // "complete_queued", "resume_required", "duplicate_found_fs"
	)
)

// Merge metrics
var (
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_merges_total",
			Help: "Total number of merge attempts by result",
		},
		[]string{"status"}, // "success", "duplicate_found_fs", "retry", "failure"
	)

	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestbox_merge_duration_seconds",
			Help:    "Time spent assembling a file from its chunks",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	MergeBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestbox_merge_bytes_total",
			Help: "Total bytes written to merged files",
		},
	)
)

// Indexer metrics
var (
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_indexer_scans_total",
			Help: "Total number of full subtree scans by result",
		},
		[]string{"status"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nestbox_indexer_scan_duration_seconds",
			Help:    "Duration of full subtree scans",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 1800, 3600},
		},
	)

	ScanEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_indexer_entries_total",
			Help: "Entries written by scans and single-file indexing",
		},
		[]string{"kind"}, // "file", "folder"
	)

	ScanSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_indexer_skipped_total",
			Help: "Entries skipped during scans",
		},
		[]string{"reason"}, // "hidden", "vanished", "cycle", "error"
	)

	SingleFileIndexTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_indexer_single_file_total",
			Help: "Single-file index operations by result",
		},
		[]string{"status"},
	)

	IndexerIsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestbox_indexer_running",
			Help: "Whether a full scan is currently running (1 = running, 0 = idle)",
		},
	)

	IndexEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestbox_index_entries",
			Help: "Number of entries in the file index by kind",
		},
		[]string{"kind"}, // "folder", "media", "other"
	)
)

// Coordinator metrics
var (
	LockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_scan_lock_acquire_total",
			Help: "Scan lock acquisition attempts by result",
		},
		[]string{"result"}, // "acquired", "contended", "error"
	)

	LockHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nestbox_scan_lock_held",
			Help: "Whether this process currently holds the scan lock",
		},
	)
)

// Job queue metrics
var (
	JobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_jobs_enqueued_total",
			Help: "Jobs accepted by the queue",
		},
		[]string{"name"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_jobs_finished_total",
			Help: "Jobs reaching a terminal state",
		},
		[]string{"name", "state"},
	)

	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_job_retries_total",
			Help: "Job attempts rescheduled after a retryable failure",
		},
		[]string{"name"},
	)

	JobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestbox_jobs_in_flight",
			Help: "Jobs queued, running or waiting to retry",
		},
		[]string{"name"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nestbox_job_duration_seconds",
			Help:    "Duration of a single job attempt",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 60, 300, 1800},
		},
		[]string{"name"},
	)
)

// Janitor metrics
var (
	JanitorRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestbox_janitor_runs_total",
			Help: "Staging sweeps performed",
		},
	)

	JanitorRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nestbox_janitor_sessions_removed_total",
			Help: "Orphaned upload sessions removed from staging",
		},
	)
)

// Filesystem metrics
var (
	FilesystemRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_filesystem_retry_attempts_total",
			Help: "Filesystem operations retried after a stale handle",
		},
		[]string{"operation"},
	)

	FilesystemRetrySuccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_filesystem_retry_success_total",
			Help: "Filesystem operations that succeeded after retrying",
		},
		[]string{"operation"},
	)

	FilesystemRetryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_filesystem_retry_failures_total",
			Help: "Filesystem operations that failed after all retries",
		},
		[]string{"operation"},
	)

	FilesystemStaleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_filesystem_stale_errors_total",
			Help: "Stale file handle errors observed",
		},
		[]string{"operation"},
	)
)

// Authentication metrics
var (
	AuthAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nestbox_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"status"},
	)

	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nestbox_app_info",
			Help: "Build information, value is always 1",
		},
		[]string{"version", "commit", "go_version"},
	)
)
