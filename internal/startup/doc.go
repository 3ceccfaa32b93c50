// Package startup handles configuration loading and startup/shutdown
// logging.
//
// # Configuration
//
// Configuration comes from environment variables via [LoadConfig]. When
// NESTBOX_CONFIG names a TOML file, its values replace the built-in
// defaults and environment variables still win over both:
//
//   - PORT, METRICS_PORT, METRICS_ENABLED: HTTP and metrics listeners
//   - DATA_DIR: holds file_index.db and users.db (default: ./instance)
//   - UPLOAD_TMP: chunk staging root (default: DATA_DIR/uploads)
//   - JOB_WORKERS, JOB_QUEUE_SIZE: background job pool
//   - MERGE_MAX_RETRIES, MERGE_RETRY_DELAY, MERGE_DELAY, MERGE_IO_LIMIT
//   - SCAN_LOCK_TTL, SCAN_BATCH_SIZE, SCAN_FOLLOW_SYMLINKS
//   - JANITOR_INTERVAL, JANITOR_MAX_AGE: stale upload cleanup
//   - ALLOWED_ROOTS: comma-separated roots that override the platform rule
//   - INVITATION_CODE: enables self-registration when set
//   - LOG_HEALTH_CHECKS, LOG_LEVEL
//   - SESSION_DURATION: login session lifetime, "7d" style days accepted
//
// A matching config file looks like:
//
//	data_dir = "/var/lib/nestbox"
//	allowed_roots = ["/mnt", "/media"]
//	merge_retry_delay = "30s"
//	scan_follow_symlinks = true
//
// # Build Information
//
// Build-time variables are injected via ldflags and exposed via [GetBuildInfo].
package startup
