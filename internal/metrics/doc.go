// Package metrics provides Prometheus instrumentation for NestBox.
//
// All metrics are registered on the default registry through promauto and
// prefixed with "nestbox_". The groups follow the ingestion pipeline:
//
//   - HTTP: request counts, latency and in-flight gauge
//   - Database: query counts and latency per store, index transaction time
//   - Upload: chunks by outcome, staged bytes, final-chunk outcomes
//   - Merge: attempts by result, duration, bytes written
//   - Indexer: scans, entries written, skipped entries, running gauge
//   - Coordinator: scan lock acquisitions and whether it is held
//   - Jobs: enqueued, finished, retried, in flight, attempt duration
//   - Janitor: sweeps and removed sessions
//
// Expose them by mounting promhttp.Handler() on the metrics listener. The
// Collector refreshes gauges derived from the index (entry counts) and from
// sql.DB pool stats on a fixed interval.
//
// Useful queries:
//
//	sum(rate(nestbox_merges_total{status="failure"}[1h]))
//	histogram_quantile(0.95, sum(rate(nestbox_merge_duration_seconds_bucket[1h])) by (le))
//	nestbox_jobs_in_flight
package metrics
