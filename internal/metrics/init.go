package metrics

// InitializeMetrics pre-populates all expected label combinations so that
// every metric is exported from the first Prometheus scrape.
// Call this once at startup after metric registration.
func InitializeMetrics(jobNames []string) {
	for _, outcome := range []string{"saved", "disconnected", "storage_error", "invalid"} {
		ChunksReceivedTotal.WithLabelValues(outcome)
	}
	for _, status := range []string{"complete_queued", "resume_required", "duplicate_found_fs"} {
		UploadsCompletedTotal.WithLabelValues(status)
	}
	for _, status := range []string{"success", "duplicate_found_fs", "retry", "failure"} {
		MergesTotal.WithLabelValues(status)
	}
	for _, status := range []string{"success", "failure"} {
		ScansTotal.WithLabelValues(status)
		SingleFileIndexTotal.WithLabelValues(status)
	}
	for _, reason := range []string{"hidden", "vanished", "cycle", "error"} {
		ScanSkippedTotal.WithLabelValues(reason)
	}
	for _, kind := range []string{"folder", "media", "other"} {
		IndexEntries.WithLabelValues(kind)
	}
	for _, result := range []string{"acquired", "contended", "error"} {
		LockAcquireTotal.WithLabelValues(result)
	}
	for _, op := range []string{"stat", "open"} {
		FilesystemRetryAttempts.WithLabelValues(op)
		FilesystemRetrySuccess.WithLabelValues(op)
		FilesystemRetryFailures.WithLabelValues(op)
		FilesystemStaleErrors.WithLabelValues(op)
	}
	for _, name := range jobNames {
		JobsEnqueuedTotal.WithLabelValues(name)
		JobsInFlight.WithLabelValues(name)
		JobRetriesTotal.WithLabelValues(name)
		for _, state := range []string{"succeeded", "failed"} {
			JobsFinishedTotal.WithLabelValues(name, state)
		}
	}
}
