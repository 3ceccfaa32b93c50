// Package jobs runs named background jobs on a bounded worker pool.
//
// Handlers are registered per job name with a retry policy. A handler that
// returns an error wrapped by Retryable is attempted again after the
// policy's delay until its attempts run out; any other error fails the job
// at once. A panicking handler fails its job without taking the worker
// down. Every job's state is kept in a registry for a retention period so
// callers can poll it by id.
package jobs
