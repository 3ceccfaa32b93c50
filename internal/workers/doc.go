/*
Package workers sizes goroutine pools from the CPU budget the process
actually has.

runtime.NumCPU reports the host's CPUs, while GOMAXPROCS follows container
CPU limits. Every pool in nestbox is sized from GOMAXPROCS:

	jobs := workers.ForIO(8)   // job queue: merges and scans wait on disk
	stat := workers.ForIO(16)  // per-directory stat fan-out in the scanner

A pool can be pinned by the operator through an environment variable:

	n := workers.FromEnv("JOB_WORKERS", workers.ForIO(8), 0)

Invalid or non-positive values fall back to the computed count.
*/
package workers
