// Package memory sets the Go runtime's soft memory limit from the
// container's memory limit.
//
// Go derives GOMAXPROCS from cgroup CPU quotas but does not derive
// GOMEMLIMIT from memory limits. Call [ConfigureFromEnv] first in main:
//
//	func main() {
//	    memory.ConfigureFromEnv()
//	    // ...
//	}
//
// The limit is taken from, in order:
//
//   - GOMEMLIMIT, which the runtime already applied
//   - MEMORY_LIMIT, usually injected with the Kubernetes Downward API
//     (resourceFieldRef: limits.memory); plain bytes or "512Mi" style
//   - the cgroup v2 file /sys/fs/cgroup/memory.max
//
// MEMORY_RATIO (default 0.85) is the share given to the Go heap. The rest
// is left for SQLite's page cache and other cgo allocations.
package memory
