package memory

import (
	"math"
	"os"
	"runtime/debug"
	"strconv"
	"strings"

	"nestbox/internal/logging"

	"github.com/dustin/go-humanize"
)

const (
	// DefaultMemoryRatio is the share of the container limit given to the Go
	// heap. The rest covers SQLite's page cache, cgo allocations and
	// goroutine stacks.
	DefaultMemoryRatio = 0.85

	// cgroupMemoryMax is the cgroup v2 limit file inside a container.
	cgroupMemoryMax = "/sys/fs/cgroup/memory.max"
)

// Source names where a limit came from.
const (
	SourceGoMemLimit  = "GOMEMLIMIT"
	SourceMemoryLimit = "MEMORY_LIMIT"
	SourceCgroup      = "cgroup"
	SourceNone        = "none"
)

// ConfigResult holds the result of memory configuration
type ConfigResult struct {
	// Configured indicates whether GOMEMLIMIT was set
	Configured bool

	// Source is one of the Source* constants.
	Source string

	// ContainerLimit is the container memory limit in bytes (0 if not set)
	ContainerLimit int64

	// GoMemLimit is the configured GOMEMLIMIT in bytes (0 if not set)
	GoMemLimit int64

	// Ratio is the memory ratio used (0 if not applicable)
	Ratio float64
}

// ConfigureFromEnv sets the Go soft memory limit from the container limit.
// Call it first in main, before significant allocations.
//
// Environment variables:
//   - GOMEMLIMIT: honored as-is when set
//   - MEMORY_LIMIT: container limit, in bytes or with a unit ("512MiB", "2G")
//   - MEMORY_RATIO: share of the limit for the Go heap (default 0.85)
//
// Without MEMORY_LIMIT the cgroup v2 memory.max file is consulted.
func ConfigureFromEnv() ConfigResult {
	return configure(os.Getenv, cgroupMemoryMax)
}

func configure(getenv func(string) string, cgroupFile string) ConfigResult {
	result := ConfigResult{Source: SourceNone}

	if goMemLimitEnv := getenv("GOMEMLIMIT"); goMemLimitEnv != "" {
		if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < math.MaxInt64 {
			result.Configured = true
			result.Source = SourceGoMemLimit
			result.GoMemLimit = limit
		}
		logging.Info("GOMEMLIMIT set via environment: %s", goMemLimitEnv)
		return result
	}

	limit, source := containerLimit(getenv("MEMORY_LIMIT"), cgroupFile)
	if limit <= 0 {
		logging.Debug("No container memory limit found, GOMEMLIMIT not configured")
		return result
	}
	result.ContainerLimit = limit

	ratio := parseRatio(getenv("MEMORY_RATIO"))
	result.Ratio = ratio

	goMemLimit := int64(float64(limit) * ratio)
	debug.SetMemoryLimit(goMemLimit)

	result.Configured = true
	result.Source = source
	result.GoMemLimit = goMemLimit

	logging.Info("Configured GOMEMLIMIT: %s (%.1f%% of %s limit from %s)",
		humanize.IBytes(uint64(goMemLimit)),
		ratio*100,
		humanize.IBytes(uint64(limit)),
		source,
	)
	return result
}

// containerLimit resolves the limit from MEMORY_LIMIT, falling back to the
// cgroup file. It returns 0 when neither yields a finite limit.
func containerLimit(env, cgroupFile string) (int64, string) {
	if env != "" {
		n, err := parseLimit(env)
		if err != nil {
			logging.Warn("Failed to parse MEMORY_LIMIT %q: %v", env, err)
			return 0, SourceNone
		}
		return n, SourceMemoryLimit
	}

	data, err := os.ReadFile(cgroupFile)
	if err != nil {
		return 0, SourceNone
	}
	value := strings.TrimSpace(string(data))
	if value == "max" {
		return 0, SourceNone
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n <= 0 {
		logging.Debug("Ignoring cgroup memory limit %q", value)
		return 0, SourceNone
	}
	return n, SourceCgroup
}

// parseLimit accepts plain bytes or a humanized size.
func parseLimit(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	// Kubernetes writes binary units as "Mi"/"Gi".
	if strings.HasSuffix(s, "i") {
		s += "B"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return math.MaxInt64, nil
	}
	return int64(n), nil
}

func parseRatio(s string) float64 {
	if s == "" {
		return DefaultMemoryRatio
	}
	ratio, err := strconv.ParseFloat(s, 64)
	if err != nil {
		logging.Warn("Failed to parse MEMORY_RATIO %q: %v, using default %.2f", s, err, DefaultMemoryRatio)
		return DefaultMemoryRatio
	}
	if ratio <= 0 || ratio > 1.0 {
		logging.Warn("MEMORY_RATIO %q out of range (0.0-1.0), using default %.2f", s, DefaultMemoryRatio)
		return DefaultMemoryRatio
	}
	return ratio
}
