package workers

import (
	"os"
	"runtime"
	"strconv"
)

// Count returns GOMAXPROCS scaled by multiplier, at least 1 and at most
// limit (0 means no limit).
func Count(multiplier float64, limit int) int {
	n := int(float64(runtime.GOMAXPROCS(0)) * multiplier)
	if n < 1 {
		n = 1
	}
	return capAt(n, limit)
}

// FromEnv returns the positive integer stored in the environment variable
// key, capped by limit. Unset or invalid values yield fallback.
func FromEnv(key string, fallback, limit int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return capAt(n, limit)
		}
	}
	return fallback
}

// ForCPU returns one worker per available CPU.
func ForCPU(limit int) int {
	return Count(1.0, limit)
}

// ForIO returns two workers per available CPU, for work that mostly waits
// on disk.
func ForIO(limit int) int {
	return Count(2.0, limit)
}

func capAt(n, limit int) int {
	if limit > 0 && n > limit {
		return limit
	}
	return n
}
