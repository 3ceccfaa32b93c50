//go:build !linux && !darwin && !freebsd && !windows

package filesystem

import (
	"io/fs"
	"time"
)

// BirthTime is unavailable on this platform.
func BirthTime(string, fs.FileInfo) (time.Time, bool) {
	return time.Time{}, false
}
