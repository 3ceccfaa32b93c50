//go:build linux

package filesystem

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// BirthTime returns the creation time of path. Linux exposes it through
// statx only on filesystems that record it.
func BirthTime(path string, _ fs.FileInfo) (time.Time, bool) {
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, 0, unix.STATX_BTIME, &stx); err != nil {
		return time.Time{}, false
	}
	if stx.Mask&unix.STATX_BTIME == 0 {
		return time.Time{}, false
	}
	return time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec)), true
}
