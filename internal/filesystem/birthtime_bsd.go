//go:build darwin || freebsd

package filesystem

import (
	"io/fs"
	"syscall"
	"time"
)

// BirthTime returns the creation time recorded in the stat structure.
func BirthTime(_ string, info fs.FileInfo) (time.Time, bool) {
	if info == nil {
		return time.Time{}, false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(st.Birthtimespec.Unix()), true
}
