//go:build unix

package filesystem

import (
	"io/fs"
	"syscall"
)

func deviceInode(info fs.FileInfo) (dev, ino uint64, ok bool) {
	if info == nil {
		return 0, 0, false
	}
	st, isStat := info.Sys().(*syscall.Stat_t)
	if !isStat {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true //nolint:unconvert // Dev and Ino widths differ per platform
}
