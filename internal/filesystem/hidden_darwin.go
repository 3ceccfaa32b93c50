//go:build darwin

package filesystem

import (
	"io/fs"
	"syscall"

	"golang.org/x/sys/unix"
)

func hasHiddenAttribute(info fs.FileInfo) bool {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return false
	}
	return st.Flags&unix.UF_HIDDEN != 0
}
