//go:build windows

package filesystem

import (
	"io/fs"
	"syscall"
	"time"
)

// BirthTime returns the NTFS/exFAT creation time.
func BirthTime(_ string, info fs.FileInfo) (time.Time, bool) {
	if info == nil {
		return time.Time{}, false
	}
	data, ok := info.Sys().(*syscall.Win32FileAttributeData)
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, data.CreationTime.Nanoseconds()), true
}
