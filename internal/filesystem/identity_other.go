//go:build !unix

package filesystem

import "io/fs"

func deviceInode(fs.FileInfo) (dev, ino uint64, ok bool) {
	return 0, 0, false
}
