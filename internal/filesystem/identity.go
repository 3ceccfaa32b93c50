package filesystem

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// Identity is a key for a directory that is stable across the different
// paths (symlinks, bind mounts) that can reach it.
type Identity string

// IdentityOf returns the identity of the directory at path. It prefers
// device and inode numbers and falls back to the fully resolved path.
func IdentityOf(path string, info fs.FileInfo) (Identity, error) {
	if dev, ino, ok := deviceInode(info); ok {
		return Identity(fmt.Sprintf("%d:%d", dev, ino)), nil
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return "", err
	}
	return Identity("path:" + abs), nil
}
