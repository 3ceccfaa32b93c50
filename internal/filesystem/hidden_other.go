//go:build !windows && !darwin

package filesystem

import "io/fs"

func hasHiddenAttribute(fs.FileInfo) bool {
	return false
}
