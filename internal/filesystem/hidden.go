package filesystem

import (
	"io/fs"
	"strings"
)

// IsDotName reports whether name is hidden by the Unix dot convention.
func IsDotName(name string) bool {
	return strings.HasPrefix(name, ".")
}

// IsHidden reports whether an entry is hidden either by name or by an OS
// attribute (Windows hidden/system, macOS UF_HIDDEN).
func IsHidden(name string, info fs.FileInfo) bool {
	if IsDotName(name) {
		return true
	}
	if info == nil {
		return false
	}
	return hasHiddenAttribute(info)
}
