package filesystem

import (
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// PathPolicy decides which absolute paths the service may write to or scan.
type PathPolicy struct {
	// GOOS selects the rule set ("windows", "darwin", anything else).
	GOOS string
	// AllowedRoots restricts non-Windows paths to these prefixes.
	AllowedRoots []string
	// DriveExists reports whether a Windows drive root such as `E:\` is mounted.
	DriveExists func(driveRoot string) bool
}

var (
	policyMu      sync.RWMutex
	defaultPolicy = DefaultPolicy()
)

// DefaultPolicy returns the policy for the running OS.
func DefaultPolicy() PathPolicy {
	roots := []string{"/"}
	if runtime.GOOS == "darwin" {
		roots = []string{"/Volumes"}
	}
	return PathPolicy{
		GOOS:         runtime.GOOS,
		AllowedRoots: roots,
		DriveExists: func(driveRoot string) bool {
			_, err := os.Stat(driveRoot)
			return err == nil
		},
	}
}

// SetAllowedRoots replaces the allow-list of the package policy. An empty
// list restores the OS default.
func SetAllowedRoots(roots []string) {
	policyMu.Lock()
	defer policyMu.Unlock()
	if len(roots) == 0 {
		defaultPolicy.AllowedRoots = DefaultPolicy().AllowedRoots
		return
	}
	defaultPolicy.AllowedRoots = append([]string(nil), roots...)
}

// IsSafePath applies the package policy to p.
func IsSafePath(p string) bool {
	policyMu.RLock()
	policy := defaultPolicy
	policyMu.RUnlock()
	return policy.Allows(p)
}

// Allows reports whether p passes the traversal check and the OS rule.
func (pp PathPolicy) Allows(p string) bool {
	if strings.TrimSpace(p) == "" || hasTraversal(p) {
		return false
	}

	if pp.GOOS == "windows" {
		return pp.allowsWindows(p)
	}

	if !strings.HasPrefix(p, "/") {
		return false
	}
	cleaned := path.Clean(p)
	for _, root := range pp.AllowedRoots {
		root = path.Clean(root)
		if root == "/" || cleaned == root || strings.HasPrefix(cleaned, root+"/") {
			return true
		}
	}
	return false
}

func (pp PathPolicy) allowsWindows(p string) bool {
	if len(p) < 2 || p[1] != ':' || !isDriveLetter(p[0]) {
		return false
	}
	if len(p) > 2 && p[2] != '\\' && p[2] != '/' {
		// "C:foo" is relative to the drive's current directory
		return false
	}
	driveRoot := strings.ToUpper(p[:1]) + `:\`
	if pp.DriveExists == nil {
		return false
	}
	return pp.DriveExists(driveRoot)
}

func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isDriveLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// NormalizeRoot cleans p and expands a bare drive specifier to its root,
// so "D:" becomes `D:\`.
func NormalizeRoot(p string) string {
	cleaned := filepath.Clean(p)
	if vol := filepath.VolumeName(cleaned); vol != "" && cleaned == vol {
		return vol + string(filepath.Separator)
	}
	return cleaned
}

// ParentOf returns the parent folder of p. Drive and filesystem roots are
// their own parent.
func ParentOf(p string) string {
	return filepath.Dir(NormalizeRoot(p))
}

// IsRoot reports whether p is a drive or filesystem root.
func IsRoot(p string) bool {
	n := NormalizeRoot(p)
	return ParentOf(n) == n
}
