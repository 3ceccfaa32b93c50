/*
Package filesystem holds the platform-sensitive filesystem helpers used by
the upload and indexing pipeline.

# Path safety

IsSafePath decides whether a destination or scan root may be written to or
walked. It rejects any path with a ".." segment, then applies a per-OS rule:
Windows paths must start with a drive letter whose root exists, macOS paths
must live under /Volumes, and everything else must be an absolute path under
"/". The allow-list can be replaced with SetAllowedRoots.

NormalizeRoot and ParentOf implement the drive-root convention used by the
index: a bare "D:" becomes "D:\", and a root is its own parent.

# Metadata

IsHidden, BirthTime and IdentityOf hide the per-OS details of hidden
attributes, file creation time and device/inode identity. BirthTime reports
false on filesystems without a creation timestamp.

# Stale handles

StatWithRetry and OpenWithRetry retry ESTALE with exponential backoff, which
removable and network-backed drives surface after a remount:

	info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())
*/
package filesystem
