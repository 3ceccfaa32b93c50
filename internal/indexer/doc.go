// Package indexer keeps the file index in step with the filesystem.
//
// A full scan replaces everything the index holds below a root: the
// subtree is deleted, the root is re-inserted as its own parent, and the
// tree is walked depth first. Entries are committed in batches so a large
// drive never holds one long write transaction. The walk skips:
//   - dot-prefixed files and directories
//   - directories carrying the OS hidden attribute
//   - files that disappear between listing and stat
//   - directories already visited through another path
//
// Single files written by a merge are indexed individually with
// IndexFile, which also guarantees the parent folder row exists.
package indexer
