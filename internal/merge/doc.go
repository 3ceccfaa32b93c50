// Package merge reassembles a completed upload session into its final
// file.
//
// Chunks are streamed in ascending index order into a partial file next to
// the target, which is renamed into place once every byte is written. A
// target that already exists is never overwritten: the session is
// discarded and the merge reports a duplicate instead. Failures caused by
// the filesystem, including a chunk that has not landed yet, are
// retryable; the staging directory survives them until the final attempt.
package merge
