package upload

import (
	"errors"
	"fmt"
)

var (
	// ErrClientDisconnected means the request body could not be read to
	// the end, usually because the client went away mid-chunk.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrInvalidChunk means the session id, index or total is malformed.
	ErrInvalidChunk = errors.New("invalid chunk")
)

// StorageError is a failure writing to the staging area.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("staging %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
