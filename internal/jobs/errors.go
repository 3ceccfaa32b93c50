package jobs

import "errors"

var (
	// ErrQueueFull is returned when the ready queue has no room.
	ErrQueueFull = errors.New("job queue is full")
	// ErrUnknownJob is returned when no handler is registered for a name.
	ErrUnknownJob = errors.New("unknown job")
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("job queue is shut down")
	// ErrJobNotFound is returned for ids that were never issued or have
	// aged out of the registry.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateKey is returned by a Unique enqueue when a job with the
	// same key is still in flight.
	ErrDuplicateKey = errors.New("job with this key already in flight")
)

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err, or anything it wraps, was marked with
// Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}
