package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"nestbox/internal/filesystem"
	"nestbox/internal/indexer"
	"nestbox/internal/jobs"
	"nestbox/internal/logging"
	"nestbox/internal/metrics"
	"nestbox/internal/upload"
)

// JobName is the job queue name of merge jobs.
const JobName = "merge"

// partialSuffix marks a target that is still being written.
const partialSuffix = ".nestbox-partial"

const copyBufferSize = 1 << 20

// Status is the outcome of a merge that did not fail.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusDuplicate Status = "duplicate_found_fs"
)

var (
	// ErrIncomplete means the staging directory is missing or does not
	// hold every chunk yet.
	ErrIncomplete = errors.New("upload incomplete")
	// ErrInvalidRequest means the request can never succeed.
	ErrInvalidRequest = errors.New("invalid merge request")
)

// Request identifies the session to merge and where the file goes.
type Request struct {
	SessionID   string `json:"session_id"`
	Destination string `json:"destination"`
	Filename    string `json:"filename"`
	TotalChunks int    `json:"total_chunks"`
}

// Target returns the final file path.
func (r Request) Target() string {
	return filepath.Join(filepath.Clean(r.Destination), r.Filename)
}

// Result describes a finished merge.
type Result struct {
	Status   Status `json:"status"`
	FilePath string `json:"file_path"`
	Chunks   int    `json:"chunks,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// Enqueuer accepts follow-up jobs.
type Enqueuer interface {
	Enqueue(name string, payload any, opts ...jobs.EnqueueOption) (string, error)
}

// Engine merges upload sessions held by a ChunkStore.
type Engine struct {
	store   *upload.ChunkStore
	queue   Enqueuer
	limiter *rate.Limiter
}

// NewEngine returns an engine. queue may be nil, in which case merged files
// are not indexed. bytesPerSecond limits the copy rate; 0 means unlimited.
func NewEngine(store *upload.ChunkStore, queue Enqueuer, bytesPerSecond int) *Engine {
	e := &Engine{store: store, queue: queue}
	if bytesPerSecond > 0 {
		burst := bytesPerSecond
		if burst < copyBufferSize {
			burst = copyBufferSize
		}
		e.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}
	return e
}

// Merge assembles the session into req.Target(). lastAttempt tells the
// engine that no retry will follow a failure, so the staging directory is
// removed whatever happens.
func (e *Engine) Merge(ctx context.Context, req Request, lastAttempt bool) (res *Result, err error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	target := req.Target()

	if _, statErr := os.Lstat(target); statErr == nil {
		logging.Warn("[MERGE SKIPPED] Duplicate file exists: %s. Cleaning up temp.", target)
		e.cleanup(req.SessionID)
		metrics.MergesTotal.WithLabelValues(string(StatusDuplicate)).Inc()
		return &Result{Status: StatusDuplicate, FilePath: target}, nil
	}

	start := time.Now()
	logging.Info("[MERGING STARTED] UUID=%s. Writing final file to: %s", req.SessionID, target)

	defer func() {
		switch {
		case err == nil:
			metrics.MergesTotal.WithLabelValues(string(StatusSuccess)).Inc()
			metrics.MergeDuration.Observe(time.Since(start).Seconds())
			e.cleanup(req.SessionID)
		case lastAttempt:
			metrics.MergesTotal.WithLabelValues("failure").Inc()
			logging.Error("[ABORT] Merge failed for UUID=%s: %v", req.SessionID, err)
			e.cleanup(req.SessionID)
		case IsRetryable(err):
			metrics.MergesTotal.WithLabelValues("retry").Inc()
			logging.Error("[MERGE ERROR] %v for UUID=%s", err, req.SessionID)
		default:
			metrics.MergesTotal.WithLabelValues("failure").Inc()
			logging.Error("[MERGE ERROR] %v for UUID=%s", err, req.SessionID)
		}
	}()

	chunks, err := e.completeChunks(req)
	if err != nil {
		return nil, err
	}

	written, err := e.assemble(ctx, chunks, target)
	if err != nil {
		return nil, err
	}

	metrics.MergeBytesTotal.Add(float64(written))
	logging.Info("[MERGE COMPLETE] UUID=%s, wrote %s (%s)", req.SessionID, req.Filename, humanize.IBytes(uint64(written)))

	if e.queue != nil {
		if _, qErr := e.queue.Enqueue(indexer.JobIndexFile, indexer.FileJob{Path: target}); qErr != nil {
			logging.Error("[INDEX] Failed to queue indexing for %s: %v", target, qErr)
		} else {
			logging.Info("[INDEX QUEUED] Single file indexing started for %s", req.Filename)
		}
	}

	return &Result{Status: StatusSuccess, FilePath: target, Chunks: len(chunks), Bytes: written}, nil
}

func validate(req Request) error {
	if !upload.ValidSessionID(req.SessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidRequest, req.SessionID)
	}
	if req.TotalChunks < 1 {
		return fmt.Errorf("%w: total chunks %d", ErrInvalidRequest, req.TotalChunks)
	}
	if !ValidFilename(req.Filename) {
		return fmt.Errorf("%w: filename %q", ErrInvalidRequest, req.Filename)
	}
	if !filesystem.IsSafePath(req.Destination) {
		return fmt.Errorf("%w: destination %q", ErrInvalidRequest, req.Destination)
	}
	return nil
}

// ValidFilename reports whether name is a single path element.
func ValidFilename(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}

// completeChunks returns the chunk paths if, and only if, indexes 0 through
// TotalChunks-1 are all present.
func (e *Engine) completeChunks(req Request) ([]string, error) {
	if !e.store.Exists(req.SessionID) {
		return nil, fmt.Errorf("%w: temp directory not found: %s", ErrIncomplete, e.store.Dir(req.SessionID))
	}
	missing, err := e.store.Missing(req.SessionID, req.TotalChunks)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d chunks missing", ErrIncomplete, len(missing), req.TotalChunks)
	}
	chunks, err := e.store.Chunks(req.SessionID)
	if err != nil {
		return nil, err
	}
	if len(chunks) != req.TotalChunks {
		return nil, fmt.Errorf("%w: expected %d chunks, found %d", ErrIncomplete, req.TotalChunks, len(chunks))
	}
	return chunks, nil
}

// assemble copies chunks into a partial file and renames it to target. A
// failed attempt leaves nothing at target or at the partial path.
func (e *Engine) assemble(ctx context.Context, chunks []string, target string) (int64, error) {
	partial := target + partialSuffix
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}

	success := false
	defer func() {
		if !success {
			out.Close()
			os.Remove(partial)
		}
	}()

	var w io.Writer = out
	if e.limiter != nil {
		w = &throttledWriter{ctx: ctx, w: out, limiter: e.limiter}
	}

	buf := make([]byte, copyBufferSize)
	var total int64
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := copyChunk(w, chunk, buf)
		total += n
		if err != nil {
			return total, err
		}
		logging.Debug("[MERGE] Appended chunk %d/%d (%s)", i+1, len(chunks), humanize.IBytes(uint64(n)))
	}

	if err := out.Sync(); err != nil {
		return total, err
	}
	if err := out.Close(); err != nil {
		return total, err
	}

	// a concurrent writer may have produced the target meanwhile
	if _, err := os.Lstat(target); err == nil {
		return total, fmt.Errorf("%w: %s appeared during merge", fs.ErrExist, target)
	}
	if err := os.Rename(partial, target); err != nil {
		return total, err
	}
	success = true
	return total, nil
}

func copyChunk(w io.Writer, path string, buf []byte) (int64, error) {
	in, err := filesystem.OpenWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: chunk vanished: %v", ErrIncomplete, err)
		}
		return 0, err
	}
	defer in.Close()
	return io.CopyBuffer(w, in, buf)
}

func (e *Engine) cleanup(sessionID string) {
	if !e.store.Exists(sessionID) {
		return
	}
	if err := e.store.Remove(sessionID); err != nil {
		logging.Warn("[CLEANUP] Failed to remove temp folder for %s: %v", sessionID, err)
		return
	}
	logging.Info("[CLEANUP] Removed temp folder %s", e.store.Dir(sessionID))
}

// IsRetryable reports whether a merge failure may succeed on a later
// attempt: missing chunks and filesystem errors.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrIncomplete) {
		return true
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	var errno syscall.Errno
	var storageErr *upload.StorageError
	return errors.As(err, &pathErr) || errors.As(err, &linkErr) || errors.As(err, &errno) || errors.As(err, &storageErr)
}

// Handler adapts the engine to the job queue. Retryable failures are
// marked so the queue schedules another attempt.
func (e *Engine) Handler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		req, ok := job.Payload.(Request)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected payload %T", ErrInvalidRequest, job.Payload)
		}
		res, err := e.Merge(ctx, req, job.LastAttempt())
		if err != nil {
			if IsRetryable(err) {
				return nil, jobs.Retryable(err)
			}
			return nil, err
		}
		return res, nil
	}
}

type throttledWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	written := 0
	burst := t.limiter.Burst()
	for written < len(p) {
		n := len(p) - written
		if n > burst {
			n = burst
		}
		if err := t.limiter.WaitN(t.ctx, n); err != nil {
			return written, err
		}
		m, err := t.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
