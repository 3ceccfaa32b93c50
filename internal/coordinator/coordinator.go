package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nestbox/internal/database"
	"nestbox/internal/filesystem"
	"nestbox/internal/indexer"
	"nestbox/internal/jobs"
	"nestbox/internal/logging"
	"nestbox/internal/merge"
	"nestbox/internal/metrics"
)

const (
	// ScanLockKey names the lock that serializes full scans.
	ScanLockKey = "full_scan_lock"

	// DefaultLockTTL bounds how long a crashed scan can block the next one.
	DefaultLockTTL = time.Hour

	// JobIndexDrive is the job queue name of full scans.
	JobIndexDrive = "index_drive"
)

var (
	// ErrScanInProgress is returned when the scan lock is already held.
	ErrScanInProgress = errors.New("indexing already in progress")
	// ErrInvalidPath is returned for scan roots that are unsafe or not
	// directories.
	ErrInvalidPath = errors.New("invalid or unsafe path")
)

// trackedJobs are the job names that count as indexing activity.
var trackedJobs = []string{merge.JobName, indexer.JobIndexFile, JobIndexDrive}

// LockStore persists named locks.
type LockStore interface {
	TryAcquireLock(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, holder string) (bool, error)
	ForceReleaseLock(ctx context.Context, name string) (bool, error)
	LockState(ctx context.Context, name string) (*database.LockInfo, error)
}

// JobQueue accepts scan jobs and reports in-flight work.
type JobQueue interface {
	Enqueue(name string, payload any, opts ...jobs.EnqueueOption) (string, error)
	Active(names ...string) []jobs.Status
}

// ScanRunner performs a full scan of one root.
type ScanRunner interface {
	Scan(ctx context.Context, root string) (*indexer.ScanResult, error)
}

// DriveJob is the payload of an index_drive job.
type DriveJob struct {
	Root  string `json:"root"`
	Token string `json:"token"`
}

// Status is the combined view of the scan lock and in-flight jobs.
type Status struct {
	IsIndexing    bool          `json:"is_indexing"`
	LockHeld      bool          `json:"lock_held"`
	LockExpiresAt *time.Time    `json:"lock_expires_at,omitempty"`
	Running       []jobs.Status `json:"running"`
	// Progress is set while a scan runs in this process.
	Progress *indexer.IndexProgress `json:"progress,omitempty"`
}

// progressReporter is implemented by scanners that expose live counts.
type progressReporter interface {
	Progress() indexer.IndexProgress
}

// Config configures a Coordinator.
type Config struct {
	LockTTL time.Duration
	Clock   Clock
}

// Coordinator owns the scan lock.
type Coordinator struct {
	locks   LockStore
	queue   JobQueue
	scanner ScanRunner
	ttl     time.Duration
	clock   Clock
	held    atomic.Int32
}

// New creates a coordinator. queue may be nil for callers that only run
// scans synchronously.
func New(locks LockStore, queue JobQueue, scanner ScanRunner, cfg Config) *Coordinator {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	return &Coordinator{
		locks:   locks,
		queue:   queue,
		scanner: scanner,
		ttl:     cfg.LockTTL,
		clock:   cfg.Clock,
	}
}

// TryAcquire takes key for ttl. ok is false, with a nil error, when
// another holder's lock has not expired.
func (c *Coordinator) TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.locks.TryAcquireLock(ctx, key, token, c.clock.Now(), ttl)
	switch {
	case err != nil:
		metrics.LockAcquireTotal.WithLabelValues("error").Inc()
		return "", false, err
	case !ok:
		metrics.LockAcquireTotal.WithLabelValues("contended").Inc()
		return "", false, nil
	}
	metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
	metrics.LockHeld.Set(float64(c.held.Add(1)))
	logging.Debug("[LOCK] Acquired %s (ttl %v)", key, ttl)
	return token, true, nil
}

// Release frees key if token still owns it. A lock that expired and was
// taken by someone else is left alone.
func (c *Coordinator) Release(ctx context.Context, key, token string) error {
	if n := c.held.Add(-1); n >= 0 {
		metrics.LockHeld.Set(float64(n))
	} else {
		c.held.Store(0)
	}
	released, err := c.locks.ReleaseLock(ctx, key, token)
	if err != nil {
		logging.Error("[LOCK] Failed to release %s: %v", key, err)
		return err
	}
	if !released {
		logging.Warn("[LOCK] %s was no longer held by this scan; it expired or was force-released", key)
		return nil
	}
	logging.Info("[LOCK] Released %s", key)
	return nil
}

// ForceRelease deletes the scan lock regardless of holder.
func (c *Coordinator) ForceRelease(ctx context.Context) (bool, error) {
	released, err := c.locks.ForceReleaseLock(ctx, ScanLockKey)
	if err != nil {
		return false, err
	}
	if released {
		logging.Warn("[LOCK] %s force-released", ScanLockKey)
	}
	return released, nil
}

// lockState returns the scan lock if it is held and unexpired.
func (c *Coordinator) lockState(ctx context.Context) (*database.LockInfo, error) {
	info, err := c.locks.LockState(ctx, ScanLockKey)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.Active(c.clock.Now()) {
		return nil, nil
	}
	return info, nil
}

// Status reports the scan lock together with in-flight merge and index
// jobs.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	info, err := c.lockState(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Running: []jobs.Status{}}
	if info != nil {
		st.LockHeld = true
		exp := info.ExpiresAt
		st.LockExpiresAt = &exp
	}
	if c.queue != nil {
		if running := c.queue.Active(trackedJobs...); running != nil {
			st.Running = running
		}
	}
	if pr, ok := c.scanner.(progressReporter); ok {
		if p := pr.Progress(); p.IsIndexing {
			st.Progress = &p
		}
	}
	st.IsIndexing = st.LockHeld || len(st.Running) > 0
	return st, nil
}

// IsActive reports whether any indexing work is in flight.
func (c *Coordinator) IsActive(ctx context.Context) (bool, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return st.IsIndexing, nil
}

// validateRoot normalizes root and checks it is a safe, existing directory.
func validateRoot(root string) (string, error) {
	if !filesystem.IsSafePath(root) {
		logging.Warn("[SECURITY] Rejected scan of unsafe path: %s", root)
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, root)
	}
	root = filesystem.NormalizeRoot(root)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, root)
	}
	return root, nil
}

// StartScan validates root, takes the scan lock and queues the scan. The
// lock is released by the job when it finishes, by AbandonDrive when the
// queue shuts down first, or here when queueing fails.
func (c *Coordinator) StartScan(ctx context.Context, root string) (string, error) {
	if c.queue == nil {
		return "", jobs.ErrClosed
	}
	root, err := validateRoot(root)
	if err != nil {
		return "", err
	}

	token, ok, err := c.TryAcquire(ctx, ScanLockKey, c.ttl)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrScanInProgress
	}

	id, err := c.queue.Enqueue(JobIndexDrive, DriveJob{Root: root, Token: token}, jobs.WithKey(root))
	if err != nil {
		logging.Error("[INDEX] Failed to queue scan of %s: %v", root, err)
		if relErr := c.Release(context.WithoutCancel(ctx), ScanLockKey, token); relErr != nil {
			return "", errors.Join(err, relErr)
		}
		return "", err
	}
	logging.Info("[INDEX] Scan of %s queued as job %s", root, id)
	return id, nil
}

// RunScan scans root in the calling goroutine under the scan lock.
func (c *Coordinator) RunScan(ctx context.Context, root string) (*indexer.ScanResult, error) {
	root, err := validateRoot(root)
	if err != nil {
		return nil, err
	}
	token, ok, err := c.TryAcquire(ctx, ScanLockKey, c.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrScanInProgress
	}
	defer c.Release(context.WithoutCancel(ctx), ScanLockKey, token)
	return c.scanner.Scan(ctx, root)
}

// AbandonDrive releases the lock of an index_drive job that the queue
// dropped before it ran. Register it with jobs.Queue.OnAbandon.
func (c *Coordinator) AbandonDrive(job jobs.Job) {
	p, ok := job.Payload.(DriveJob)
	if !ok {
		return
	}
	logging.Warn("[INDEX] Scan of %s abandoned before it ran (job %s)", p.Root, job.ID)
	c.Release(context.Background(), ScanLockKey, p.Token)
}

// DriveHandler runs index_drive jobs. The lock named by the payload token
// is released on every exit, including a panic recovered by the queue.
func (c *Coordinator) DriveHandler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		p, ok := job.Payload.(DriveJob)
		if !ok {
			return nil, fmt.Errorf("index_drive: unexpected payload %T", job.Payload)
		}
		defer c.Release(context.WithoutCancel(ctx), ScanLockKey, p.Token)
		return c.scanner.Scan(ctx, p.Root)
	}
}
