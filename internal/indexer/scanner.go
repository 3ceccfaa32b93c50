package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"nestbox/internal/database"
	"nestbox/internal/filesystem"
	"nestbox/internal/logging"
	"nestbox/internal/metrics"
	"nestbox/internal/workers"
)

const (
	// DefaultBatchSize is the number of entries per committed transaction.
	DefaultBatchSize = 500

	// Log a progress line every this many entries
	progressInterval = 5000
)

const (
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusCanceled = "canceled"
)

// ErrNotDirectory is returned when a scan root is not a directory.
var ErrNotDirectory = errors.New("scan root is not a directory")

// Options configures a Scanner.
type Options struct {
	// BatchSize is the number of entries committed per transaction.
	BatchSize int
	// Workers bounds concurrent stat calls within one directory.
	Workers int
	// FollowSymlinks descends into symlinked directories. Without it they
	// are indexed as folders but not walked.
	FollowSymlinks bool
}

// DefaultOptions returns the scanner defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize: DefaultBatchSize,
		Workers:   workers.ForIO(16),
	}
}

// IndexProgress tracks the current scan.
type IndexProgress struct {
	Root           string    `json:"root,omitempty"`
	FilesIndexed   int64     `json:"files_indexed"`
	FoldersIndexed int64     `json:"folders_indexed"`
	IsIndexing     bool      `json:"is_indexing"`
	StartedAt      time.Time `json:"started_at,omitempty"`
}

// ScanResult summarizes a finished scan.
type ScanResult struct {
	Root     string        `json:"root"`
	Status   string        `json:"status"`
	Removed  int64         `json:"removed"`
	Files    int64         `json:"files"`
	Folders  int64         `json:"folders"`
	Skipped  int64         `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// Scanner walks directory trees into an IndexStore.
type Scanner struct {
	store *database.IndexStore
	opts  Options

	running        atomic.Int32
	filesIndexed   atomic.Int64
	foldersIndexed atomic.Int64
	progress       atomic.Value
}

// NewScanner creates a scanner writing to store.
func NewScanner(store *database.IndexStore, opts Options) *Scanner {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	s := &Scanner{store: store, opts: opts}
	s.progress.Store(IndexProgress{})
	return s
}

// IsScanning reports whether a scan is running in this process.
func (s *Scanner) IsScanning() bool {
	return s.running.Load() > 0
}

// Progress returns the progress of the most recent scan.
func (s *Scanner) Progress() IndexProgress {
	p, _ := s.progress.Load().(IndexProgress)
	p.FilesIndexed = s.filesIndexed.Load()
	p.FoldersIndexed = s.foldersIndexed.Load()
	return p
}

// statResult is the outcome of examining one directory entry.
type statResult struct {
	path    string
	info    fs.FileInfo
	isDir   bool
	descend bool
	err     error
}

// Scan replaces the index contents below root with a fresh walk of the
// filesystem. Batches committed before a failure stay committed.
func (s *Scanner) Scan(ctx context.Context, root string) (*ScanResult, error) {
	root = filesystem.NormalizeRoot(root)
	start := time.Now()
	res := &ScanResult{Root: root, Status: StatusFailure}

	rootInfo, err := filesystem.StatWithRetry(root, filesystem.DefaultRetryConfig())
	if err != nil {
		metrics.ScansTotal.WithLabelValues(StatusFailure).Inc()
		if errors.Is(err, fs.ErrNotExist) {
			// a vanished root must not leave its old entries behind
			removed, delErr := s.store.DeleteSubtree(ctx, root)
			if delErr != nil {
				return res, errors.Join(fmt.Errorf("stat scan root: %w", err), fmt.Errorf("clear subtree: %w", delErr))
			}
			res.Removed = removed
			logging.Warn("[INDEX] Scan root %s is gone, removed %d stale entries", root, removed)
		}
		return res, fmt.Errorf("stat scan root: %w", err)
	}
	if !rootInfo.IsDir() {
		metrics.ScansTotal.WithLabelValues(StatusFailure).Inc()
		return res, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	s.running.Add(1)
	metrics.IndexerIsRunning.Set(1)
	defer func() {
		if s.running.Add(-1) == 0 {
			metrics.IndexerIsRunning.Set(0)
		}
		res.Duration = time.Since(start)
		metrics.ScansTotal.WithLabelValues(res.Status).Inc()
		metrics.ScanDuration.Observe(res.Duration.Seconds())
		p := s.Progress()
		p.IsIndexing = false
		s.progress.Store(p)
	}()

	s.filesIndexed.Store(0)
	s.foldersIndexed.Store(0)
	s.progress.Store(IndexProgress{Root: root, IsIndexing: true, StartedAt: start})

	logging.Info("[INDEX] Starting scan of %s", root)

	removed, err := s.store.DeleteSubtree(ctx, root)
	if err != nil {
		return res, fmt.Errorf("clear subtree: %w", err)
	}
	res.Removed = removed
	logging.Debug("[INDEX] Removed %d stale entries under %s", removed, root)

	w := &batchWriter{store: s.store, ctx: ctx, size: s.opts.BatchSize}

	rootEntry := database.FolderEntry(root, root, rootInfo.ModTime())
	if err := w.folder(&rootEntry); err != nil {
		return res, w.abort(err)
	}

	visited := make(map[filesystem.Identity]struct{})
	if id, err := filesystem.IdentityOf(root, rootInfo); err == nil {
		visited[id] = struct{}{}
	}

	var lastLogged int64
	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			res.Status = StatusCanceled
			return res, w.abort(err)
		}

		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		results, err := s.readDir(ctx, dir)
		if err != nil {
			if ctx.Err() != nil {
				res.Status = StatusCanceled
				return res, w.abort(ctx.Err())
			}
			logging.Warn("[INDEX] Cannot read directory %s: %v", dir, err)
			metrics.ScanSkippedTotal.WithLabelValues("error").Inc()
			res.Skipped++
			continue
		}

		for i := range results {
			r := &results[i]
			if r.err != nil {
				reason := "error"
				if errors.Is(r.err, fs.ErrNotExist) {
					reason = "vanished"
					logging.Warn("[INDEX] File disappeared before stat, skipping: %s", r.path)
				} else {
					logging.Warn("[INDEX] Cannot stat %s: %v", r.path, r.err)
				}
				metrics.ScanSkippedTotal.WithLabelValues(reason).Inc()
				res.Skipped++
				continue
			}

			if !r.isDir {
				created, ok := filesystem.BirthTime(r.path, r.info)
				var createdPtr *time.Time
				if ok {
					createdPtr = &created
				}
				e := database.FileEntry(r.path, dir, r.info.Size(), r.info.ModTime(), createdPtr)
				if err := w.file(&e); err != nil {
					return res, w.abort(err)
				}
				res.Files++
				s.filesIndexed.Add(1)
				continue
			}

			if filesystem.IsHidden(filepath.Base(r.path), r.info) {
				logging.Debug("[INDEX] Pruning hidden directory %s", r.path)
				metrics.ScanSkippedTotal.WithLabelValues("hidden").Inc()
				res.Skipped++
				continue
			}

			e := database.FolderEntry(r.path, dir, r.info.ModTime())
			if err := w.folder(&e); err != nil {
				return res, w.abort(err)
			}
			res.Folders++
			s.foldersIndexed.Add(1)

			if !r.descend {
				continue
			}
			id, err := filesystem.IdentityOf(r.path, r.info)
			if err != nil {
				logging.Warn("[INDEX] Cannot identify %s, not descending: %v", r.path, err)
				metrics.ScanSkippedTotal.WithLabelValues("error").Inc()
				continue
			}
			if _, seen := visited[id]; seen {
				logging.Warn("[INDEX] Directory %s already visited, skipping cycle", r.path)
				metrics.ScanSkippedTotal.WithLabelValues("cycle").Inc()
				res.Skipped++
				continue
			}
			visited[id] = struct{}{}
			stack = append(stack, r.path)
		}

		if total := res.Files + res.Folders; total-lastLogged >= progressInterval {
			logging.Info("[INDEX] Indexed %s files, %s folders...", humanize.Comma(res.Files), humanize.Comma(res.Folders))
			lastLogged = total
		}
	}

	if err := w.flush(); err != nil {
		return res, err
	}

	metrics.ScanEntriesTotal.WithLabelValues("file").Add(float64(res.Files))
	metrics.ScanEntriesTotal.WithLabelValues("folder").Add(float64(res.Folders + 1))
	res.Status = StatusSuccess
	logging.Info("[INDEX] Scan of %s complete: %s files, %s folders, %d skipped in %v",
		root, humanize.Comma(res.Files), humanize.Comma(res.Folders), res.Skipped, time.Since(start).Round(time.Millisecond))
	return res, nil
}

// readDir lists dir, dropping dot-prefixed names, and stats the remaining
// entries concurrently. Results keep the directory's name order.
func (s *Scanner) readDir(ctx context.Context, dir string) ([]statResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	kept := entries[:0]
	for _, de := range entries {
		if filesystem.IsDotName(de.Name()) {
			if de.IsDir() {
				metrics.ScanSkippedTotal.WithLabelValues("hidden").Inc()
			}
			continue
		}
		kept = append(kept, de)
	}

	results := make([]statResult, len(kept))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, de := range kept {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.statEntry(dir, de)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Scanner) statEntry(dir string, de fs.DirEntry) statResult {
	p := filepath.Join(dir, de.Name())
	info, err := de.Info()
	if err != nil {
		if filesystem.IsStaleError(err) {
			info, err = filesystem.StatWithRetry(p, filesystem.DefaultRetryConfig())
		}
		if err != nil {
			return statResult{path: p, err: err}
		}
	}

	if info.Mode()&fs.ModeSymlink == 0 {
		return statResult{path: p, info: info, isDir: info.IsDir(), descend: info.IsDir()}
	}

	target, err := os.Stat(p)
	if err != nil {
		// dangling link
		return statResult{path: p, err: err}
	}
	return statResult{
		path:    p,
		info:    target,
		isDir:   target.IsDir(),
		descend: target.IsDir() && s.opts.FollowSymlinks,
	}
}

// batchWriter commits entries in transactions of a fixed size.
type batchWriter struct {
	store *database.IndexStore
	ctx   context.Context
	size  int
	batch *database.Batch
}

func (w *batchWriter) begin() error {
	if w.batch != nil {
		return nil
	}
	b, err := w.store.BeginBatch(w.ctx)
	if err != nil {
		return err
	}
	w.batch = b
	return nil
}

func (w *batchWriter) folder(e *database.IndexEntry) error {
	if err := w.begin(); err != nil {
		return err
	}
	if err := w.store.UpsertFolder(w.batch, e); err != nil {
		return err
	}
	return w.maybeFlush()
}

func (w *batchWriter) file(e *database.IndexEntry) error {
	if err := w.begin(); err != nil {
		return err
	}
	if err := w.store.UpsertFile(w.batch, e); err != nil {
		return err
	}
	return w.maybeFlush()
}

func (w *batchWriter) maybeFlush() error {
	if w.batch.Writes() < w.size {
		return nil
	}
	return w.flush()
}

func (w *batchWriter) flush() error {
	if w.batch == nil {
		return nil
	}
	b := w.batch
	w.batch = nil
	if err := w.store.EndBatch(b, nil); err != nil {
		return err
	}
	logging.Debug("[INDEX] Committed batch of %d entries", b.Writes())
	return nil
}

// abort rolls back the open batch and returns err, joined with any
// rollback failure.
func (w *batchWriter) abort(err error) error {
	if w.batch == nil {
		return err
	}
	b := w.batch
	w.batch = nil
	return w.store.EndBatch(b, err)
}
