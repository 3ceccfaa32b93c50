package upload

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"nestbox/internal/logging"
	"nestbox/internal/metrics"
)

// SweepResult summarizes one janitor pass.
type SweepResult struct {
	Removed      int
	BytesFreed   int64
	SkippedBusy  int
	SkippedFresh int
}

// Janitor removes staging directories whose last chunk arrived longer ago
// than MaxAge. Sessions reported busy (a merge is queued or running) are
// never touched.
type Janitor struct {
	store    *ChunkStore
	maxAge   time.Duration
	interval time.Duration
	busy     func(sessionID string) bool
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewJanitor returns a janitor for store. busy may be nil.
func NewJanitor(store *ChunkStore, maxAge, interval time.Duration, busy func(string) bool) *Janitor {
	if busy == nil {
		busy = func(string) bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		busy:     busy,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start begins periodic sweeping.
func (j *Janitor) Start() {
	go j.loop()
}

// Stop ends the sweep loop and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	j.cancel()
	<-j.done
}

func (j *Janitor) loop() {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := j.Sweep(j.ctx); err != nil && j.ctx.Err() == nil {
				logging.Warn("[JANITOR] Sweep failed: %v", err)
			}
		case <-j.ctx.Done():
			return
		}
	}
}

// Sweep makes one pass over the staging root.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	metrics.JanitorRunsTotal.Inc()

	entries, err := os.ReadDir(j.store.Root())
	if err != nil {
		return res, &StorageError{Op: "list", Path: j.store.Root(), Err: err}
	}

	cutoff := j.now().Add(-j.maxAge)
	for _, e := range entries {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if !e.IsDir() || !ValidSessionID(e.Name()) {
			continue
		}
		id := e.Name()
		if j.busy(id) {
			res.SkippedBusy++
			continue
		}

		if last, _ := lastActivity(j.store.Dir(id)); last.After(cutoff) {
			res.SkippedFresh++
			continue
		}

		// a chunk or merge may have arrived since the checks above
		removed, last, size, err := j.store.removeIdle(id, cutoff, j.busy)
		if err != nil {
			logging.Warn("[JANITOR] Failed to remove %s: %v", id, err)
			continue
		}
		if !removed {
			logging.Debug("[JANITOR] Upload %s became active, keeping it", id)
			res.SkippedFresh++
			continue
		}
		res.Removed++
		res.BytesFreed += size
		metrics.JanitorRemovedTotal.Inc()
		logging.Info("[CLEANUP] Removed abandoned upload %s (idle since %s, %s)",
			id, humanize.Time(last), humanize.IBytes(uint64(size)))
	}

	if res.Removed > 0 {
		logging.Info("[JANITOR] Removed %d abandoned uploads, freed %s", res.Removed, humanize.IBytes(uint64(res.BytesFreed)))
	}
	return res, nil
}

// lastActivity returns the newest modification time among dir and its
// files, and their total size.
func lastActivity(dir string) (time.Time, int64) {
	var last time.Time
	var size int64

	if info, err := os.Stat(dir); err == nil {
		last = info.ModTime()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return last, size
	}
	for _, e := range entries {
		info, err := os.Stat(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		size += info.Size()
		if info.ModTime().After(last) {
			last = info.ModTime()
		}
	}
	return last, size
}
