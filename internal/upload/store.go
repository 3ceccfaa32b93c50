package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"nestbox/internal/logging"
	"nestbox/internal/metrics"
)

const chunkSuffix = ".part"

// ChunkStore keeps upload sessions under a staging root.
type ChunkStore struct {
	root  string
	locks sessionLocks
}

// sessionLocks holds off removal of a staging directory while chunks are
// written into it. Chunk writes share a session's lock; removal takes it
// alone.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sync.RWMutex
	refs int
}

func (l *sessionLocks) acquire(id string, exclusive bool) (release func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sessionLock)
	}
	sl := l.locks[id]
	if sl == nil {
		sl = &sessionLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	if exclusive {
		sl.Lock()
	} else {
		sl.RLock()
	}
	return func() {
		if exclusive {
			sl.Unlock()
		} else {
			sl.RUnlock()
		}
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// NewChunkStore creates the staging root if needed.
func NewChunkStore(root string) (*ChunkStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Path: root, Err: err}
	}
	logging.Info("[CHUNK] Saving chunks to: %s", root)
	return &ChunkStore{root: root}, nil
}

// Root returns the staging root.
func (s *ChunkStore) Root() string {
	return s.root
}

// ValidSessionID reports whether id is a UUID. Anything else could
// address a path outside the staging root.
func ValidSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && !strings.ContainsAny(id, `/\.`)
}

// ChunkName returns the file name of chunk index.
func ChunkName(index int) string {
	return fmt.Sprintf("%05d%s", index, chunkSuffix)
}

// ChunkIndex parses a chunk file name back to its index.
func ChunkIndex(name string) (int, bool) {
	digits, ok := strings.CutSuffix(name, chunkSuffix)
	if !ok || digits == "" {
		return 0, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	return n, err == nil
}

// Dir returns the staging directory of a session.
func (s *ChunkStore) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// SaveChunk stores chunk index of total for the session, read from r. The
// chunk is written under a temporary name and renamed into place, so an
// interrupted write never counts as present. Re-sending a chunk replaces it.
func (s *ChunkStore) SaveChunk(ctx context.Context, sessionID string, index, total int, r io.Reader) error {
	if !ValidSessionID(sessionID) {
		metrics.ChunksReceivedTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: session id %q", ErrInvalidChunk, sessionID)
	}
	if total < 1 || index < 0 || index >= total {
		metrics.ChunksReceivedTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: index %d of %d", ErrInvalidChunk, index, total)
	}
	defer s.locks.acquire(sessionID, false)()

	dir := s.Dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		metrics.ChunksReceivedTotal.WithLabelValues("storage_error").Inc()
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	written, err := writeAtomic(ctx, filepath.Join(dir, ChunkName(index)), r)
	if err != nil {
		if errors.Is(err, ErrClientDisconnected) {
			metrics.ChunksReceivedTotal.WithLabelValues("disconnected").Inc()
			logging.Warn("[UPLOAD] Client disconnected mid-chunk UUID=%s index=%d", sessionID, index)
		} else {
			metrics.ChunksReceivedTotal.WithLabelValues("storage_error").Inc()
			logging.Error("[UPLOAD ERROR] Failed to save chunk UUID=%s index=%d: %v", sessionID, index, err)
		}
		return err
	}

	metrics.ChunksReceivedTotal.WithLabelValues("saved").Inc()
	metrics.ChunkBytesTotal.Add(float64(written))
	logging.Info("[CHUNK] UUID=%s index=%d/%d (%s)", sessionID, index+1, total, humanize.IBytes(uint64(written)))
	return nil
}

// bodyReader remembers whether a read failed, so a failed copy can be
// blamed on the client or on the disk.
type bodyReader struct {
	ctx context.Context
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		b.err = err
		return 0, err
	}
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

func writeAtomic(ctx context.Context, dest string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return 0, &StorageError{Op: "create", Path: dest, Err: err}
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	body := &bodyReader{ctx: ctx, r: r}
	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		if body.err != nil {
			return written, fmt.Errorf("%w: %v", ErrClientDisconnected, body.err)
		}
		return written, &StorageError{Op: "write", Path: dest, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return written, &StorageError{Op: "close", Path: dest, Err: err}
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return written, &StorageError{Op: "rename", Path: dest, Err: err}
	}

	success = true
	return written, nil
}

// Chunks returns the paths of the session's chunks in ascending index
// order. A session with no directory has no chunks.
func (s *ChunkStore) Chunks(sessionID string) ([]string, error) {
	indexes, err := s.indexes(sessionID)
	if err != nil {
		return nil, err
	}
	dir := s.Dir(sessionID)
	paths := make([]string, len(indexes))
	for i, idx := range indexes {
		paths[i] = filepath.Join(dir, ChunkName(idx))
	}
	return paths, nil
}

// CountPresent returns the number of fully written chunks.
func (s *ChunkStore) CountPresent(sessionID string) (int, error) {
	indexes, err := s.indexes(sessionID)
	return len(indexes), err
}

// Missing returns the indexes in [0, total) that have not arrived.
func (s *ChunkStore) Missing(sessionID string, total int) ([]int, error) {
	indexes, err := s.indexes(sessionID)
	if err != nil {
		return nil, err
	}
	present := make(map[int]bool, len(indexes))
	for _, idx := range indexes {
		present[idx] = true
	}
	missing := []int{}
	for i := 0; i < total; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// MissingCount returns how many of total chunks have not arrived.
func (s *ChunkStore) MissingCount(sessionID string, total int) (int, error) {
	missing, err := s.Missing(sessionID, total)
	return len(missing), err
}

// Exists reports whether the session has a staging directory.
func (s *ChunkStore) Exists(sessionID string) bool {
	if !ValidSessionID(sessionID) {
		return false
	}
	info, err := os.Stat(s.Dir(sessionID))
	return err == nil && info.IsDir()
}

// Remove deletes the session's staging directory. Removing a session that
// does not exist is not an error.
func (s *ChunkStore) Remove(sessionID string) error {
	if !ValidSessionID(sessionID) {
		return fmt.Errorf("%w: session id %q", ErrInvalidChunk, sessionID)
	}
	defer s.locks.acquire(sessionID, true)()
	return s.removeDir(sessionID)
}

// removeIdle deletes the session's staging directory if nothing touched it
// after cutoff and busy reports false, both checked while chunk writes for
// the session are held off. It returns the size freed and the time of the
// last activity.
func (s *ChunkStore) removeIdle(sessionID string, cutoff time.Time, busy func(string) bool) (removed bool, last time.Time, size int64, err error) {
	defer s.locks.acquire(sessionID, true)()

	if busy(sessionID) {
		return false, time.Time{}, 0, nil
	}
	last, size = lastActivity(s.Dir(sessionID))
	if last.After(cutoff) {
		return false, last, size, nil
	}
	if err := s.removeDir(sessionID); err != nil {
		return false, last, size, err
	}
	return true, last, size, nil
}

func (s *ChunkStore) removeDir(sessionID string) error {
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return &StorageError{Op: "remove", Path: s.Dir(sessionID), Err: err}
	}
	return nil
}

func (s *ChunkStore) indexes(sessionID string) ([]int, error) {
	if !ValidSessionID(sessionID) {
		return nil, fmt.Errorf("%w: session id %q", ErrInvalidChunk, sessionID)
	}
	entries, err := os.ReadDir(s.Dir(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "list", Path: s.Dir(sessionID), Err: err}
	}

	var out []int
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if idx, ok := ChunkIndex(e.Name()); ok {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out, nil
}
