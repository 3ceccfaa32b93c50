package indexer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"nestbox/internal/database"
	"nestbox/internal/filesystem"
	"nestbox/internal/logging"
	"nestbox/internal/metrics"
)

var (
	// ErrFileNotFound is returned when the file to index does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrNotFile is returned when IndexFile is given a directory.
	ErrNotFile = errors.New("path is a directory")
)

// FileResult describes a single-file index operation.
type FileResult struct {
	Status string               `json:"status"`
	Path   string               `json:"path"`
	Entry  *database.IndexEntry `json:"entry,omitempty"`
}

// IndexFile adds or refreshes the entry for one file and makes sure its
// parent folder is indexed. Both rows are written in one transaction.
func (s *Scanner) IndexFile(ctx context.Context, path string) (res *FileResult, err error) {
	path = filesystem.NormalizeRoot(path)
	res = &FileResult{Status: StatusFailure, Path: path}
	defer func() {
		metrics.SingleFileIndexTotal.WithLabelValues(res.Status).Inc()
	}()

	info, err := filesystem.StatWithRetry(path, filesystem.DefaultRetryConfig())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logging.Error("[INDEX ERROR] File not found: %s", path)
			return res, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return res, err
	}
	if info.IsDir() {
		return res, fmt.Errorf("%w: %s", ErrNotFile, path)
	}

	parent := filepath.Dir(path)
	parentModified := time.Now()
	if pinfo, err := os.Stat(parent); err == nil {
		parentModified = pinfo.ModTime()
	}
	folder := database.FolderEntry(parent, filesystem.ParentOf(parent), parentModified)

	var created *time.Time
	if bt, ok := filesystem.BirthTime(path, info); ok {
		created = &bt
	}
	entry := database.FileEntry(path, parent, info.Size(), info.ModTime(), created)

	b, err := s.store.BeginBatch(ctx)
	if err != nil {
		return res, err
	}
	if err = s.store.UpsertFolder(b, &folder); err == nil {
		err = s.store.UpsertFile(b, &entry)
	}
	if err = s.store.EndBatch(b, err); err != nil {
		logging.Error("[INDEX ERROR] Failed to index %s: %v", path, err)
		return res, err
	}

	metrics.ScanEntriesTotal.WithLabelValues("file").Inc()
	logging.Info("[INDEX] Indexed single file: %s", path)
	res.Status = StatusSuccess
	res.Entry = &entry
	return res, nil
}
