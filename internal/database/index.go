package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nestbox/internal/filesystem"
	"nestbox/internal/logging"
	"nestbox/internal/metrics"
)

const indexStoreLabel = "index"

// IndexStore is the file index and the scan lock table in file_index.db.
type IndexStore struct {
	db   *sql.DB
	path string
	mu   sync.Mutex // serializes transaction begin
}

// OpenIndexStore opens (creating if needed) the index database at path.
func OpenIndexStore(ctx context.Context, path string) (*IndexStore, error) {
	db, err := openSQLite(ctx, path, indexSchema)
	if err != nil {
		return nil, err
	}
	return &IndexStore{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *IndexStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *IndexStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *IndexStore) Path() string {
	return s.path
}

// SchemaVersion returns the applied migration version.
func (s *IndexStore) SchemaVersion() (uint, bool, error) {
	return schemaVersion(s.db, indexSchema)
}

// UpdateDBMetrics updates database connection metrics
func (s *IndexStore) UpdateDBMetrics() {
	updateConnMetrics(indexStoreLabel, s.db)
}

// Batch is an open write transaction on the index.
type Batch struct {
	tx     *sql.Tx
	ctx    context.Context
	start  time.Time
	writes int
}

// Writes returns the number of upserts issued in this batch.
func (b *Batch) Writes() int {
	return b.writes
}

// BeginBatch starts a transaction for batch operations.
// The caller is responsible for calling EndBatch when done.
func (s *IndexStore) BeginBatch(ctx context.Context) (*Batch, error) {
	s.mu.Lock()
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	s.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to begin batch: %w", err)
	}
	return &Batch{tx: tx, ctx: ctx, start: start}, nil
}

// EndBatch commits the batch, or rolls it back when err is non-nil.
func (s *IndexStore) EndBatch(b *Batch, err error) error {
	duration := time.Since(b.start).Seconds()

	if err != nil {
		metrics.DBTransactionDuration.WithLabelValues("rollback").Observe(duration)
		if rbErr := b.tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback also failed: %w", rbErr))
		}
		return err
	}

	metrics.DBTransactionDuration.WithLabelValues("commit").Observe(duration)
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	if b.writes > 0 {
		metrics.DBRowsAffected.WithLabelValues("batch").Observe(float64(b.writes))
	}
	return nil
}

// UpsertFolder inserts a folder row unless the path is already indexed.
func (s *IndexStore) UpsertFolder(b *Batch, e *IndexEntry) error {
	_, err := b.tx.ExecContext(b.ctx, `
		INSERT OR IGNORE INTO file_index
			(name, path, parent_path, is_folder, is_media, size, modified_time, created_time, type)
		VALUES (?, ?, ?, 1, 0, 0, ?, ?, ?)`,
		e.Name, e.Path, e.ParentPath, unixSeconds(e.ModifiedTime), nullableSeconds(e.CreatedTime), e.Type,
	)
	if err != nil {
		return fmt.Errorf("upsert folder %s: %w", e.Path, err)
	}
	b.writes++
	return nil
}

// UpsertFile inserts a file row, replacing any existing row for the path.
func (s *IndexStore) UpsertFile(b *Batch, e *IndexEntry) error {
	_, err := b.tx.ExecContext(b.ctx, `
		INSERT OR REPLACE INTO file_index
			(name, path, parent_path, is_folder, is_media, size, modified_time, created_time, type)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		e.Name, e.Path, e.ParentPath, boolInt(e.IsMedia), e.Size,
		unixSeconds(e.ModifiedTime), nullableSeconds(e.CreatedTime), e.Type,
	)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", e.Path, err)
	}
	b.writes++
	return nil
}

// DeleteSubtree removes root and every entry below it. The prefix match is
// a case-sensitive byte comparison, so /a/b does not remove /a/bc.
func (s *IndexStore) DeleteSubtree(ctx context.Context, root string) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "delete_subtree", start, err) }()

	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	var result sql.Result
	result, err = s.db.ExecContext(ctx,
		`DELETE FROM file_index WHERE path = ?1 OR substr(path, 1, length(?2)) = ?2`,
		root, prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("delete subtree %s: %w", root, err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		metrics.DBRowsAffected.WithLabelValues("delete_subtree").Observe(float64(rows))
	}
	logging.Debug("[INDEX] Removed %d entries under %s", rows, root)
	return rows, nil
}

const entryColumns = `name, path, parent_path, is_folder, is_media, size, modified_time, created_time, type`

// GetEntry returns the entry stored for path.
func (s *IndexStore) GetEntry(ctx context.Context, path string) (*IndexEntry, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "get_entry", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM file_index WHERE path = ?`, path)
	var e *IndexEntry
	e, err = scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", path, err)
	}
	return e, nil
}

// ListFolders returns the folders directly under parent, by name.
func (s *IndexStore) ListFolders(ctx context.Context, parent string) ([]IndexEntry, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "list_folders", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows *sql.Rows
	rows, err = s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM file_index
		WHERE parent_path = ? AND is_folder = 1 AND path != parent_path
		ORDER BY name ASC`, parent)
	if err != nil {
		return nil, fmt.Errorf("list folders %s: %w", parent, err)
	}
	var out []IndexEntry
	out, err = collectEntries(rows)
	return out, err
}

// ListChildren returns one page of the non-folder children of
// opts.ParentPath for the requested view, and the total row count for that
// view.
func (s *IndexStore) ListChildren(ctx context.Context, opts ListOptions) ([]IndexEntry, int, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "list_children", start, err) }()

	var filter, order string
	switch opts.View {
	case ViewFiles:
		filter, order = "1 = 1", "name ASC"
	case ViewGallery:
		filter, order = "is_media = 1", "created_time DESC, name ASC"
	default:
		err = fmt.Errorf("unknown view %q", opts.View)
		return nil, 0, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = opts.View.PerPage()
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var total int
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_index WHERE is_folder = 0 AND `+filter+` AND parent_path = ?`,
		opts.ParentPath,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count children %s: %w", opts.ParentPath, err)
	}

	var rows *sql.Rows
	rows, err = s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM file_index
		WHERE is_folder = 0 AND `+filter+` AND parent_path = ?
		ORDER BY `+order+`
		LIMIT ? OFFSET ?`,
		opts.ParentPath, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list children %s: %w", opts.ParentPath, err)
	}
	var out []IndexEntry
	out, err = collectEntries(rows)
	return out, total, err
}

// CountChildren returns the number of media and non-media files directly
// under parent.
func (s *IndexStore) CountChildren(ctx context.Context, parent string) (media, other int, err error) {
	start := time.Now()
	defer func() { recordQuery(indexStoreLabel, "count_children", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN is_media = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_media = 0 THEN 1 ELSE 0 END), 0)
		FROM file_index WHERE is_folder = 0 AND parent_path = ?`, parent,
	).Scan(&media, &other)
	if err != nil {
		return 0, 0, fmt.Errorf("count children %s: %w", parent, err)
	}
	return media, other, nil
}

// Browse assembles one page of a folder: its subfolders, the counts and the
// rows of the requested view. The files view pages over all files, the
// gallery view over media only.
func (s *IndexStore) Browse(ctx context.Context, opts BrowseOptions) (*Listing, error) {
	if !opts.View.Valid() {
		return nil, fmt.Errorf("unknown view %q", opts.View)
	}
	page := opts.Page
	if page < 1 {
		page = 1
	}
	dir := filesystem.NormalizeRoot(opts.Path)
	perPage := opts.View.PerPage()

	media, other, err := s.CountChildren(ctx, dir)
	if err != nil {
		return nil, err
	}
	folders, err := s.ListFolders(ctx, dir)
	if err != nil {
		return nil, err
	}
	items, total, err := s.ListChildren(ctx, ListOptions{
		ParentPath: dir,
		View:       opts.View,
		Limit:      perPage,
		Offset:     (page - 1) * perPage,
	})
	if err != nil {
		return nil, err
	}

	if folders == nil {
		folders = []IndexEntry{}
	}
	if items == nil {
		items = []IndexEntry{}
	}

	return &Listing{
		Path:       dir,
		Parent:     filesystem.ParentOf(dir),
		View:       opts.View,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages(total, perPage),
		TotalItems: total,
		MediaCount: media,
		OtherCount: other,
		Folders:    folders,
		Items:      items,
	}, nil
}

// CollectStats counts folders, media and other files across the index.
func (s *IndexStore) CollectStats(ctx context.Context) (metrics.Stats, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(indexStoreLabel, "collect_stats", start, err) }()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var st metrics.Stats
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN is_folder = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_folder = 0 AND is_media = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_folder = 0 AND is_media = 0 THEN 1 ELSE 0 END), 0)
		FROM file_index`,
	).Scan(&st.Folders, &st.Media, &st.Other)
	if err != nil {
		return metrics.Stats{}, fmt.Errorf("collect stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*IndexEntry, error) {
	var (
		e                 IndexEntry
		isFolder, isMedia int
		size              sql.NullInt64
		modified, created sql.NullFloat64
		typ               sql.NullString
	)
	if err := r.Scan(&e.Name, &e.Path, &e.ParentPath, &isFolder, &isMedia, &size, &modified, &created, &typ); err != nil {
		return nil, err
	}
	e.IsFolder = isFolder == 1
	e.IsMedia = isMedia == 1
	e.Size = size.Int64
	e.Type = typ.String
	if modified.Valid {
		e.ModifiedTime = fromUnixSeconds(modified.Float64)
	}
	if created.Valid {
		t := fromUnixSeconds(created.Float64)
		e.CreatedTime = &t
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows) ([]IndexEntry, error) {
	defer rows.Close()
	var out []IndexEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func nullableSeconds(t *time.Time) any {
	if t == nil {
		return nil
	}
	return unixSeconds(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
