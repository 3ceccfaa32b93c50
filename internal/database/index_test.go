package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"nestbox/internal/metrics"
)

func setupIndexStore(t testing.TB) *IndexStore {
	t.Helper()

	s, err := OpenIndexStore(context.Background(), filepath.Join(t.TempDir(), "file_index.db"))
	if err != nil {
		t.Fatalf("Failed to open index store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// insertEntries writes folders and files in one batch.
func insertEntries(t testing.TB, s *IndexStore, entries ...IndexEntry) {
	t.Helper()

	b, err := s.BeginBatch(context.Background())
	if err != nil {
		t.Fatalf("BeginBatch failed: %v", err)
	}
	for i := range entries {
		e := &entries[i]
		if e.IsFolder {
			err = s.UpsertFolder(b, e)
		} else {
			err = s.UpsertFile(b, e)
		}
		if err != nil {
			break
		}
	}
	if err := s.EndBatch(b, err); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}

func countRows(t testing.TB, s *IndexStore) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM file_index").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

// =============================================================================
// Schema
// =============================================================================

func TestOpenIndexStoreCreatesSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "file_index.db")

	s, err := OpenIndexStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenIndexStore failed: %v", err)
	}

	for _, table := range []string{"file_index", "locks", "schema_migrations"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Table %s was not created: %v", table, err)
		}
	}
	for _, index := range []string{"idx_parent_path", "idx_is_folder", "idx_is_media", "idx_browse_filter"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		if err != nil {
			t.Errorf("Index %s was not created: %v", index, err)
		}
	}

	version, dirty, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if version != 2 || dirty {
		t.Errorf("Expected clean version 2, got %d (dirty=%v)", version, dirty)
	}
	s.Close()

	// reopening an up-to-date database is a no-op
	s, err = OpenIndexStore(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	s.Close()
}

// =============================================================================
// Upserts
// =============================================================================

func TestUpsertFolderKeepsExistingRow(t *testing.T) {
	s := setupIndexStore(t)
	first := time.Unix(1_700_000_000, 0)

	insertEntries(t, s, FolderEntry("/mnt/a", "/mnt", first))
	insertEntries(t, s, FolderEntry("/mnt/a", "/mnt", first.Add(time.Hour)))

	e, err := s.GetEntry(context.Background(), "/mnt/a")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if !e.ModifiedTime.Equal(first) {
		t.Errorf("Expected folder row to be left alone, got modified %v", e.ModifiedTime)
	}
	if !e.IsFolder || e.Type != "folder" {
		t.Errorf("Expected folder entry, got %+v", e)
	}
}

func TestUpsertFileReplacesRow(t *testing.T) {
	s := setupIndexStore(t)
	mod := time.Unix(1_700_000_000, 0)
	created := mod.Add(-time.Hour)

	insertEntries(t, s, FileEntry("/mnt/a/IMG_1.JPG", "/mnt/a", 10, mod, &created))
	insertEntries(t, s, FileEntry("/mnt/a/IMG_1.JPG", "/mnt/a", 20, mod.Add(time.Minute), nil))

	if n := countRows(t, s); n != 1 {
		t.Fatalf("Expected 1 row, got %d", n)
	}

	e, err := s.GetEntry(context.Background(), "/mnt/a/IMG_1.JPG")
	if err != nil {
		t.Fatalf("GetEntry failed: %v", err)
	}
	if e.Size != 20 {
		t.Errorf("Expected size 20, got %d", e.Size)
	}
	if e.CreatedTime != nil {
		t.Errorf("Expected replaced row to have no created time, got %v", e.CreatedTime)
	}
	if e.Type != ".jpg" || !e.IsMedia {
		t.Errorf("Expected .jpg media entry, got type=%q media=%v", e.Type, e.IsMedia)
	}
}

func TestEndBatchRollsBack(t *testing.T) {
	s := setupIndexStore(t)
	ctx := context.Background()

	b, err := s.BeginBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	e := FileEntry("/mnt/x.txt", "/mnt", 1, time.Now(), nil)
	if err := s.UpsertFile(b, &e); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("scan failed")
	if err := s.EndBatch(b, cause); !errors.Is(err, cause) {
		t.Errorf("Expected EndBatch to return the cause, got %v", err)
	}
	if n := countRows(t, s); n != 0 {
		t.Errorf("Expected rollback to leave 0 rows, got %d", n)
	}
}

func TestGetEntryNotFound(t *testing.T) {
	s := setupIndexStore(t)

	_, err := s.GetEntry(context.Background(), "/nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// =============================================================================
// DeleteSubtree
// =============================================================================

func TestDeleteSubtree(t *testing.T) {
	now := time.Now()
	seed := []IndexEntry{
		FolderEntry("/mnt", "/", now),
		FolderEntry("/mnt/a", "/mnt", now),
		FolderEntry("/mnt/a/b", "/mnt/a", now),
		FileEntry("/mnt/a/b/c.txt", "/mnt/a/b", 1, now, nil),
		FolderEntry("/mnt/a/bc", "/mnt/a", now),
		FileEntry("/mnt/a/bc/d.jpg", "/mnt/a/bc", 1, now, nil),
		FileEntry("/mnt/A/b/e.txt", "/mnt/A/b", 1, now, nil),
	}

	tests := []struct {
		name      string
		root      string
		wantGone  int64
		wantLeft  []string
		wantGoneP []string
	}{
		{
			name:      "sibling with shared prefix survives",
			root:      "/mnt/a/b",
			wantGone:  2,
			wantLeft:  []string{"/mnt/a/bc", "/mnt/a/bc/d.jpg", "/mnt/A/b/e.txt"},
			wantGoneP: []string{"/mnt/a/b", "/mnt/a/b/c.txt"},
		},
		{
			name:      "trailing separator is accepted",
			root:      "/mnt/a/",
			wantGone:  0,
			wantLeft:  []string{"/mnt/a"},
			wantGoneP: []string{"/mnt/a/b/c.txt", "/mnt/a/bc"},
		},
		{
			name:      "filesystem root removes everything",
			root:      "/",
			wantGone:  7,
			wantGoneP: []string{"/mnt", "/mnt/A/b/e.txt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupIndexStore(t)
			insertEntries(t, s, seed...)

			n, err := s.DeleteSubtree(context.Background(), tt.root)
			if err != nil {
				t.Fatalf("DeleteSubtree failed: %v", err)
			}
			if tt.wantGone > 0 && n != tt.wantGone {
				t.Errorf("Expected %d rows removed, got %d", tt.wantGone, n)
			}
			for _, p := range tt.wantLeft {
				if _, err := s.GetEntry(context.Background(), p); err != nil {
					t.Errorf("Expected %s to remain, got %v", p, err)
				}
			}
			for _, p := range tt.wantGoneP {
				if _, err := s.GetEntry(context.Background(), p); !errors.Is(err, ErrNotFound) {
					t.Errorf("Expected %s to be removed, got %v", p, err)
				}
			}
		})
	}
}

// =============================================================================
// Listing and browse
// =============================================================================

func TestBrowseGalleryPagination(t *testing.T) {
	s := setupIndexStore(t)
	base := time.Unix(1_700_000_000, 0)

	entries := []IndexEntry{
		FolderEntry("/mnt/pics", "/mnt", base),
		FolderEntry("/mnt/pics/2023", "/mnt/pics", base),
		FileEntry("/mnt/pics/notes.txt", "/mnt/pics", 3, base, nil),
	}
	for i := 0; i < 85; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		entries = append(entries, FileEntry(fmt.Sprintf("/mnt/pics/IMG_%03d.jpg", i), "/mnt/pics", 100, base, &created))
	}
	insertEntries(t, s, entries...)

	ctx := context.Background()
	page1, err := s.Browse(ctx, BrowseOptions{Path: "/mnt/pics", View: ViewGallery, Page: 1})
	if err != nil {
		t.Fatalf("Browse page 1 failed: %v", err)
	}
	if len(page1.Items) != 80 {
		t.Errorf("Expected 80 items on page 1, got %d", len(page1.Items))
	}
	if page1.TotalPages != 2 {
		t.Errorf("Expected 2 pages, got %d", page1.TotalPages)
	}
	if page1.MediaCount != 85 || page1.OtherCount != 1 {
		t.Errorf("Expected 85 media and 1 other, got %d and %d", page1.MediaCount, page1.OtherCount)
	}
	if len(page1.Folders) != 1 || page1.Folders[0].Name != "2023" {
		t.Errorf("Expected one subfolder 2023, got %+v", page1.Folders)
	}
	if page1.Items[0].Name != "IMG_084.jpg" {
		t.Errorf("Expected newest photo first, got %s", page1.Items[0].Name)
	}
	if page1.Parent != "/mnt" {
		t.Errorf("Expected parent /mnt, got %s", page1.Parent)
	}

	page2, err := s.Browse(ctx, BrowseOptions{Path: "/mnt/pics", View: ViewGallery, Page: 2})
	if err != nil {
		t.Fatalf("Browse page 2 failed: %v", err)
	}
	if len(page2.Items) != 5 {
		t.Errorf("Expected 5 items on page 2, got %d", len(page2.Items))
	}

	files, err := s.Browse(ctx, BrowseOptions{Path: "/mnt/pics", View: ViewFiles})
	if err != nil {
		t.Fatalf("Browse files failed: %v", err)
	}
	if files.TotalItems != 86 || files.TotalPages != 1 || len(files.Items) != 86 {
		t.Errorf("Expected 86 files on 1 page, got total=%d pages=%d rows=%d",
			files.TotalItems, files.TotalPages, len(files.Items))
	}
	if files.Items[0].Name != "IMG_000.jpg" {
		t.Errorf("Expected name ordering in files view, got %s first", files.Items[0].Name)
	}
}

func TestBrowseEmptyFolder(t *testing.T) {
	s := setupIndexStore(t)

	listing, err := s.Browse(context.Background(), BrowseOptions{Path: "/mnt/empty/", View: ViewFiles, Page: 0})
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if listing.TotalPages != 1 || listing.Page != 1 {
		t.Errorf("Expected page 1 of 1, got %d of %d", listing.Page, listing.TotalPages)
	}
	if listing.Folders == nil || listing.Items == nil {
		t.Error("Expected empty slices, not nil")
	}
	if listing.Path != "/mnt/empty" {
		t.Errorf("Expected normalized path, got %q", listing.Path)
	}
}

func TestBrowseUnknownView(t *testing.T) {
	s := setupIndexStore(t)
	if _, err := s.Browse(context.Background(), BrowseOptions{Path: "/", View: "slideshow"}); err == nil {
		t.Error("Expected error for unknown view")
	}
}

func TestGalleryOrdersUndatedLast(t *testing.T) {
	s := setupIndexStore(t)
	mod := time.Unix(1_700_000_000, 0)
	older, newer := mod.Add(-time.Hour), mod

	insertEntries(t, s,
		FileEntry("/d/b.jpg", "/d", 1, mod, nil),
		FileEntry("/d/a.jpg", "/d", 1, mod, nil),
		FileEntry("/d/old.png", "/d", 1, mod, &older),
		FileEntry("/d/new.mp4", "/d", 1, mod, &newer),
		FileEntry("/d/readme.md", "/d", 1, mod, &newer),
	)

	rows, total, err := s.ListChildren(context.Background(), ListOptions{ParentPath: "/d", View: ViewGallery})
	if err != nil {
		t.Fatalf("ListChildren failed: %v", err)
	}
	if total != 4 {
		t.Errorf("Expected 4 media rows, got %d", total)
	}
	want := []string{"new.mp4", "old.png", "a.jpg", "b.jpg"}
	for i, name := range want {
		if i >= len(rows) || rows[i].Name != name {
			t.Fatalf("Expected order %v, got %+v", want, rows)
		}
	}
}

func TestCollectStats(t *testing.T) {
	s := setupIndexStore(t)
	now := time.Now()
	insertEntries(t, s,
		FolderEntry("/r", "/r", now),
		FolderEntry("/r/sub", "/r", now),
		FileEntry("/r/a.heic", "/r", 1, now, nil),
		FileEntry("/r/sub/b.mkv", "/r/sub", 1, now, nil),
		FileEntry("/r/sub/c.pdf", "/r/sub", 1, now, nil),
	)

	st, err := s.CollectStats(context.Background())
	if err != nil {
		t.Fatalf("CollectStats failed: %v", err)
	}
	if st != (metrics.Stats{Folders: 2, Media: 2, Other: 1}) {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestRecordQueryCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(metrics.DBQueryTotal.WithLabelValues("test", "probe", "error"))

	recordQuery("test", "probe", time.Now(), errors.New("boom"))
	recordQuery("test", "probe", time.Now(), ErrNotFound)

	after := testutil.ToFloat64(metrics.DBQueryTotal.WithLabelValues("test", "probe", "error"))
	if after-before != 1 {
		t.Errorf("Expected 1 error recorded (not-found is not an error), got %v", after-before)
	}
}
