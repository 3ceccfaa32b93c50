package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nestbox/internal/coordinator"
	"nestbox/internal/jobs"
)

// driveURL builds the trigger URL the way the UI does, without the leading
// slash of the drive path.
func driveURL(path string) string {
	return "/api/drive/index/" + strings.TrimPrefix(path, "/")
}

func makeDrive(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "DCIM", ".thumbnails"), 0o755)
	os.WriteFile(filepath.Join(root, "DCIM", "pic.jpg"), []byte("jpg"), 0o644)
	os.WriteFile(filepath.Join(root, "notes.txt"), []byte("txt"), 0o644)
	return root
}

// =============================================================================
// TriggerDriveIndex
// =============================================================================

func TestTriggerDriveIndex(t *testing.T) {
	env := newTestEnv(t)
	root := makeDrive(t)

	w := env.do(httptest.NewRequest("POST", driveURL(root), http.NoBody))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "started" || body["path"] != root {
		t.Errorf("Unexpected body: %v", body)
	}

	st := waitJob(t, env.queue, body["job_id"].(string))
	if st.State != jobs.StateSucceeded {
		t.Fatalf("Expected scan to succeed, got %s (%s)", st.State, st.Error)
	}

	ctx := context.Background()
	if _, err := env.index.GetEntry(ctx, filepath.Join(root, "DCIM", "pic.jpg")); err != nil {
		t.Errorf("Expected pic.jpg indexed: %v", err)
	}
	if _, err := env.index.GetEntry(ctx, filepath.Join(root, "DCIM", ".thumbnails")); err == nil {
		t.Error("Expected hidden directory to be pruned")
	}
	if active, _ := env.coord.IsActive(ctx); active {
		t.Error("Expected lock released after the scan")
	}
}

func TestTriggerDriveIndexWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	root := makeDrive(t)
	ctx := context.Background()

	token, ok, err := env.coord.TryAcquire(ctx, coordinator.ScanLockKey, time.Hour)
	if err != nil || !ok {
		t.Fatalf("TryAcquire failed: ok=%v err=%v", ok, err)
	}

	w := env.do(httptest.NewRequest("POST", driveURL(root), http.NoBody))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while a scan holds the lock, got %d", w.Code)
	}

	env.coord.Release(ctx, coordinator.ScanLockKey, token)
	w = env.do(httptest.NewRequest("POST", driveURL(root), http.NoBody))
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected 202 after release, got %d", w.Code)
	}
	waitJob(t, env.queue, decodeBody(t, w)["job_id"].(string))
}

func TestTriggerDriveIndexInvalidPath(t *testing.T) {
	env := newTestEnv(t)
	root := makeDrive(t)

	tests := []struct {
		name string
		url  string
	}{
		{"missing directory", driveURL(filepath.Join(root, "nope"))},
		{"regular file", driveURL(filepath.Join(root, "notes.txt"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest("POST", tt.url, http.NoBody))
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	// a rejected path must not leave the lock behind
	if st, _ := env.coord.Status(context.Background()); st.LockHeld {
		t.Error("Expected no lock after invalid paths")
	}
}

func TestTriggerDriveIndexQueueClosed(t *testing.T) {
	env := newTestEnv(t)
	root := makeDrive(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.queue.Shutdown(ctx)

	w := env.do(httptest.NewRequest("POST", driveURL(root), http.NoBody))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
	if st, _ := env.coord.Status(context.Background()); st.LockHeld {
		t.Error("Expected lock released when queueing fails")
	}
}

func TestDrivePath(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"Volumes/Mac", "/Volumes/Mac"},
		{"/mnt/usb", "/mnt/usb"},
		{"media/My%20Drive", "/media/My Drive"},
	}
	for _, tt := range tests {
		if got := drivePath(tt.raw); got != tt.want {
			t.Errorf("drivePath(%q) = %q, expected %q", tt.raw, got, tt.want)
		}
	}
}

// =============================================================================
// IndexingStatus
// =============================================================================

func TestIndexingStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(httptest.NewRequest("GET", "/api/indexing", http.NoBody))
	body := decodeBody(t, w)
	if body["ok"] != true || body["is_indexing"] != false || body["lock_held"] != false {
		t.Errorf("Expected idle status, got %v", body)
	}

	token, _, _ := env.coord.TryAcquire(ctx, coordinator.ScanLockKey, time.Hour)
	defer env.coord.Release(ctx, coordinator.ScanLockKey, token)

	w = env.do(httptest.NewRequest("GET", "/api/indexing", http.NoBody))
	body = decodeBody(t, w)
	if body["is_indexing"] != true || body["lock_held"] != true || body["lock_expires_at"] == nil {
		t.Errorf("Expected held lock in status, got %v", body)
	}
}

// =============================================================================
// Browse
// =============================================================================

func TestBrowseAfterScan(t *testing.T) {
	env := newTestEnv(t)
	root := makeDrive(t)
	if _, err := env.coord.RunScan(context.Background(), root); err != nil {
		t.Fatalf("RunScan failed: %v", err)
	}

	w := env.do(httptest.NewRequest("GET", "/api/browse/files?path="+root, http.NoBody))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)

	folders, _ := body["folders"].([]interface{})
	items, _ := body["items"].([]interface{})
	if len(folders) != 1 || len(items) != 1 {
		t.Errorf("Expected 1 folder and 1 file at the root, got %d and %d", len(folders), len(items))
	}
	if body["path"] != root || body["parent"] != filepath.Dir(root) {
		t.Errorf("Unexpected path/parent: %v / %v", body["path"], body["parent"])
	}
}

func TestBrowseErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		url        string
		wantStatus int
	}{
		{"/api/browse/slideshow?path=/mnt", http.StatusNotFound},
		{"/api/browse/files", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if w := env.do(httptest.NewRequest("GET", tt.url, http.NoBody)); w.Code != tt.wantStatus {
			t.Errorf("%s: expected %d, got %d", tt.url, tt.wantStatus, w.Code)
		}
	}
}
