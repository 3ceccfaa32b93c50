package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nestbox/internal/coordinator"
	"nestbox/internal/database"
	"nestbox/internal/upload"

	"github.com/google/uuid"
)

// =============================================================================
// Helpers
// =============================================================================

// setupDataDir points the configuration at a fresh data directory.
func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("UPLOAD_TMP", "")
	t.Setenv("NESTBOX_CONFIG", "")
	t.Setenv("ALLOWED_ROOTS", "")
	t.Setenv("JANITOR_MAX_AGE", "")
	return dir
}

// run executes the admin command with args and stdin, returning stdout.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func openUsers(t *testing.T, dir string) *database.UserStore {
	t.Helper()
	users, err := database.OpenUserStore(context.Background(), filepath.Join(dir, "users.db"), time.Hour)
	if err != nil {
		t.Fatalf("OpenUserStore failed: %v", err)
	}
	t.Cleanup(func() { users.Close() })
	return users
}

// =============================================================================
// user
// =============================================================================

func TestUserAddAndList(t *testing.T) {
	setupDataDir(t)

	out, err := run(t, "secret1\nsecret1\n", "user", "add", "alice")
	if err != nil {
		t.Fatalf("user add failed: %v", err)
	}
	if !strings.Contains(out, "User alice created") {
		t.Errorf("Expected confirmation, got %q", out)
	}

	if _, err := run(t, "secret1\nsecret1\n", "user", "add", "alice"); err == nil {
		t.Error("Expected error adding an existing user")
	}

	out, err = run(t, "", "user", "list")
	if err != nil {
		t.Fatalf("user list failed: %v", err)
	}
	if !strings.Contains(out, "USERNAME") || !strings.Contains(out, "alice") {
		t.Errorf("Expected alice in list, got %q", out)
	}
}

func TestUserListEmpty(t *testing.T) {
	setupDataDir(t)

	out, err := run(t, "", "user", "list")
	if err != nil {
		t.Fatalf("user list failed: %v", err)
	}
	if !strings.Contains(out, "No users configured") {
		t.Errorf("Expected empty message, got %q", out)
	}
}

func TestUserAddPasswordValidation(t *testing.T) {
	tests := []struct {
		name  string
		stdin string
		want  string
	}{
		{"mismatch", "secret1\nsecret2\n", "do not match"},
		{"too short", "abc\nabc\n", "at least 6"},
		{"no input", "", "error reading password"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setupDataDir(t)
			_, err := run(t, tt.stdin, "user", "add", "bob")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestUserPasswd(t *testing.T) {
	dir := setupDataDir(t)

	if _, err := run(t, "secret1\nsecret1\n", "user", "passwd", "nobody"); err == nil {
		t.Error("Expected error for an unknown user")
	}

	if _, err := run(t, "secret1\nsecret1\n", "user", "add", "alice"); err != nil {
		t.Fatalf("user add failed: %v", err)
	}
	out, err := run(t, "changed1\nchanged1\n", "user", "passwd", "alice")
	if err != nil {
		t.Fatalf("user passwd failed: %v", err)
	}
	if !strings.Contains(out, "sessions have been invalidated") {
		t.Errorf("Unexpected output %q", out)
	}

	users := openUsers(t, dir)
	if _, err := users.ValidatePassword(context.Background(), "alice", "changed1"); err != nil {
		t.Errorf("Expected new password to validate: %v", err)
	}
}

// =============================================================================
// scan / status / unlock
// =============================================================================

func TestScanAndStatus(t *testing.T) {
	setupDataDir(t)
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "photos"), 0o755)
	os.WriteFile(filepath.Join(root, "photos", "a.jpg"), []byte("a"), 0o644)
	os.WriteFile(filepath.Join(root, "readme.txt"), []byte("r"), 0o644)

	out, err := run(t, "", "scan", root)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if !strings.Contains(out, "Files:    2") {
		t.Errorf("Expected 2 files in scan summary, got %q", out)
	}

	out, err = run(t, "", "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Scan lock:   free", "Media files: 1", "Other files: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in status, got %q", want, out)
		}
	}
}

func TestScanInvalidRoot(t *testing.T) {
	setupDataDir(t)

	_, err := run(t, "", "scan", filepath.Join(t.TempDir(), "missing"))
	if err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("Expected invalid path error, got %v", err)
	}
}

func TestScanBlockedUntilUnlock(t *testing.T) {
	dir := setupDataDir(t)
	root := t.TempDir()
	ctx := context.Background()

	index, err := database.OpenIndexStore(ctx, filepath.Join(dir, "file_index.db"))
	if err != nil {
		t.Fatalf("OpenIndexStore failed: %v", err)
	}
	ok, err := index.TryAcquireLock(ctx, coordinator.ScanLockKey, "crashed-server", time.Now(), time.Hour)
	index.Close()
	if err != nil || !ok {
		t.Fatalf("TryAcquireLock failed: ok=%v err=%v", ok, err)
	}

	if _, err := run(t, "", "scan", root); err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("Expected scan to be blocked, got %v", err)
	}

	out, _ := run(t, "", "status")
	if !strings.Contains(out, "held by crashed-server") {
		t.Errorf("Expected holder in status, got %q", out)
	}

	out, err = run(t, "", "unlock")
	if err != nil || !strings.Contains(out, "Scan lock released") {
		t.Fatalf("unlock failed: %v %q", err, out)
	}
	out, _ = run(t, "", "unlock")
	if !strings.Contains(out, "was not held") {
		t.Errorf("Expected second unlock to be a no-op, got %q", out)
	}

	if _, err := run(t, "", "scan", root); err != nil {
		t.Errorf("Expected scan after unlock, got %v", err)
	}
}

// =============================================================================
// sweep
// =============================================================================

func TestSweep(t *testing.T) {
	dir := setupDataDir(t)
	ctx := context.Background()

	chunks, err := upload.NewChunkStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("NewChunkStore failed: %v", err)
	}
	stale, fresh := uuid.NewString(), uuid.NewString()
	for _, id := range []string{stale, fresh} {
		if err := chunks.SaveChunk(ctx, id, 0, 2, strings.NewReader("data")); err != nil {
			t.Fatalf("SaveChunk failed: %v", err)
		}
	}

	old := time.Now().Add(-48 * time.Hour)
	entries, _ := os.ReadDir(chunks.Dir(stale))
	for _, e := range entries {
		os.Chtimes(filepath.Join(chunks.Dir(stale), e.Name()), old, old)
	}
	os.Chtimes(chunks.Dir(stale), old, old)

	out, err := run(t, "", "sweep", "--max-age", "1d")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if !strings.Contains(out, "Removed 1 staging") || !strings.Contains(out, "kept 1 recent") {
		t.Errorf("Unexpected sweep output %q", out)
	}
	if chunks.Exists(stale) {
		t.Error("Expected stale session removed")
	}
	if !chunks.Exists(fresh) {
		t.Error("Expected fresh session kept")
	}

	if _, err := run(t, "", "sweep", "--max-age", "soon"); err == nil {
		t.Error("Expected error for an invalid --max-age")
	}
}
