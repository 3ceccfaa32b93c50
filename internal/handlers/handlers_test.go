package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"nestbox/internal/coordinator"
	"nestbox/internal/database"
	"nestbox/internal/indexer"
	"nestbox/internal/jobs"
	"nestbox/internal/merge"
	"nestbox/internal/middleware"
	"nestbox/internal/startup"
	"nestbox/internal/upload"
)

// =============================================================================
// Test environment
// =============================================================================

// testEnv wires the handlers to real stores in a temp dir and a running
// job queue with the production job handlers.
type testEnv struct {
	h       *Handlers
	router  *mux.Router
	index   *database.IndexStore
	users   *database.UserStore
	chunks  *upload.ChunkStore
	queue   *jobs.Queue
	coord   *coordinator.Coordinator
	scanner *indexer.Scanner
	cookie  *http.Cookie
}

type envOption func(*startup.Config)

func withMergeDelay(d time.Duration) envOption {
	return func(c *startup.Config) { c.MergeDelay = d }
}

func withInvitation(code string) envOption {
	return func(c *startup.Config) { c.InvitationCode = code }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	index, err := database.OpenIndexStore(ctx, filepath.Join(dir, "file_index.db"))
	if err != nil {
		t.Fatalf("OpenIndexStore failed: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	users, err := database.OpenUserStore(ctx, filepath.Join(dir, "users.db"), time.Hour)
	if err != nil {
		t.Fatalf("OpenUserStore failed: %v", err)
	}
	t.Cleanup(func() { users.Close() })

	chunks, err := upload.NewChunkStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatalf("NewChunkStore failed: %v", err)
	}

	config := &startup.Config{MergeDelay: time.Hour}
	for _, opt := range opts {
		opt(config)
	}

	queue := jobs.NewQueue(jobs.Config{Workers: 2, QueueSize: 16, Retention: time.Hour})
	scanner := indexer.NewScanner(index, indexer.DefaultOptions())
	coord := coordinator.New(index, queue, scanner, coordinator.Config{})

	queue.Register(merge.JobName, merge.NewEngine(chunks, queue, 0).Handler(), jobs.RetryPolicy{})
	queue.Register(indexer.JobIndexFile, scanner.FileHandler(), jobs.RetryPolicy{})
	queue.Register(coordinator.JobIndexDrive, coord.DriveHandler(), jobs.RetryPolicy{})
	queue.OnAbandon(coordinator.JobIndexDrive, coord.AbandonDrive)
	queue.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		queue.Shutdown(ctx)
	})

	h := New(index, users, chunks, queue, coord, config)
	router := mux.NewRouter()
	h.Routes(router)

	env := &testEnv{
		h:       h,
		router:  router,
		index:   index,
		users:   users,
		chunks:  chunks,
		queue:   queue,
		coord:   coord,
		scanner: scanner,
	}
	env.cookie = env.login(t, "alice", "correct-horse")
	return env
}

// login creates the user and a session and returns the session cookie.
func (e *testEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	ctx := context.Background()
	user, err := e.users.CreateUser(ctx, username, password)
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	session, err := e.users.CreateSession(ctx, user.ID)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return middleware.SessionCookie(session.Token, session.ExpiresAt)
}

// do serves req through the router with the session cookie attached.
func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	if e.cookie != nil {
		req.AddCookie(e.cookie)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) doJSON(method, path string, body interface{}) *httptest.ResponseRecorder {
	var r io.Reader = http.NoBody
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	return e.do(req)
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", w.Body.String(), err)
	}
	return body
}

func waitJob(t *testing.T, q *jobs.Queue, id string) jobs.Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := q.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	return st
}

// =============================================================================
// Routing and session enforcement
// =============================================================================

func TestProtectedRoutesRequireSession(t *testing.T) {
	env := newTestEnv(t)
	env.cookie = nil

	paths := []struct {
		method string
		path   string
	}{
		{"POST", "/api/upload"},
		{"GET", "/api/upload/status?uuid=x"},
		{"POST", "/api/upload/checkpoint"},
		{"POST", "/api/drive/index/mnt/usb"},
		{"GET", "/api/indexing"},
		{"GET", "/api/browse/files?path=/"},
		{"GET", "/api/jobs/abc"},
		{"GET", "/api/auth/check"},
	}

	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			w := env.do(httptest.NewRequest(p.method, p.path, http.NoBody))
			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d", w.Code)
			}
		})
	}
}

func TestPublicRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.cookie = nil

	for _, path := range []string{"/livez", "/readyz", "/health", "/version"} {
		w := env.do(httptest.NewRequest("GET", path, http.NoBody))
		if w.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, w.Code)
		}
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest("GET", "/api/jobs/does-not-exist", http.NoBody))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown job, got %d", w.Code)
	}

	id, err := env.queue.Enqueue(indexer.JobIndexFile, indexer.FileJob{Path: "/nonexistent/file.jpg"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitJob(t, env.queue, id)

	w = env.do(httptest.NewRequest("GET", "/api/jobs/"+id, http.NoBody))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["id"] != id || body["name"] != indexer.JobIndexFile {
		t.Errorf("Unexpected job body: %v", body)
	}
	if body["state"] != string(jobs.StateFailed) {
		t.Errorf("Expected failed state for a missing file, got %v", body["state"])
	}
}

func TestGetVersion(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(httptest.NewRequest("GET", "/version", http.NoBody))

	body := decodeBody(t, w)
	if body["version"] != startup.Version {
		t.Errorf("Expected version %s, got %v", startup.Version, body["version"])
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("Expected uptime in version response")
	}
	if w.Header().Get("Cache-Control") != "no-cache" {
		t.Error("Expected Cache-Control: no-cache")
	}
}
