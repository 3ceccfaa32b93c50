package upload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func ageSession(t *testing.T, s *ChunkStore, id string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	dir := s.Dir(id)
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if err := os.Chtimes(filepath.Join(dir, e.Name()), old, old); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chtimes(dir, old, old); err != nil {
		t.Fatal(err)
	}
}

func TestJanitorSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := "11111111-1111-4111-8111-111111111111"
	fresh := "22222222-2222-4222-8222-222222222222"
	busy := "33333333-3333-4333-8333-333333333333"

	for _, id := range []string{stale, fresh, busy} {
		if err := s.SaveChunk(ctx, id, 0, 2, strings.NewReader("chunk data")); err != nil {
			t.Fatal(err)
		}
	}
	ageSession(t, s, stale, 48*time.Hour)
	ageSession(t, s, busy, 48*time.Hour)

	// not a session: left alone whatever its age
	stray := filepath.Join(s.Root(), "lost+found")
	os.Mkdir(stray, 0o755)

	j := NewJanitor(s, 24*time.Hour, time.Hour, func(id string) bool { return id == busy })
	res, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if res.Removed != 1 || res.SkippedBusy != 1 || res.SkippedFresh != 1 {
		t.Errorf("Unexpected sweep result: %+v", res)
	}
	if res.BytesFreed != int64(len("chunk data")) {
		t.Errorf("Expected %d bytes freed, got %d", len("chunk data"), res.BytesFreed)
	}
	if s.Exists(stale) {
		t.Error("Expected stale session to be removed")
	}
	if !s.Exists(fresh) || !s.Exists(busy) {
		t.Error("Expected fresh and busy sessions to survive")
	}
	if _, err := os.Stat(stray); err != nil {
		t.Error("Expected non-session directory to survive")
	}
}

func TestJanitorRechecksBusyBeforeRemoving(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "55555555-5555-4555-8555-555555555555"

	if err := s.SaveChunk(ctx, id, 0, 2, strings.NewReader("chunk data")); err != nil {
		t.Fatal(err)
	}
	ageSession(t, s, id, 48*time.Hour)

	// idle at the first look, merge queued by the time of removal
	calls := 0
	j := NewJanitor(s, 24*time.Hour, time.Hour, func(string) bool {
		calls++
		return calls > 1
	})
	res, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if res.Removed != 0 || !s.Exists(id) {
		t.Errorf("Expected session kept once it turned busy, got %+v", res)
	}
}

func TestRemoveIdleWaitsForChunkWrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := "66666666-6666-4666-8666-666666666666"

	if err := s.SaveChunk(ctx, id, 0, 2, strings.NewReader("first")); err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	saved := make(chan error, 1)
	go func() { saved <- s.SaveChunk(ctx, id, 1, 2, pr) }()
	// the write returns once SaveChunk has consumed it, so the write is in flight
	if _, err := pw.Write([]byte("second")); err != nil {
		t.Fatal(err)
	}
	ageSession(t, s, id, 48*time.Hour)

	type outcome struct {
		removed bool
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		removed, _, _, err := s.removeIdle(id, time.Now().Add(-24*time.Hour), func(string) bool { return false })
		done <- outcome{removed, err}
	}()

	select {
	case <-done:
		t.Fatal("Expected removal to wait for the chunk write")
	case <-time.After(50 * time.Millisecond):
	}

	pw.Close()
	if err := <-saved; err != nil {
		t.Fatalf("SaveChunk failed: %v", err)
	}
	out := <-done
	if out.err != nil || out.removed {
		t.Errorf("Expected session kept after a fresh chunk, got removed=%v err=%v", out.removed, out.err)
	}
	if missing, _ := s.MissingCount(id, 2); missing != 0 {
		t.Errorf("Expected both chunks present, %d missing", missing)
	}
}

func TestJanitorStartStop(t *testing.T) {
	s := newTestStore(t)
	stale := "44444444-4444-4444-8444-444444444444"
	s.SaveChunk(context.Background(), stale, 0, 1, strings.NewReader("x"))
	ageSession(t, s, stale, time.Hour)

	j := NewJanitor(s, time.Minute, 10*time.Millisecond, nil)
	j.Start()

	deadline := time.Now().Add(2 * time.Second)
	for s.Exists(stale) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	j.Stop()

	if s.Exists(stale) {
		t.Error("Expected background sweep to remove the stale session")
	}
}
