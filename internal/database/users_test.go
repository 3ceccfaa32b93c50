package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func setupUserStore(t testing.TB) *UserStore {
	t.Helper()

	s, err := OpenUserStore(context.Background(), filepath.Join(t.TempDir(), "users.db"), time.Hour)
	if err != nil {
		t.Fatalf("Failed to open user store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateUserAndValidatePassword(t *testing.T) {
	s := setupUserStore(t)
	ctx := context.Background()

	has, err := s.HasUsers(ctx)
	if err != nil || has {
		t.Fatalf("Expected empty store, got has=%v err=%v", has, err)
	}

	user, err := s.CreateUser(ctx, "  alice ", "correct horse")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.Username != "alice" {
		t.Errorf("Expected trimmed username, got %q", user.Username)
	}

	if _, err := s.CreateUser(ctx, "alice", "other"); !errors.Is(err, ErrUserExists) {
		t.Errorf("Expected ErrUserExists, got %v", err)
	}

	got, err := s.ValidatePassword(ctx, "alice", "correct horse")
	if err != nil {
		t.Fatalf("ValidatePassword failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("Expected user %d, got %d", user.ID, got.ID)
	}

	tests := []struct {
		name, username, password string
	}{
		{"wrong password", "alice", "battery staple"},
		{"unknown user", "bob", "correct horse"},
		{"empty password", "alice", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ValidatePassword(ctx, tt.username, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("Expected ErrInvalidCredentials, got %v", err)
			}
		})
	}
}

func TestCreateUserRequiresFields(t *testing.T) {
	s := setupUserStore(t)
	if _, err := s.CreateUser(context.Background(), "", "pw"); err == nil {
		t.Error("Expected error for empty username")
	}
	if _, err := s.CreateUser(context.Background(), "bob", ""); err == nil {
		t.Error("Expected error for empty password")
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := setupUserStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	user, err := s.CreateUser(ctx, "alice", "pw")
	if err != nil {
		t.Fatal(err)
	}

	session, err := s.CreateSession(ctx, user.ID)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if len(session.Token) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(session.Token))
	}

	got, err := s.ValidateSession(ctx, session.Token)
	if err != nil || got.Username != "alice" {
		t.Fatalf("Expected valid session for alice, got %+v err=%v", got, err)
	}

	// sliding expiry
	now = now.Add(50 * time.Minute)
	if err := s.ExtendSession(ctx, session.Token); err != nil {
		t.Fatalf("ExtendSession failed: %v", err)
	}
	now = now.Add(50 * time.Minute)
	if _, err := s.ValidateSession(ctx, session.Token); err != nil {
		t.Errorf("Expected extended session to be valid, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := s.ValidateSession(ctx, session.Token); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Expected expired session to be invalid, got %v", err)
	}

	removed, err := s.CleanExpiredSessions(ctx)
	if err != nil || removed != 1 {
		t.Errorf("Expected 1 expired session removed, got %d err=%v", removed, err)
	}
}

func TestValidateSessionRejectsBadTokens(t *testing.T) {
	s := setupUserStore(t)
	ctx := context.Background()

	for _, token := range []string{"", "not-hex", "abcd"} {
		if _, err := s.ValidateSession(ctx, token); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("ValidateSession(%q): expected ErrInvalidSession, got %v", token, err)
		}
	}
}

func TestDeleteSession(t *testing.T) {
	s := setupUserStore(t)
	ctx := context.Background()

	user, _ := s.CreateUser(ctx, "alice", "pw")
	session, _ := s.CreateSession(ctx, user.ID)

	if err := s.DeleteSession(ctx, session.Token); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := s.ValidateSession(ctx, session.Token); !errors.Is(err, ErrInvalidSession) {
		t.Errorf("Expected deleted session to be invalid, got %v", err)
	}
}

func TestUpdatePasswordEndsSessions(t *testing.T) {
	s := setupUserStore(t)
	ctx := context.Background()

	alice, _ := s.CreateUser(ctx, "alice", "old")
	bob, _ := s.CreateUser(ctx, "bob", "bobpw")
	aliceSession, _ := s.CreateSession(ctx, alice.ID)
	bobSession, _ := s.CreateSession(ctx, bob.ID)

	if err := s.UpdatePassword(ctx, "alice", "new"); err != nil {
		t.Fatalf("UpdatePassword failed: %v", err)
	}

	if _, err := s.ValidatePassword(ctx, "alice", "old"); !errors.Is(err, ErrInvalidCredentials) {
		t.Error("Expected old password to be rejected")
	}
	if _, err := s.ValidatePassword(ctx, "alice", "new"); err != nil {
		t.Errorf("Expected new password to work, got %v", err)
	}
	if _, err := s.ValidateSession(ctx, aliceSession.Token); err == nil {
		t.Error("Expected alice's session to be ended")
	}
	if _, err := s.ValidateSession(ctx, bobSession.Token); err != nil {
		t.Errorf("Expected bob's session to survive, got %v", err)
	}

	if err := s.UpdatePassword(ctx, "carol", "pw"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestListUsers(t *testing.T) {
	s := setupUserStore(t)
	ctx := context.Background()

	s.CreateUser(ctx, "zed", "pw")
	s.CreateUser(ctx, "amy", "pw")

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers failed: %v", err)
	}
	if len(users) != 2 || users[0].Username != "amy" || users[1].Username != "zed" {
		t.Errorf("Unexpected users: %+v", users)
	}
}
