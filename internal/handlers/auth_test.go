package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"nestbox/internal/middleware"
)

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	return nil
}

// =============================================================================
// Register
// =============================================================================

func TestRegisterDisabledWithoutInvitationCode(t *testing.T) {
	env := newTestEnv(t)

	w := env.doJSON("POST", "/api/auth/register", RegisterRequest{
		Username: "bob", Password: "secret1", Confirmation: "secret1", InvitationCode: "anything",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRegister(t *testing.T) {
	env := newTestEnv(t, withInvitation("let-me-in"))
	env.cookie = nil

	tests := []struct {
		name       string
		req        RegisterRequest
		wantStatus int
	}{
		{"missing fields", RegisterRequest{Username: "bob", InvitationCode: "let-me-in"}, http.StatusBadRequest},
		{"mismatched confirmation", RegisterRequest{Username: "bob", Password: "secret1", Confirmation: "secret2", InvitationCode: "let-me-in"}, http.StatusBadRequest},
		{"short password", RegisterRequest{Username: "bob", Password: "abc", Confirmation: "abc", InvitationCode: "let-me-in"}, http.StatusBadRequest},
		{"wrong invitation", RegisterRequest{Username: "bob", Password: "secret1", Confirmation: "secret1", InvitationCode: "nope"}, http.StatusForbidden},
		{"existing user", RegisterRequest{Username: "alice", Password: "secret1", Confirmation: "secret1", InvitationCode: "let-me-in"}, http.StatusConflict},
		{"success", RegisterRequest{Username: "bob", Password: "secret1", Confirmation: "secret1", InvitationCode: "let-me-in"}, http.StatusCreated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.doJSON("POST", "/api/auth/register", tt.req)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus == http.StatusCreated {
				if sessionCookie(w) == nil {
					t.Error("Expected registration to log the user in")
				}
				if body := decodeBody(t, w); body["username"] != "bob" {
					t.Errorf("Expected username bob, got %v", body["username"])
				}
			}
		})
	}
}

// =============================================================================
// Login / Logout / Check
// =============================================================================

func TestLoginCheckLogout(t *testing.T) {
	env := newTestEnv(t)
	env.cookie = nil

	w := env.doJSON("POST", "/api/auth/login", LoginRequest{Username: "alice", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for a bad password, got %d", w.Code)
	}
	if sessionCookie(w) != nil {
		t.Error("Failed login must not set a cookie")
	}

	w = env.doJSON("POST", "/api/auth/login", LoginRequest{Username: "alice", Password: "correct-horse"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	cookie := sessionCookie(w)
	if cookie == nil || cookie.Value == "" || !cookie.HttpOnly {
		t.Fatalf("Expected an HttpOnly session cookie, got %+v", cookie)
	}
	if body := decodeBody(t, w); body["expires_in"] != float64(3600) {
		t.Errorf("Expected expires_in 3600, got %v", body["expires_in"])
	}

	env.cookie = cookie
	w = env.do(httptest.NewRequest("GET", "/api/auth/check", http.NoBody))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected check to pass, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["username"] != "alice" {
		t.Errorf("Expected alice, got %v", body["username"])
	}

	w = env.do(httptest.NewRequest("POST", "/api/auth/logout", http.NoBody))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected logout to succeed, got %d", w.Code)
	}
	if c := sessionCookie(w); c == nil || c.MaxAge >= 0 {
		t.Error("Expected logout to clear the cookie")
	}

	if _, err := env.users.ValidateSession(context.Background(), cookie.Value); err == nil {
		t.Error("Expected session deleted on logout")
	}
	w = env.do(httptest.NewRequest("GET", "/api/auth/check", http.NoBody))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 after logout, got %d", w.Code)
	}
}

func TestLoginMalformed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/auth/login", http.NoBody)
	if w := env.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an empty body, got %d", w.Code)
	}
	if w := env.doJSON("POST", "/api/auth/login", LoginRequest{Username: "alice"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without password, got %d", w.Code)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)

	w := env.doJSON("POST", "/api/auth/password", PasswordChangeRequest{CurrentPassword: "wrong", NewPassword: "new-secret"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 with wrong current password, got %d", w.Code)
	}

	w = env.doJSON("POST", "/api/auth/password", PasswordChangeRequest{CurrentPassword: "correct-horse", NewPassword: "abc"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a short password, got %d", w.Code)
	}

	w = env.doJSON("POST", "/api/auth/password", PasswordChangeRequest{CurrentPassword: "correct-horse", NewPassword: "new-secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	if _, err := env.users.ValidatePassword(context.Background(), "alice", "new-secret"); err != nil {
		t.Errorf("Expected new password to work: %v", err)
	}
}
