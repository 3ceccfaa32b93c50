package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"nestbox/internal/database"
	"nestbox/internal/logging"
	"nestbox/internal/metrics"
	"nestbox/internal/middleware"
)

// Password length bounds; bcrypt ignores bytes past 72.
const (
	minPasswordLength = 6
	maxPasswordLength = 72
)

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest represents a registration request. InvitationCode must
// match the server's configured code.
type RegisterRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password"`
	Confirmation   string `json:"confirmation"`
	InvitationCode string `json:"invitation_code"`
}

// PasswordChangeRequest represents a request to change the password
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// AuthResponse represents the response from authentication endpoints
type AuthResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Username  string `json:"username,omitempty"`
	ExpiresIn int    `json:"expires_in,omitempty"` // Seconds until session expires
}

func validatePassword(password string) string {
	if len(password) < minPasswordLength {
		return "Password must be at least 6 characters"
	}
	if len(password) > maxPasswordLength {
		return "Password must not exceed 72 characters"
	}
	return ""
}

// Register creates an account and logs it in. It is disabled unless an
// invitation code is configured.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.invitationCode == "" {
		writeJSONError(w, "Registration is disabled. No invitation code set.", http.StatusForbidden)
		return
	}

	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" || req.Confirmation == "" {
		writeJSONError(w, "All fields are required", http.StatusBadRequest)
		return
	}
	if req.Password != req.Confirmation {
		writeJSONError(w, "Passwords do not match", http.StatusBadRequest)
		return
	}
	if msg := validatePassword(req.Password); msg != "" {
		writeJSONError(w, msg, http.StatusBadRequest)
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.InvitationCode), []byte(h.invitationCode)) != 1 {
		logging.Warn("[SECURITY] Registration with invalid invitation code for %q", req.Username)
		writeJSONError(w, "Invitation code is invalid!", http.StatusForbidden)
		return
	}

	user, err := h.users.CreateUser(ctx, req.Username, req.Password)
	if errors.Is(err, database.ErrUserExists) {
		writeJSONError(w, "Username already exists", http.StatusConflict)
		return
	}
	if err != nil {
		logging.Error("Failed to create user: %v", err)
		writeJSONError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	logging.Info("User %s registered", user.Username)
	h.startSession(w, r, user, http.StatusCreated)
}

// Login authenticates with username and password
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Username == "" || req.Password == "" {
		writeJSONError(w, "Must provide username and password", http.StatusBadRequest)
		return
	}

	user, err := h.users.ValidatePassword(ctx, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, database.ErrInvalidCredentials) {
			logging.Error("Failed to validate password: %v", err)
		}
		logging.Warn("Failed login attempt for %q", req.Username)
		metrics.AuthAttemptsTotal.WithLabelValues("failure").Inc()
		writeJSONError(w, "Invalid username and/or password", http.StatusUnauthorized)
		return
	}

	metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
	h.startSession(w, r, user, http.StatusOK)
}

func (h *Handlers) startSession(w http.ResponseWriter, r *http.Request, user *database.User, status int) {
	session, err := h.users.CreateSession(r.Context(), user.ID)
	if err != nil {
		logging.Error("Failed to create session: %v", err)
		writeJSONError(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, middleware.SessionCookie(session.Token, session.ExpiresAt))
	logging.Info("User %s logged in, session expires in %v", user.Username, h.users.SessionDuration())

	writeJSONCode(w, status, AuthResponse{
		Success:   true,
		Username:  user.Username,
		ExpiresIn: int(h.users.SessionDuration().Seconds()),
	})
}

// Logout ends the current session
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cookie, err := r.Cookie(middleware.SessionCookieName)
	if err == nil && cookie.Value != "" {
		// Best-effort session cleanup - don't fail logout if this errors
		if err := h.users.DeleteSession(ctx, cookie.Value); err != nil && !errors.Is(err, database.ErrInvalidSession) {
			logging.Error("failed to delete session during logout: %v", err)
		}
	}

	http.SetCookie(w, middleware.ClearSessionCookie())

	writeJSONCode(w, http.StatusOK, AuthResponse{
		Success: true,
		Message: "Logged out successfully",
	})
}

// CheckAuth reports the logged-in user. It runs behind RequireSession, so
// reaching it means the session is valid.
func (h *Handlers) CheckAuth(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	writeJSONCode(w, http.StatusOK, AuthResponse{
		Success:   true,
		Username:  user.Username,
		ExpiresIn: int(h.users.SessionDuration().Seconds()),
	})
}

// ChangePassword handles password change requests for the logged-in user
func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	user, ok := middleware.UserFromContext(ctx)
	if !ok {
		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req PasswordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if _, err := h.users.ValidatePassword(ctx, user.Username, req.CurrentPassword); err != nil {
		logging.Warn("Failed password change attempt for %s - invalid current password", user.Username)
		writeJSONError(w, "Current password is incorrect", http.StatusUnauthorized)
		return
	}

	if msg := validatePassword(req.NewPassword); msg != "" {
		writeJSONError(w, msg, http.StatusBadRequest)
		return
	}

	if err := h.users.UpdatePassword(ctx, user.Username, req.NewPassword); err != nil {
		logging.Error("Failed to update password: %v", err)
		writeJSONError(w, "Failed to update password", http.StatusInternalServerError)
		return
	}

	logging.Info("Password changed for %s", user.Username)
	writeJSONCode(w, http.StatusOK, AuthResponse{
		Success: true,
		Message: "Password updated successfully",
	})
}
