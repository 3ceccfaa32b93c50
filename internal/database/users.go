package database

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"nestbox/internal/logging"
)

const usersStoreLabel = "users"

// DefaultSessionDuration is how long a session stays valid without use.
const DefaultSessionDuration = 7 * 24 * time.Hour

var (
	// ErrUserExists is returned when registering a taken username.
	ErrUserExists = errors.New("username already exists")
	// ErrInvalidCredentials covers both an unknown user and a wrong password.
	ErrInvalidCredentials = errors.New("invalid username and/or password")
	// ErrInvalidSession is returned for unknown, malformed or expired tokens.
	ErrInvalidSession = errors.New("invalid session")
)

// User is an account in users.db.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Hash      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is an authenticated login. Token is only populated when the
// session is created; the database stores its SHA-256.
type Session struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore holds accounts and sessions.
type UserStore struct {
	db              *sql.DB
	path            string
	mu              sync.RWMutex
	sessionDuration time.Duration
	now             func() time.Time
}

// OpenUserStore opens (creating if needed) the users database at path.
func OpenUserStore(ctx context.Context, path string, sessionDuration time.Duration) (*UserStore, error) {
	db, err := openSQLite(ctx, path, usersSchema)
	if err != nil {
		return nil, err
	}
	if sessionDuration <= 0 {
		sessionDuration = DefaultSessionDuration
	}
	return &UserStore{db: db, path: path, sessionDuration: sessionDuration, now: time.Now}, nil
}

// Close closes the database connection.
func (s *UserStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *UserStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SessionDuration returns the sliding session lifetime.
func (s *UserStore) SessionDuration() time.Duration {
	return s.sessionDuration
}

// UpdateDBMetrics updates database connection metrics
func (s *UserStore) UpdateDBMetrics() {
	updateConnMetrics(usersStoreLabel, s.db)
}

// HasUsers reports whether at least one account exists.
func (s *UserStore) HasUsers(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count > 0, nil
}

// CreateUser adds an account with a bcrypt hash of password.
func (s *UserStore) CreateUser(ctx context.Context, username, password string) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(usersStoreLabel, "create_user", start, err) }()

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		err = errors.New("username and password are required")
		return nil, err
	}

	var hash []byte
	hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var result sql.Result
	result, err = s.db.ExecContext(ctx, "INSERT INTO users (username, hash) VALUES (?, ?)", username, string(hash))
	if err != nil {
		if isUniqueViolation(err) {
			err = ErrUserExists
			return nil, err
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	id, _ := result.LastInsertId()
	now := s.now()
	return &User{ID: id, Username: username, Hash: string(hash), CreatedAt: now, UpdatedAt: now}, nil
}

// ValidatePassword returns the user when password matches.
func (s *UserStore) ValidatePassword(ctx context.Context, username, password string) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(usersStoreLabel, "validate_password", start, err) }()

	var user *User
	user, err = s.getUser(ctx, username)
	if err != nil {
		err = ErrInvalidCredentials
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Hash), []byte(password)) != nil {
		err = ErrInvalidCredentials
		return nil, err
	}
	return user, nil
}

func (s *UserStore) getUser(ctx context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var user User
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, hash, created_at, updated_at FROM users WHERE username = ?", username,
	).Scan(&user.ID, &user.Username, &user.Hash, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// ListUsers returns every account ordered by username.
func (s *UserStore) ListUsers(ctx context.Context) ([]User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(usersStoreLabel, "list_users", start, err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var rows *sql.Rows
	rows, err = s.db.QueryContext(ctx, "SELECT id, username, created_at, updated_at FROM users ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		var createdAt, updatedAt int64
		if err = rows.Scan(&u.ID, &u.Username, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		u.CreatedAt = time.Unix(createdAt, 0)
		u.UpdatedAt = time.Unix(updatedAt, 0)
		users = append(users, u)
	}
	err = rows.Err()
	return users, err
}

// UpdatePassword replaces the user's password and ends all of their sessions.
func (s *UserStore) UpdatePassword(ctx context.Context, username, newPassword string) error {
	start := time.Now()
	var err error
	defer func() { recordQuery(usersStoreLabel, "update_password", start, err) }()

	if newPassword == "" {
		err = errors.New("password is required")
		return err
	}

	var hash []byte
	hash, err = bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var userID int64
	err = s.db.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE users SET hash = ?, updated_at = strftime('%s', 'now') WHERE id = ?",
		string(hash), userID,
	)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}

	if _, delErr := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", userID); delErr != nil {
		logging.Warn("failed to invalidate sessions for %s: %v", username, delErr)
	}
	return nil
}

// CreateSession starts a session for userID and returns it with the
// plaintext token.
func (s *UserStore) CreateSession(ctx context.Context, userID int64) (*Session, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(usersStoreLabel, "create_session", start, err) }()

	tokenBytes := make([]byte, 32)
	if _, err = rand.Read(tokenBytes); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(tokenBytes)

	now := s.now()
	expiresAt := now.Add(s.sessionDuration)

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var result sql.Result
	result, err = s.db.ExecContext(ctx,
		"INSERT INTO sessions (user_id, token, expires_at) VALUES (?, ?, ?)",
		userID, hashToken(tokenBytes), expiresAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	id, _ := result.LastInsertId()
	return &Session{ID: id, UserID: userID, Token: token, ExpiresAt: expiresAt, CreatedAt: now}, nil
}

// ValidateSession returns the user owning token if the session is live.
func (s *UserStore) ValidateSession(ctx context.Context, token string) (*User, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(usersStoreLabel, "validate_session", start, err) }()

	tokenHash, ok := tokenHashFromHex(token)
	if !ok {
		err = ErrInvalidSession
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var user User
	var expiresAt, createdAt, updatedAt int64
	err = s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.created_at, u.updated_at, s.expires_at
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token = ?`, tokenHash,
	).Scan(&user.ID, &user.Username, &createdAt, &updatedAt, &expiresAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Error("session lookup failed: %v", err)
		}
		err = ErrInvalidSession
		return nil, err
	}

	if s.now().Unix() > expiresAt {
		err = ErrInvalidSession
		return nil, err
	}

	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)
	return &user, nil
}

// ExtendSession pushes the session's expiry to now plus the session
// duration.
func (s *UserStore) ExtendSession(ctx context.Context, token string) error {
	tokenHash, ok := tokenHashFromHex(token)
	if !ok {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	expiresAt := s.now().Add(s.sessionDuration).Unix()
	result, err := s.db.ExecContext(ctx, "UPDATE sessions SET expires_at = ? WHERE token = ?", expiresAt, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to extend session: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInvalidSession
	}
	return nil
}

// DeleteSession removes a session.
func (s *UserStore) DeleteSession(ctx context.Context, token string) error {
	tokenHash, ok := tokenHashFromHex(token)
	if !ok {
		return ErrInvalidSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", tokenHash)
	return err
}

// CleanExpiredSessions removes all expired sessions.
func (s *UserStore) CleanExpiredSessions(ctx context.Context) (int64, error) {
	start := time.Now()
	var err error
	defer func() { recordQuery(usersStoreLabel, "clean_expired_sessions", start, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var result sql.Result
	result, err = s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", s.now().Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func hashToken(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func tokenHashFromHex(token string) (string, bool) {
	raw, err := hex.DecodeString(token)
	if err != nil || len(raw) == 0 {
		return "", false
	}
	return hashToken(raw), true
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
