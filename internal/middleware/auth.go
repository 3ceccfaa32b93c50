package middleware

import (
	"context"
	"net/http"
	"time"

	"nestbox/internal/database"
	"nestbox/internal/logging"
)

// SessionCookieName is the name of the session cookie
const SessionCookieName = "nestbox_session"

// SessionStore validates and extends login sessions.
type SessionStore interface {
	ValidateSession(ctx context.Context, token string) (*database.User, error)
	ExtendSession(ctx context.Context, token string) error
	SessionDuration() time.Duration
}

type userKey struct{}

// WithUser returns a copy of ctx carrying the authenticated user.
func WithUser(ctx context.Context, u *database.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFromContext returns the user stored by RequireSession.
func UserFromContext(ctx context.Context) (*database.User, bool) {
	u, ok := ctx.Value(userKey{}).(*database.User)
	return u, ok && u != nil
}

// SessionCookie builds the session cookie for token.
func SessionCookie(token string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ClearSessionCookie returns a cookie that deletes the session cookie.
func ClearSessionCookie() *http.Cookie {
	c := SessionCookie("", time.Unix(0, 0))
	c.MaxAge = -1
	return c
}

// RequireSession rejects requests without a valid session cookie with
// 401 and a JSON body. Valid sessions are extended and the user is placed
// in the request context.
func RequireSession(store SessionStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				unauthorized(w)
				return
			}

			user, err := store.ValidateSession(ctx, cookie.Value)
			if err != nil {
				http.SetCookie(w, ClearSessionCookie())
				unauthorized(w)
				return
			}

			noteUsername(ctx, user.Username)

			// sliding expiration
			if err := store.ExtendSession(ctx, cookie.Value); err != nil {
				logging.Debug("Failed to extend session: %v", err)
			} else {
				http.SetCookie(w, SessionCookie(cookie.Value, time.Now().Add(store.SessionDuration())))
			}

			next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
