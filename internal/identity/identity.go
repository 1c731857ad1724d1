// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/store"
)

const (
	AnonCookieName   = "mend_anon_id"
	anonCookieMaxAge = 90 * 24 * time.Hour
)

type contextKey int

const (
	userIDKey contextKey = iota
	usernameKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UsernameFromContext extracts the username from the request context.
func UsernameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(usernameKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the given identity. Intended for
// handlers invoked outside the HTTP middleware, such as tests.
func WithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, usernameKey, username)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func deriveUsername(userID string) string {
	if len(userID) > 13 {
		return "anon-" + userID[len(userID)-8:]
	}
	return "anon-user"
}

func ensureUser(ctx context.Context, repo store.Repository, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return nil
	}

	now := time.Now()
	return repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Username:   deriveUsername(userID),
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func setAnonCookie(w http.ResponseWriter, value string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// Middleware injects anonymous per-device identity.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := getOrCreateAnonID(w, r, isDev)
			if err != nil {
				http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
				return
			}

			if err := ensureUser(r.Context(), repo, userID); err != nil {
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithUser(r.Context(), userID, deriveUsername(userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
