package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const sessionCookie = "bridge_session"

// sessionKey is the context key for the browser session ID.
type sessionKey struct{}

// SessionMiddleware assigns each browser a stable session ID via cookie. The
// session ID keys the upstream connection cache, so one browser keeps one
// automation session per provider across requests.
func SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sessionID string
		if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
			sessionID = cookie.Value
		} else {
			sessionID = uuid.New().String()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    sessionID,
				Path:     "/",
				HttpOnly: true,
				SameSite: http.SameSiteLaxMode,
			})
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, sessionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SessionID returns the request's session ID, or "" when the middleware is
// absent.
func SessionID(ctx context.Context) string {
	if id, ok := ctx.Value(sessionKey{}).(string); ok {
		return id
	}
	return ""
}
