package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Response headers carrying a rotated token.
const (
	HeaderToken        = "X-ATP-Token"
	HeaderTokenExpires = "X-ATP-Token-Expires"
	HeaderClientID     = "X-Client-ID"
)

type contextKey string

const sessionContextKey contextKey = "session"

// Middleware authenticates requests with a Bearer token plus the client id
// header. On success the session is attached to the request context, and when
// the token is due for rotation the replacement rides on response headers.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing Authorization header"}`, http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, `{"error":"invalid Authorization format, expected: Bearer <token>"}`, http.StatusUnauthorized)
				return
			}

			clientID := r.Header.Get(HeaderClientID)
			result, err := svc.Verify(r.Context(), tokenString, clientID)
			if err != nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			if result.NewToken != "" {
				w.Header().Set(HeaderToken, result.NewToken)
				w.Header().Set(HeaderTokenExpires, result.NewTokenExpiry.Format(time.RFC3339))
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, result.Session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom returns the authenticated session, or nil outside the
// middleware.
func SessionFrom(ctx context.Context) *Session {
	if session, ok := ctx.Value(sessionContextKey).(*Session); ok {
		return session
	}
	return nil
}
