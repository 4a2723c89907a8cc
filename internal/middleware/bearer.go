// Package middleware provides HTTP middleware for the control-plane server.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/runflow/controlplane/internal/auth"
	"github.com/runflow/controlplane/internal/config"
)

type contextKey string

const userIDContextKey contextKey = "user_id"

// Bearer returns middleware that validates a JWT bearer token and, on
// success, stores the authenticated user id in the request context.
// Health and metrics endpoints are always allowed without authentication.
func Bearer(cfg *config.Config) func(http.Handler) http.Handler {
	jwtCfg := auth.Config{
		Secret:    []byte(cfg.JWTSecret),
		ClockSkew: 30 * time.Second,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" || strings.HasPrefix(r.URL.Path, "/ws/") {
				// WebSocket upgrades authenticate via the session cookie
				// wsrouter.authenticate reads directly (browsers cannot
				// set a custom Authorization header during the upgrade).
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing or malformed Authorization header", time.Now())
				return
			}

			claims, err := auth.Validate(token, jwtCfg)
			if err != nil {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid bearer token", time.Now())
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID extracts the authenticated user id stored by Bearer. Returns ""
// if the request was never authenticated (should not happen downstream of
// Bearer on a protected route).
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey).(string)
	return id
}

// WithUserID returns a context carrying userID the same way Bearer does,
// for tests that exercise handlers directly without the middleware chain.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
