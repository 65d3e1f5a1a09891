package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/HerbHall/warden/internal/session"
)

// Principal is the caller behind an authenticated request.
type Principal struct {
	Claims  *Claims
	Session *session.Session
}

// principalKey is a context key for the authenticated principal.
type principalKey struct{}

// PrincipalFromContext returns the principal attached by the middleware,
// or nil for unauthenticated requests.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Public paths that don't require a session.
var publicPaths = map[string]bool{
	"/api/v1/auth/login":          true,
	"/api/v1/auth/reset":          true,
	"/api/v1/auth/reset/complete": true,
}

// Paths reachable while the second factor is still pending.
var pendingPaths = map[string]bool{
	"/api/v1/auth/verify/question": true,
	"/api/v1/auth/verify/totp":     true,
	"/api/v1/auth/logoff":          true,
	"/api/v1/auth/session":         true,
}

// AuthMiddleware validates bearer tokens on API routes and resolves the
// session they name. Non-API paths (healthz, readyz, metrics) are skipped.
func AuthMiddleware(tokens *TokenService, authn *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid authorization header")
				return
			}
			claims, err := tokens.ValidateToken(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			sess, err := authn.Session(r.Context(), claims.SessionID)
			if err != nil {
				var ae *Error
				if errors.As(err, &ae) && (ae.Kind == KindBackendUnavailable || ae.Kind == KindTimeout) {
					writeAuthError(w, http.StatusServiceUnavailable, "session store unavailable")
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "session is no longer valid")
				return
			}
			switch sess.State {
			case session.StateAuthenticated:
			case session.StatePendingSecondFactor:
				if !pendingPaths[r.URL.Path] {
					writeAuthError(w, http.StatusForbidden, "second factor required")
					return
				}
			default:
				writeAuthError(w, http.StatusUnauthorized, "session is no longer valid")
				return
			}

			ctx := WithPrincipal(r.Context(), &Principal{Claims: claims, Session: sess})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
