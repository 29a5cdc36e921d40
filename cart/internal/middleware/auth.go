package middleware

import (
	"context"
	"net/http"
	"strings"

	"shopping-cart-service/shared/authx"
	"shopping-cart-service/shared/httpx"
)

// Verifier is satisfied by *authx.JWTVerifier.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (authx.AuthContext, error)
}

// AuthMiddleware requires a bearer token. Requests other than GET and HEAD additionally need
// WriteRole when it is set.
type AuthMiddleware struct {
	Verifier  Verifier
	WriteRole string
	Skip      func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, http.StatusPreconditionFailed, "FAILED_PRECONDITION", "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token", nil)
			return
		}
		if isWrite(r) && !auth.HasRole(m.WriteRole) {
			httpx.WriteError(w, r, http.StatusForbidden, "PERMISSION_DENIED", "missing role "+m.WriteRole, nil)
			return
		}

		ctx := authx.WithAuth(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isWrite(r *http.Request) bool {
	return r.Method != http.MethodGet && r.Method != http.MethodHead
}

// SkipInternal skips probes, metrics and node-to-node routes.
func SkipInternal(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/internal/")
}
