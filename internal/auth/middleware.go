package auth

import (
	"log/slog"
	"net/http"

	"github.com/unbound-ops/unbound/internal/platform/httpx"
	"github.com/unbound-ops/unbound/internal/shared"
)

// Middleware resolves the X-API-Key header into a request identity.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Authenticate rejects requests without a valid API key and stores the
// resolved identity in the request context.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := r.Header.Get("X-API-Key")
		if rawKey == "" {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		identity, err := m.Service.Authenticate(r.Context(), rawKey)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("authenticate api key", slog.Any("error", err))
			}
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithIdentity(r.Context(), identity)))
	})
}

// RequireAdmin restricts a route group to admin identities.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := shared.IdentityFromContext(r.Context())
		if !ok {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		if !identity.IsAdmin() {
			httpx.RespondError(w, httpx.ErrForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
