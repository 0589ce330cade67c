package control

import (
	"context"
	"net/http"
	"strings"

	"github.com/clawee-dev/clawee/internal/ctxkey"
)

// Actor is the authenticated operator behind a control request.
type Actor struct {
	Name  string
	Roles []string
}

// HasRole reports whether the actor's token carries the role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// ActorFromContext returns the actor placed by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(ctxkey.ActorKey{}).(Actor)
	return actor, ok
}

// authMiddleware verifies the bearer token against the live control token
// catalog and rate-limits per token name. The token value never reaches the
// log; only the matched credential name does.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="control"`)
			h.respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		cred, ok := h.catalogs.Current().ControlTokens.Rules.Verify(token)
		if !ok {
			h.logger.WarnContext(r.Context(), "control auth rejected",
				"path", r.URL.Path, "remote_addr", r.RemoteAddr)
			h.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		if h.limiter != nil {
			allowed, retryAfter := h.limiter.Allow(cred.Name)
			if h.metrics != nil {
				h.metrics.RateLimitKeys.Set(float64(h.limiter.Size()))
			}
			if !allowed {
				w.Header().Set("Retry-After", formatSeconds(retryAfter))
				h.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		actor := Actor{Name: cred.Name, Roles: cred.Roles}
		ctx := context.WithValue(r.Context(), ctxkey.ActorKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
