package server

import (
	"log/slog"
	"net/http"

	"frameproof/internal/identity"
	"frameproof/internal/observability/logging"
)

// identityMiddleware attaches the resolved caller to the request context.
// Requests without a usable identity continue anonymously; handlers that need
// one answer 401 themselves, which keeps the transcoder webhook and health
// checks reachable.
func identityMiddleware(resolver identity.Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if resolver == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			who, err := resolver.Resolve(r)
			if err != nil {
				if logger != nil && identity.BearerToken(r) != "" {
					logging.WithContext(r.Context(), logger).Debug("bearer token rejected", "path", r.URL.Path)
				}
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), who)))
		})
	}
}
