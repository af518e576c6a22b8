package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"frameproof/internal/observability/logging"
)

const requestIDHeader = "X-Request-Id"

// requestIDMiddleware echoes a caller supplied X-Request-Id when it is short
// printable ASCII and mints a UUID otherwise. The ID and a logger bound to it
// are stored on the request context.
func requestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return requestIDMiddlewareWithGenerator(logger, uuid.NewString)
}

func requestIDMiddlewareWithGenerator(logger *slog.Logger, mint func() string) func(http.Handler) http.Handler {
	if mint == nil {
		mint = uuid.NewString
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(requestIDHeader))
			if !validRequestID(id) {
				id = mint()
			}
			ctx := logging.ContextWithRequestID(r.Context(), id)
			if logger != nil {
				ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
			}
			w.Header().Set(requestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
