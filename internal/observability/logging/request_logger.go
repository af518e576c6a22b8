package logging

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"frameproof/internal/observability/metrics"
)

type RequestLoggerConfig struct {
	Logger *slog.Logger
	// SkipPaths are exact paths logged at debug level, usually health checks.
	SkipPaths []string
}

// RequestLogger writes one record per request once the handler returns, so
// streaming connections are logged when they close. Server errors log at
// error level and client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	quiet := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		quiet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rr, r)
			elapsed := time.Since(start)

			status := rr.Status()
			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest && status != http.StatusNotFound:
				level = slog.LevelWarn
			case quiet[r.URL.Path]:
				level = slog.LevelDebug
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", rr.BytesWritten()),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					attrs = append(attrs, slog.String("route", pattern))
				}
			}
			WithContext(r.Context(), logger).LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}
