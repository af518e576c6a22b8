package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"

	"frameproof/internal/api"
	"frameproof/internal/identity"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
)

type Config struct {
	Addr      string
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// Identity resolves the caller of each request. Nil leaves every request
	// anonymous.
	Identity identity.Resolver
	// Redis, when set, shares the write budget across nodes.
	Redis             redis.UniversalClient
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

// Server owns the http.Server. Listening, TLS and graceful shutdown are left
// to serverutil.Run.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	var store windowStore
	if cfg.Redis != nil {
		store = newRedisWindowStore(cfg.Redis, 0)
	}
	limiter := newRateLimiter(cfg.RateLimit, store)

	router := chi.NewRouter()
	router.Use(
		requestIDMiddleware(logger),
		securityHeadersMiddleware(cfg.Security),
		corsMiddleware(policy, logger),
		logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/healthz", "/readyz", "/metrics"}}),
		func(next http.Handler) http.Handler { return metrics.HTTPMiddleware(recorder, next) },
		identityMiddleware(cfg.Identity, logger),
		rateLimitMiddleware(limiter, logger),
	)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	handler.Routes(router)

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	// No read or write deadline: streaming connections and chunk uploads are
	// long-lived and enforce their own timeouts.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &Server{httpServer: httpServer, handler: router, logger: logger}, nil
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("http server listening", "addr", listener.Addr().String())
	return s.httpServer.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
