package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"frameproof/internal/api"
	"frameproof/internal/blobstore"
	"frameproof/internal/config"
	"frameproof/internal/encoding"
	"frameproof/internal/gateway"
	"frameproof/internal/hub"
	"frameproof/internal/identity"
	"frameproof/internal/ledger"
	"frameproof/internal/observability/metrics"
	"frameproof/internal/presence"
	"frameproof/internal/redisclient"
	"frameproof/internal/server"
	"frameproof/internal/serverutil"
	"frameproof/internal/session"
	"frameproof/internal/storage"
	"frameproof/internal/transcoder"
	"frameproof/internal/uploads"
)

// application holds the wired services of one server process.
type application struct {
	cfg    config.Config
	logger *slog.Logger

	repo     storage.Repository
	redis    redis.UniversalClient
	hub      *hub.Hub
	relay    *hub.RedisRelay
	presence *presence.Tracker
	registry *session.Registry
	tracker  *encoding.Tracker
	sweeper  *uploads.Sweeper
	server   *server.Server
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) (_ *application, err error) {
	app := &application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.close()
		}
	}()
	readiness := make(map[string]api.Pinger)

	app.repo, err = openRepository(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := blobstore.Open(ctx, blobstore.Config{
		Driver:         cfg.Blob.Driver,
		Root:           cfg.Blob.Root,
		Endpoint:       cfg.Blob.Endpoint,
		Region:         cfg.Blob.Region,
		AccessKey:      cfg.Blob.AccessKey,
		SecretKey:      cfg.Blob.SecretKey,
		Bucket:         cfg.Blob.Bucket,
		UseSSL:         cfg.Blob.UseSSL,
		Prefix:         cfg.Blob.Prefix,
		PublicEndpoint: cfg.Blob.PublicEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	app.hub = hub.New(hub.Config{Buffer: cfg.Realtime.StreamBuffer, Logger: logger, Metrics: recorder})
	if cfg.Redis.Enabled() {
		app.redis, err = redisclient.New(ctx, redisclient.Config{
			Addrs:    cfg.Redis.Addrs,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		app.relay, err = hub.NewRedisRelay(ctx, app.hub, app.redis, hub.RedisRelayConfig{
			Stream:  cfg.Redis.Stream,
			NodeID:  cfg.Redis.NodeID,
			Logger:  logger,
			Metrics: recorder,
		})
		if err != nil {
			return nil, fmt.Errorf("start relay: %w", err)
		}
		client := app.redis
		readiness["redis"] = pingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	var authorizer api.Authorizer = identity.NewStoreAuthorizer(app.repo)
	if cfg.Identity.AllowAll {
		logger.Warn("membership checks disabled")
		authorizer = identity.AllowAll{}
	}
	resolver, err := newResolver(cfg.Identity)
	if err != nil {
		return nil, err
	}

	comments, err := ledger.New(ledger.Config{Store: app.repo, Publisher: app.hub, Logger: logger, Metrics: recorder})
	if err != nil {
		return nil, err
	}
	app.presence, err = presence.New(presence.Config{
		Authorizer:       authorizer,
		Publisher:        app.hub,
		Logger:           logger,
		Metrics:          recorder,
		HeartbeatTimeout: cfg.Realtime.HeartbeatTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	app.registry, err = session.NewRegistry(session.Config{
		Authorizer:   authorizer,
		Ledger:       comments,
		Presence:     app.presence,
		Hub:          app.hub,
		Logger:       logger,
		Metrics:      recorder,
		StreamBuffer: cfg.Realtime.StreamBuffer,
		IdleTTL:      cfg.Realtime.ChannelIdleTTL.Std(),
	})
	if err != nil {
		return nil, err
	}

	encoder, err := newTranscoder(cfg.Transcoder, logger)
	if err != nil {
		return nil, err
	}
	if checker, ok := encoder.(interface{ Health(context.Context) error }); ok {
		readiness["transcoder"] = pingFunc(checker.Health)
	}

	manager, err := uploads.NewManager(uploads.Config{
		Store:             app.repo,
		Blobs:             blobs,
		Logger:            logger,
		Metrics:           recorder,
		MaxUploadSize:     cfg.Uploads.MaxSize,
		ChannelQuota:      cfg.Uploads.ChannelQuota,
		MaxChunkSize:      cfg.Uploads.MaxChunkSize,
		InactivityTimeout: cfg.Uploads.InactivityTimeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	app.tracker, err = encoding.New(encoding.Config{
		Store:             app.repo,
		Transcoder:        encoder,
		Publisher:         app.hub,
		SourceURL:         manager.SourceURL,
		Logger:            logger,
		Metrics:           recorder,
		Workers:           cfg.Transcoder.Workers,
		ProcessingTimeout: cfg.Transcoder.Timeout.Std(),
	})
	if err != nil {
		return nil, err
	}
	if passthrough, ok := encoder.(*transcoder.Passthrough); ok {
		passthrough.SetSink(app.tracker)
	}

	// The tracker needs the manager's source URLs, so the handoff closes the
	// loop afterwards.
	manager.SetHandoff(app.tracker)
	app.sweeper = uploads.NewSweeper(manager, cfg.Uploads.SweepInterval.Std(), logger)

	stream, err := gateway.New(gateway.Config{
		Sessions:          app.registry,
		Logger:            logger,
		Metrics:           recorder,
		HeartbeatInterval: cfg.Realtime.WebSocketHeartbeat.Std(),
		IdleTimeout:       app.presence.HeartbeatTimeout(),
		ErrorStatus:       api.StatusFor,
	})
	if err != nil {
		return nil, err
	}

	handler := &api.Handler{
		Store:          app.repo,
		Sessions:       app.registry,
		Comments:       comments,
		Uploads:        manager,
		Authorizer:     authorizer,
		Callbacks:      app.tracker,
		Streamer:       stream,
		Logger:         logger,
		CallbackSecret: cfg.Transcoder.CallbackSecret,
		Readiness:      readiness,
	}
	app.server, err = server.New(handler, server.Config{
		Addr: cfg.Addr,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   cfg.RateLimit.GlobalRPS,
			GlobalBurst: cfg.RateLimit.GlobalBurst,
			ClientRPS:   cfg.RateLimit.ClientRPS,
			ClientBurst: cfg.RateLimit.ClientBurst,
			WriteLimit:  cfg.RateLimit.WriteLimit,
			WriteWindow: cfg.RateLimit.WriteWindow.Std(),
		},
		CORS:     server.CORSConfig{AllowedOrigins: cfg.CORSOrigins},
		Security: securityConfig(cfg),
		Logger:   logger,
		Metrics:  recorder,
		Identity: resolver,
		Redis:    app.redis,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

// run serves until ctx is cancelled or a worker fails. ready, when set, is
// called with the bound listen address.
func (a *application) run(ctx context.Context, ready func(net.Addr)) error {
	group, ctx := errgroup.WithContext(ctx)

	a.tracker.Start(ctx)
	a.registry.Start(ctx)
	group.Go(func() error { return a.presence.Run(ctx) })
	group.Go(func() error { return a.sweeper.Run(ctx) })
	if a.relay != nil {
		group.Go(func() error { return a.relay.Run(ctx) })
	}
	group.Go(func() error {
		return serverutil.Run(ctx, serverutil.Config{
			Addr:            a.cfg.Addr,
			Service:         a.server,
			TLS:             serverutil.TLSConfig{CertFile: a.cfg.TLS.CertFile, KeyFile: a.cfg.TLS.KeyFile},
			ShutdownTimeout: a.cfg.ShutdownTimeout.Std(),
			Ready:           ready,
			Logger:          a.logger,
		})
	})
	group.Go(func() error {
		<-ctx.Done()
		a.registry.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout.Std())
		defer cancel()
		if err := a.tracker.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("encoding tracker shutdown", "error", err)
		}
		return nil
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *application) close() {
	if a.hub != nil {
		a.hub.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.repo.Close(ctx); err != nil {
			a.logger.Warn("close repository", "error", err)
		}
	}
}

func openRepository(ctx context.Context, cfg config.Storage, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using the in-memory datastore; data is lost on restart")
		return storage.NewMemoryRepository(), nil
	case "postgres":
		if cfg.MigrateOnStart {
			applied, err := storage.Migrate(ctx, cfg.PostgresDSN)
			if err != nil {
				return nil, err
			}
			logger.Info("migrations applied", "versions", applied)
		}
		repo, err := storage.NewPostgresRepository(ctx, cfg.PostgresDSN,
			storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)),
			storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout.Std()),
			storage.WithPostgresApplicationName(cfg.AppName),
		)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func newResolver(cfg config.Identity) (identity.Resolver, error) {
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		return identity.NewJWTVerifier(secret,
			identity.WithIssuer(cfg.JWTIssuer),
			identity.WithAudience(cfg.JWTAudience),
			identity.WithLeeway(30*time.Second),
		)
	}
	if header := strings.TrimSpace(cfg.Header); header != "" {
		return identity.HeaderResolver{Header: header}, nil
	}
	return nil, errors.New("no identity resolver configured")
}

func newTranscoder(cfg config.Transcoder, logger *slog.Logger) (transcoder.Transcoder, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return transcoder.NewPassthrough(cfg.PassthroughDelay.Std(), logger), nil
	}
	return transcoder.NewHTTPClient(transcoder.HTTPConfig{
		BaseURL:     cfg.URL,
		Token:       cfg.Token,
		CallbackURL: cfg.CallbackURL,
	})
}

func transcoderMode(cfg config.Config) string {
	if strings.TrimSpace(cfg.Transcoder.URL) == "" {
		return "passthrough"
	}
	return "http"
}

func securityConfig(cfg config.Config) server.SecurityConfig {
	var sec server.SecurityConfig
	if cfg.TLS.CertFile != "" {
		sec.HSTSMaxAge = 180 * 24 * time.Hour
	}
	return sec
}
