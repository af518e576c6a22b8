// Command transcoder is a reference encoding service for FrameProof. It
// accepts jobs on /v1/jobs, packages the source into HLS with ffmpeg and
// reports progress to the FrameProof transcoder webhook.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"frameproof/internal/observability/logging"
	"frameproof/internal/serverutil"
	"frameproof/internal/transcoder"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.Init(logging.Config{
		Level:  envOrDefault("TRANSCODER_LOG_LEVEL", "info"),
		Format: envOrDefault("TRANSCODER_LOG_FORMAT", "json"),
	})
	workers, err := strconv.Atoi(envOrDefault("TRANSCODER_WORKERS", "2"))
	if err != nil || workers <= 0 {
		logger.Error("TRANSCODER_WORKERS must be a positive integer")
		os.Exit(1)
	}

	srv, err := newServer(serverConfig{
		Token:          strings.TrimSpace(os.Getenv("TRANSCODER_TOKEN")),
		OutputRoot:     envOrDefault("TRANSCODER_OUTPUT_ROOT", "./work"),
		PublicBase:     strings.TrimSpace(os.Getenv("TRANSCODER_PUBLIC_BASE")),
		Workers:        workers,
		Callbacks:      transcoder.NewCallbackClient(os.Getenv("TRANSCODER_CALLBACK_URL"), os.Getenv("TRANSCODER_CALLBACK_SECRET"), nil),
		Logger:         logger,
		ProcessTimeout: 2 * time.Hour,
	})
	if err != nil {
		logger.Error("initialise transcoder", "error", err)
		os.Exit(1)
	}

	srv.start(ctx)
	httpServer := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	err = serverutil.Run(ctx, serverutil.Config{
		Addr:            envOrDefault("TRANSCODER_BIND", ":9000"),
		Service:         httpServer,
		ShutdownTimeout: 15 * time.Second,
		Logger:          logger,
	})
	if waitErr := srv.wait(); waitErr != nil {
		logger.Warn("release metadata lock", "error", waitErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "transcoder: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
