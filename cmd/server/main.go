// Command server runs the FrameProof collaboration API, the realtime stream
// endpoint and the background workers of the upload and encoding pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"frameproof/internal/config"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintf(os.Stderr, "frameproof: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	cfg, err := config.Load("frameproof", args, getenv)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	app, err := build(ctx, cfg, logger, metrics.Default())
	if err != nil {
		return err
	}
	defer app.close()

	logger.Info("starting frameproof",
		"addr", cfg.Addr,
		"storage", cfg.Storage.Driver,
		"blob", cfg.Blob.Driver,
		"relay", cfg.Redis.Enabled(),
		"transcoder", transcoderMode(cfg))
	return app.run(ctx, nil)
}
