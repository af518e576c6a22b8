// Package serverutil runs listeners with optional TLS and bounded graceful
// shutdown for the FrameProof binaries.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (t TLSConfig) enabled() bool { return t.CertFile != "" }

// Service is anything that serves on a listener and shuts down gracefully.
// *http.Server satisfies it.
type Service interface {
	Serve(net.Listener) error
	Shutdown(ctx context.Context) error
}

type Config struct {
	Addr            string
	Service         Service
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready, when set, receives the bound address once the listener is open.
	Ready  func(net.Addr)
	Logger *slog.Logger
}

const DefaultShutdownTimeout = 10 * time.Second

var errServeReturned = errors.New("serve returned")

// Run serves until ctx is cancelled, then drains the service within
// ShutdownTimeout. Listen and certificate failures are returned before Ready
// is called.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Service == nil {
		return errors.New("service is required")
	}
	if cfg.TLS.enabled() != (cfg.TLS.KeyFile != "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	ln, err := listen(ctx, cfg.Addr, cfg.TLS)
	if err != nil {
		return err
	}
	if cfg.Ready != nil {
		cfg.Ready(ln.Addr())
	}

	var shutdownErr error
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := cfg.Service.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return errServeReturned
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down", "addr", ln.Addr().String(), "timeout", timeout)
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		shutdownErr = cfg.Service.Shutdown(drainCtx)
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, errServeReturned) {
		return err
	}
	return shutdownErr
}

func listen(ctx context.Context, addr string, tlsCfg TLSConfig) (net.Listener, error) {
	var certs []tls.Certificate
	if tlsCfg.enabled() {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		certs = append(certs, cert)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if len(certs) == 0 {
		return ln, nil
	}
	return tls.NewListener(ln, &tls.Config{MinVersion: tls.VersionTLS12, Certificates: certs}), nil
}
