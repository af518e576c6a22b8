package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"frameproof/internal/config"
	"frameproof/internal/identity"
	"frameproof/internal/observability/metrics"
	"frameproof/internal/transcoder"
)

func testConfig(t *testing.T, extra ...string) config.Config {
	t.Helper()
	args := append([]string{
		"-addr", "127.0.0.1:0",
		"-identity-header", "X-Test-Identity",
		"-transcoder-passthrough-delay", "10ms",
		"-upload-sweep-interval", "1h",
		"-shutdown-timeout", "2s",
	}, extra...)
	cfg, err := config.Load("frameproof-test", args, func(string) string { return "" })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func TestApplicationServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	app, err := build(context.Background(), cfg, logger, metrics.New())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer app.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- app.run(ctx, func(addr net.Addr) { ready <- addr })
	}()

	var base string
	select {
	case addr := <-ready:
		base = "http://127.0.0.1:" + strconv.Itoa(addr.(*net.TCPAddr).Port)
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, base+"/api/channels", strings.NewReader(`{"projectId":"p-1","title":"Cut 3"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Identity", "alice")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /api/channels: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create channel status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, base+"/api/channels", strings.NewReader(`{"projectId":"p-1","title":"Cut 4"}`))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST without identity: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous create status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run(context.Background(), []string{"-storage-driver", "postgres"}, func(string) string { return "" })
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "postgres DSN") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewResolverPrefersJWT(t *testing.T) {
	resolver, err := newResolver(config.Identity{JWTSecret: "s3cret", Header: "X-User"})
	if err != nil {
		t.Fatalf("newResolver: %v", err)
	}
	if _, ok := resolver.(*identity.JWTVerifier); !ok {
		t.Fatalf("expected JWT verifier, got %T", resolver)
	}

	resolver, err = newResolver(config.Identity{Header: "X-User"})
	if err != nil {
		t.Fatalf("newResolver: %v", err)
	}
	if header, ok := resolver.(identity.HeaderResolver); !ok || header.Header != "X-User" {
		t.Fatalf("expected header resolver, got %#v", resolver)
	}

	if _, err := newResolver(config.Identity{}); err == nil {
		t.Fatal("expected error without any resolver")
	}
}

func TestNewTranscoderSelectsMode(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	encoder, err := newTranscoder(config.Transcoder{}, logger)
	if err != nil {
		t.Fatalf("newTranscoder: %v", err)
	}
	if _, ok := encoder.(*transcoder.Passthrough); !ok {
		t.Fatalf("expected passthrough, got %T", encoder)
	}

	encoder, err = newTranscoder(config.Transcoder{URL: "http://transcoder.internal"}, logger)
	if err != nil {
		t.Fatalf("newTranscoder: %v", err)
	}
	if _, ok := encoder.(*transcoder.HTTPClient); !ok {
		t.Fatalf("expected HTTP client, got %T", encoder)
	}
}

func TestOpenRepositoryRejectsUnknownDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := openRepository(context.Background(), config.Storage{Driver: "bolt"}, logger); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestSecurityConfigEnablesHSTSWithTLS(t *testing.T) {
	cfg := config.Default()
	if got := securityConfig(cfg).HSTSMaxAge; got != 0 {
		t.Fatalf("expected no HSTS without TLS, got %s", got)
	}
	cfg.TLS.CertFile, cfg.TLS.KeyFile = "cert.pem", "key.pem"
	if got := securityConfig(cfg).HSTSMaxAge; got <= 0 {
		t.Fatalf("expected HSTS with TLS, got %s", got)
	}
}
