// Package blobstore stores raw upload chunks and assembled media objects.
// Every driver treats Put, Get and Delete as idempotent: rewriting a key with
// the same bytes is harmless and deleting a missing key succeeds.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"frameproof/internal/apperr"
)

// Store is the object storage contract consumed by the upload pipeline.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	URL(key string) string
}

const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverMinio  = "minio"
	DriverS3     = "s3"
)

const defaultRequestTimeout = 30 * time.Second

// Config selects and configures a driver.
type Config struct {
	Driver         string
	Root           string
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	PublicEndpoint string
	RequestTimeout time.Duration
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryStore(), nil
	case DriverFile:
		return NewFileStore(cfg.Root)
	case DriverMinio:
		return NewMinioStore(ctx, cfg)
	case DriverS3:
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported blob store driver %q", cfg.Driver)
	}
}

func applyPrefix(prefix, key string) string {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return trimmed
	}
	if trimmed == prefix || strings.HasPrefix(trimmed, prefix+"/") {
		return trimmed
	}
	return prefix + "/" + trimmed
}

func validateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("%w: object key is required", apperr.ErrInvalidInput)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." {
			return fmt.Errorf("%w: object key %q escapes the store", apperr.ErrInvalidInput, key)
		}
	}
	return nil
}

func publicURL(base, bucket, key string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	escaped := (&url.URL{Path: key}).EscapedPath()
	if base == "" {
		return escaped
	}
	if bucket != "" {
		return base + "/" + bucket + "/" + strings.TrimLeft(escaped, "/")
	}
	return base + "/" + strings.TrimLeft(escaped, "/")
}

type statusCoder interface {
	HTTPStatusCode() int
}

// classify maps driver errors onto the shared taxonomy. Network failures and
// 5xx/429 responses are transient; context errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(err)
	}
	var coded statusCoder
	if errors.As(err, &coded) {
		if status := coded.HTTPStatusCode(); status >= 500 || status == 429 {
			return apperr.Transient(err)
		}
	}
	return err
}
