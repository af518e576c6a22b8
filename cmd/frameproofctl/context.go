package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"frameproof/internal/blobstore"
	"frameproof/internal/config"
	"frameproof/internal/storage"
)

type commandContext struct {
	getenv func(string) string

	configPath    string
	storageDriver string
	postgresDSN   string
	blobDriver    string
	blobRoot      string

	configOnce sync.Once
	config     config.Config
	configErr  error

	// repository and blobs replace the configured backends in tests.
	repository storage.Repository
	blobs      blobstore.Store
}

func newCommandContext(getenv func(string) string) *commandContext {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &commandContext{getenv: getenv}
}

// loaderArgs forwards the persistent flags to the shared configuration
// loader so precedence matches the server.
func (c *commandContext) loaderArgs() []string {
	var args []string
	add := func(flag, value string) {
		if strings.TrimSpace(value) != "" {
			args = append(args, "-"+flag, value)
		}
	}
	add("config", c.configPath)
	add("storage-driver", c.storageDriver)
	add("postgres-dsn", c.postgresDSN)
	add("blob-driver", c.blobDriver)
	add("blob-root", c.blobRoot)
	return args
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load("frameproofctl", c.loaderArgs(), c.getenv)
	})
	return c.config, c.configErr
}

// openRepository returns the configured datastore and a release function.
func (c *commandContext) openRepository(ctx context.Context) (storage.Repository, func(), error) {
	if c.repository != nil {
		return c.repository, func() {}, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	switch cfg.Storage.Driver {
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, nil, errors.New("postgres DSN is required (--postgres-dsn or FRAMEPROOF_POSTGRES_DSN)")
		}
		repo, err := storage.NewPostgresRepository(ctx, cfg.Storage.PostgresDSN,
			storage.WithPostgresPoolLimits(2, 0),
			storage.WithPostgresApplicationName("frameproofctl"),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return repo, func() { _ = repo.Close(context.Background()) }, nil
	default:
		return nil, nil, fmt.Errorf("storage driver %q holds no shared state; use --storage-driver postgres", cfg.Storage.Driver)
	}
}

func (c *commandContext) openBlobs(ctx context.Context) (blobstore.Store, error) {
	if c.blobs != nil {
		return c.blobs, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return blobstore.Open(ctx, blobstore.Config{
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
}

func (c *commandContext) dsn() (string, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	if cfg.Storage.PostgresDSN == "" {
		return "", errors.New("postgres DSN is required (--postgres-dsn or FRAMEPROOF_POSTGRES_DSN)")
	}
	return cfg.Storage.PostgresDSN, nil
}
