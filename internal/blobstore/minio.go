package blobstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"frameproof/internal/apperr"
)

// MinioStore talks to any S3-compatible endpoint through minio-go.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
	prefix string
	public string

	ensureOnce sync.Once
	ensureErr  error
}

func NewMinioStore(ctx context.Context, cfg Config) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	bucket := strings.TrimSpace(cfg.Bucket)
	if endpoint == "" || bucket == "" {
		return nil, fmt.Errorf("minio blob store requires endpoint and bucket")
	}
	if i := strings.Index(endpoint, "://"); i >= 0 {
		endpoint = endpoint[i+3:]
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	public := cfg.PublicEndpoint
	if strings.TrimSpace(public) == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		public = scheme + "://" + endpoint
	}
	store := &MinioStore{
		client: client,
		bucket: bucket,
		region: cfg.Region,
		prefix: cfg.Prefix,
		public: public,
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// EnsureBucket creates the bucket on first use.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	s.ensureOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.ensureErr = err
			return
		}
		if exists {
			return
		}
		s.ensureErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	if s.ensureErr != nil {
		return fmt.Errorf("ensure bucket %q: %w", s.bucket, s.ensureErr)
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	finalKey := applyPrefix(s.prefix, key)
	_, err := s.client.PutObject(ctx, s.bucket, finalKey, body, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", finalKey, classifyMinio(err))
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey := applyPrefix(s.prefix, key)
	object, err := s.client.GetObject(ctx, s.bucket, finalKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", finalKey, classifyMinio(err))
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		return nil, fmt.Errorf("get object %s: %w", finalKey, classifyMinio(err))
	}
	return object, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	finalKey := applyPrefix(s.prefix, key)
	if err := s.client.RemoveObject(ctx, s.bucket, finalKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object %s: %w", finalKey, classifyMinio(err))
	}
	return nil
}

func (s *MinioStore) URL(key string) string {
	return publicURL(s.public, s.bucket, applyPrefix(s.prefix, key))
}

func classifyMinio(err error) error {
	response := minio.ToErrorResponse(err)
	switch {
	case response.Code == "NoSuchKey" || response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, err)
	case response.StatusCode >= 500 || response.StatusCode == http.StatusTooManyRequests:
		return apperr.Transient(err)
	}
	return classify(err)
}
