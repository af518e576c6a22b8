package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"frameproof/internal/apperr"
)

// S3Store uses the AWS SDK. A custom endpoint switches the client to
// path-style addressing so it also works against S3-compatible services.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	public string

	virtualHost string
}

func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 blob store requires a bucket")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}
	options := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	store := &S3Store{client: client, bucket: bucket, prefix: cfg.Prefix, public: strings.TrimSpace(cfg.PublicEndpoint)}
	if store.public == "" {
		store.public = endpoint
	}
	if store.public == "" {
		store.virtualHost = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}
	return store, nil
}

// Put uploads body. The SDK needs a seekable body to sign the payload, so
// plain readers are spooled to a temporary file first.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	finalKey := applyPrefix(s.prefix, key)
	seeker, cleanup, err := seekable(body)
	if err != nil {
		return fmt.Errorf("spool object %s: %w", finalKey, err)
	}
	defer cleanup()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(finalKey),
		Body:        seeker,
		ContentType: aws.String("application/octet-stream"),
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", finalKey, classifyS3(err))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	finalKey := applyPrefix(s.prefix, key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", finalKey, classifyS3(err))
	}
	return out.Body, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	finalKey := applyPrefix(s.prefix, key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(finalKey),
	})
	if err != nil {
		err = classifyS3(err)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("delete object %s: %w", finalKey, err)
	}
	return nil
}

func (s *S3Store) URL(key string) string {
	if s.virtualHost != "" {
		return publicURL(s.virtualHost, "", applyPrefix(s.prefix, key))
	}
	return publicURL(s.public, s.bucket, applyPrefix(s.prefix, key))
}

func classifyS3(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %s", apperr.ErrNotFound, err)
	}
	return classify(err)
}

func seekable(body io.Reader) (io.ReadSeeker, func(), error) {
	if rs, ok := body.(io.ReadSeeker); ok {
		return rs, func() {}, nil
	}
	tmp, err := os.CreateTemp("", "frameproof-s3-*")
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, body); err != nil {
		cleanup()
		return nil, nil, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, err
	}
	return tmp, cleanup, nil
}
