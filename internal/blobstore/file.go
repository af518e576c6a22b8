package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"frameproof/internal/apperr"
)

const lockRetryDelay = 20 * time.Millisecond

// FileStore keeps objects on a local filesystem. Writes land in a temporary
// file and are renamed into place once complete, so an interrupted write
// never leaves a partial object behind. A per-key flock serializes writers
// from different processes sharing the same root.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("file blob store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve blob store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create blob store root: %w", err)
	}
	return &FileStore{root: abs}, nil
}

func (s *FileStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(strings.TrimLeft(key, "/"))), nil
}

func (s *FileStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.Transient(fmt.Errorf("create object dir: %w", err))
	}

	lock := flock.New(target + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock object %s: %w", key, err)
	}
	if !locked {
		return apperr.Transient(fmt.Errorf("lock object %s: not acquired", key))
	}
	defer func() {
		_ = lock.Unlock()
	}()

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return apperr.Transient(fmt.Errorf("create temp object: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	written, err := io.Copy(tmp, contextReader{ctx: ctx, r: body})
	if err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("%w: object %s is %d bytes, expected %d", apperr.ErrInvalidInput, key, written, size)
	}
	if err := tmp.Sync(); err != nil {
		return apperr.Transient(fmt.Errorf("sync object %s: %w", key, err))
	}
	if err := tmp.Close(); err != nil {
		return apperr.Transient(fmt.Errorf("close object %s: %w", key, err))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return apperr.Transient(fmt.Errorf("commit object %s: %w", key, err))
	}
	committed = true
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	target, err := s.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("object %s: %w", key, apperr.ErrNotFound)
		}
		return nil, apperr.Transient(fmt.Errorf("open object %s: %w", key, err))
	}
	return file, nil
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	target, err := s.path(key)
	if err != nil {
		return err
	}
	for _, name := range []string{target, target + ".lock"} {
		if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return apperr.Transient(fmt.Errorf("delete object %s: %w", key, err))
		}
	}
	return nil
}

func (s *FileStore) URL(key string) string {
	target, err := s.path(key)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(target)
}

// contextReader stops a copy as soon as ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
