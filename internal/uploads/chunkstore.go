package uploads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"

	"frameproof/internal/apperr"
	"frameproof/internal/blobstore"
	"frameproof/internal/models"
)

// ChunkStore lays out upload chunks and assembled sources in the blob store.
// Chunk keys embed the index and the SHA-256 of the bytes, so rewriting the
// same chunk is idempotent and a conflicting rewrite never clobbers it.
type ChunkStore struct {
	blobs blobstore.Store
	retry apperr.RetryPolicy
}

func NewChunkStore(blobs blobstore.Store, retry apperr.RetryPolicy) *ChunkStore {
	return &ChunkStore{blobs: blobs, retry: retry}
}

func chunkKey(sessionID string, index int, digest string) string {
	return fmt.Sprintf("uploads/%s/chunks/%06d-%s", sessionID, index, digest)
}

func sourceKey(channelID, assetID string) string {
	return fmt.Sprintf("assets/%s/%s/source", channelID, assetID)
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares a client supplied checksum against data. The value
// is "blake2b:<hex>", "sha256:<hex>" or bare SHA-256 hex. An empty checksum
// always passes.
func VerifyChecksum(checksum string, data []byte) error {
	checksum = strings.TrimSpace(checksum)
	if checksum == "" {
		return nil
	}
	algorithm, want, found := strings.Cut(checksum, ":")
	if !found {
		algorithm, want = "sha256", checksum
	}
	var got []byte
	switch strings.ToLower(algorithm) {
	case "sha256", "sha-256":
		sum := sha256.Sum256(data)
		got = sum[:]
	case "blake2b", "blake2b-256":
		sum := blake2b.Sum256(data)
		got = sum[:]
	default:
		return fmt.Errorf("unsupported checksum algorithm %q: %w", algorithm, apperr.ErrInvalidInput)
	}
	expected, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(want)))
	if err != nil {
		return fmt.Errorf("checksum is not hex: %w", apperr.ErrInvalidInput)
	}
	if subtle.ConstantTimeCompare(expected, got) != 1 {
		return fmt.Errorf("chunk checksum mismatch: %w", apperr.ErrInvalidInput)
	}
	return nil
}

// PutChunk writes one chunk, retrying transient blob failures.
func (s *ChunkStore) PutChunk(ctx context.Context, sessionID string, index int, digest string, data []byte) error {
	key := chunkKey(sessionID, index, digest)
	return apperr.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)))
	})
}

func (s *ChunkStore) DeleteChunk(ctx context.Context, sessionID string, index int, digest string) error {
	return s.blobs.Delete(ctx, chunkKey(sessionID, index, digest))
}

// DeleteChunks removes every recorded chunk of session and returns the first
// failure after attempting all of them.
func (s *ChunkStore) DeleteChunks(ctx context.Context, session models.UploadSession) error {
	var firstErr error
	for _, index := range session.ReceivedIndices() {
		chunk := session.Received[index]
		if err := s.DeleteChunk(ctx, session.ID, index, chunk.Digest); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Assemble concatenates the session's chunks in index order into the asset's
// source object and returns its key. The stream is verified to carry exactly
// TotalSize bytes.
func (s *ChunkStore) Assemble(ctx context.Context, session models.UploadSession, assetID string) (string, error) {
	key := sourceKey(session.ChannelID, assetID)
	err := apperr.Retry(ctx, s.retry, func(ctx context.Context) error {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(s.streamChunks(ctx, session, pw))
		}()
		err := s.blobs.Put(ctx, key, pr, session.TotalSize)
		_ = pr.CloseWithError(err)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("assemble upload %s: %w", session.ID, err)
	}
	return key, nil
}

func (s *ChunkStore) streamChunks(ctx context.Context, session models.UploadSession, w io.Writer) error {
	var written int64
	for index := 0; index < session.ChunkCount; index++ {
		chunk, ok := session.Received[index]
		if !ok {
			return fmt.Errorf("chunk %d missing: %w", index, apperr.ErrIncompleteUpload)
		}
		reader, err := s.blobs.Get(ctx, chunkKey(session.ID, index, chunk.Digest))
		if err != nil {
			return err
		}
		n, err := io.Copy(w, reader)
		_ = reader.Close()
		if err != nil {
			return err
		}
		if n != chunk.Size {
			return fmt.Errorf("chunk %d is %d bytes, recorded %d: %w", index, n, chunk.Size, apperr.ErrIncompleteUpload)
		}
		written += n
	}
	if written != session.TotalSize {
		return fmt.Errorf("assembled %d bytes, expected %d: %w", written, session.TotalSize, apperr.ErrIncompleteUpload)
	}
	return nil
}

func (s *ChunkStore) SourceURL(key string) string {
	return s.blobs.URL(key)
}
