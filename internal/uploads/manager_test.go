package uploads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"frameproof/internal/apperr"
	"frameproof/internal/blobstore"
	"frameproof/internal/models"
	"frameproof/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingHandoff struct {
	mu     sync.Mutex
	ids    []string
	failed int
}

func (h *recordingHandoff) Enqueue(_ context.Context, assetID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failed > 0 {
		h.failed--
		return apperr.Transient(errors.New("queue unavailable"))
	}
	h.ids = append(h.ids, assetID)
	return nil
}

type fixture struct {
	manager *Manager
	repo    *storage.MemoryRepository
	blobs   *blobstore.MemoryStore
	clock   *fakeClock
	handoff *recordingHandoff
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	repo := storage.NewMemoryRepository()
	_, err := repo.CreateChannel(context.Background(), storage.CreateChannelParams{ID: "ch-1", CreatedBy: "alice", CreatedAt: time.Now()})
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	blobs := blobstore.NewMemoryStore()
	handoff := &recordingHandoff{}
	cfg := Config{
		Store:             repo,
		Blobs:             blobs,
		Handoff:           handoff,
		Now:               clock.Now,
		MaxChunkSize:      1 << 20,
		InactivityTimeout: time.Hour,
		Retry:             apperr.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	manager, err := NewManager(cfg)
	require.NoError(t, err)
	return &fixture{manager: manager, repo: repo, blobs: blobs, clock: clock, handoff: handoff}
}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func chunkOf(data []byte, session models.UploadSession, index int) []byte {
	start := int64(index) * session.ChunkSize
	return data[start : start+session.ExpectedChunkSize(index)]
}

func TestInitUploadValidatesPlan(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []InitParams{
		{ChannelID: "ch-1", TotalSize: 100, ChunkCount: 0},
		{ChannelID: "ch-1", TotalSize: 0, ChunkCount: 1},
		{ChannelID: "ch-1", TotalSize: 3, ChunkCount: 4},
		{ChannelID: "ch-1", TotalSize: 10, ChunkCount: 6},
		{ChannelID: "ch-1", TotalSize: 4 << 20, ChunkCount: 2},
	}
	for _, params := range cases {
		_, err := f.manager.InitUpload(ctx, params)
		require.ErrorIs(t, err, apperr.ErrInvalidChunkPlan, "params %+v", params)
		require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	}

	_, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "missing", TotalSize: 10, ChunkCount: 1})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	session, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", Filename: "../../cut.mov", TotalSize: 10, ChunkCount: 4, CreatedBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, int64(3), session.ChunkSize)
	require.Equal(t, int64(1), session.ExpectedChunkSize(3))
	require.Equal(t, "cut.mov", session.Filename)
	require.Equal(t, models.UploadInitiated, session.Status)
}

func TestInitUploadQuotaBoundary(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.ChannelQuota = 1000
		cfg.MaxUploadSize = 800
	})
	ctx := context.Background()

	_, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 801, ChunkCount: 1})
	require.ErrorIs(t, err, apperr.ErrQuotaExceeded)

	_, err = f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 600, ChunkCount: 1})
	require.NoError(t, err)

	_, err = f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 401, ChunkCount: 1})
	require.ErrorIs(t, err, apperr.ErrQuotaExceeded)
	require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))

	_, err = f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 400, ChunkCount: 1})
	require.NoError(t, err, "exactly at quota succeeds")
}

func TestReceiveChunkIdempotenceAndConflict(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	session, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 10, ChunkCount: 2})
	require.NoError(t, err)

	first, err := f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("hello"), "")
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.Equal(t, 1, first.Received)
	require.Equal(t, models.UploadInProgress, first.Status)

	again, err := f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("hello"), "")
	require.NoError(t, err)
	require.True(t, again.Duplicate)
	require.Equal(t, first.Digest, again.Digest)
	require.Equal(t, 1, f.blobs.Len())

	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("world"), "")
	require.ErrorIs(t, err, apperr.ErrChunkConflict)
	require.Equal(t, 1, f.blobs.Len())

	_, err = f.manager.ReceiveChunk(ctx, session.ID, 2, strings.NewReader("hello"), "")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 1, strings.NewReader("toolong"), "")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 1, strings.NewReader("shrt"), "")
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	require.Equal(t, 1, f.blobs.Len(), "rejected chunks must not be committed")
}

func TestReceiveChunkVerifiesChecksum(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	session, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 10, ChunkCount: 2})
	require.NoError(t, err)

	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("hello"), "sha256:"+strings.Repeat("0", 64))
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	require.Equal(t, 0, f.blobs.Len())

	b2 := blake2b.Sum256([]byte("hello"))
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("hello"), "blake2b:"+hex.EncodeToString(b2[:]))
	require.NoError(t, err)

	sum := sha256.Sum256([]byte("world"))
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 1, strings.NewReader("world"), hex.EncodeToString(sum[:]))
	require.NoError(t, err)
}

func TestCompleteUploadRequiresEveryChunk(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	data := payload(1000)
	session, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", Filename: "review.mp4", TotalSize: int64(len(data)), ChunkCount: 10})
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		_, err := f.manager.ReceiveChunk(ctx, session.ID, i, bytes.NewReader(chunkOf(data, session, i)), "")
		require.NoError(t, err)
	}
	_, err = f.manager.CompleteUpload(ctx, session.ID)
	require.ErrorIs(t, err, apperr.ErrIncompleteUpload)
	var incomplete *IncompleteError
	require.True(t, errors.As(err, &incomplete))
	require.Equal(t, []int{9}, incomplete.Missing)

	_, err = f.manager.ReceiveChunk(ctx, session.ID, 9, bytes.NewReader(chunkOf(data, session, 9)), "")
	require.NoError(t, err)

	asset, err := f.manager.CompleteUpload(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.EncodingQueued, asset.Status)
	require.Equal(t, int64(len(data)), asset.SizeBytes)
	require.Equal(t, []string{asset.ID}, f.handoff.ids)

	source, err := f.blobs.Get(ctx, asset.SourceLocator)
	require.NoError(t, err)
	assembled, err := io.ReadAll(source)
	require.NoError(t, err)
	require.Equal(t, data, assembled)
	require.Equal(t, 1, f.blobs.Len(), "chunks are reclaimed after assembly")

	again, err := f.manager.CompleteUpload(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, asset.ID, again.ID)
	require.Len(t, f.handoff.ids, 1, "second completion must not re-process")

	stored, err := f.manager.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadCompleted, stored.Status)
	require.Equal(t, asset.ID, *stored.AssetID)

	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, bytes.NewReader(chunkOf(data, session, 0)), "")
	require.ErrorIs(t, err, apperr.ErrStateConflict)
}

func TestCompleteUploadLeavesAssetQueuedWhenHandoffFails(t *testing.T) {
	f := newFixture(t, nil)
	f.handoff.failed = 10
	ctx := context.Background()
	session, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 4, ChunkCount: 1})
	require.NoError(t, err)
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("data"), "")
	require.NoError(t, err)

	asset, err := f.manager.CompleteUpload(ctx, session.ID)
	require.NoError(t, err)
	require.Empty(t, f.handoff.ids)

	queued, err := f.repo.ListAssetsByStatus(ctx, models.EncodingQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	require.Equal(t, asset.ID, queued[0].ID)
}

func TestExpiryOnReceiveAndSweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stale, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 4, ChunkCount: 2})
	require.NoError(t, err)
	_, err = f.manager.ReceiveChunk(ctx, stale.ID, 0, strings.NewReader("ab"), "")
	require.NoError(t, err)
	idle, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 4, ChunkCount: 2})
	require.NoError(t, err)

	f.clock.Advance(50 * time.Minute)
	fresh, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 4, ChunkCount: 2})
	require.NoError(t, err)
	f.clock.Advance(20 * time.Minute)

	_, err = f.manager.ReceiveChunk(ctx, stale.ID, 1, strings.NewReader("cd"), "")
	require.ErrorIs(t, err, apperr.ErrSessionExpired)

	expired, err := f.manager.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	got, err := f.manager.Get(ctx, idle.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadExpired, got.Status)
	got, err = f.manager.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadInitiated, got.Status)
	require.Equal(t, 0, f.blobs.Len(), "expired chunks are reclaimed")

	_, err = f.manager.CompleteUpload(ctx, idle.ID)
	require.ErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestAbortUploadIsForgiving(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	session, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 4, ChunkCount: 2})
	require.NoError(t, err)
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("ab"), "")
	require.NoError(t, err)

	require.NoError(t, f.manager.AbortUpload(ctx, session.ID))
	require.NoError(t, f.manager.AbortUpload(ctx, session.ID))
	require.NoError(t, f.manager.AbortUpload(ctx, "unknown"))
	require.Equal(t, 0, f.blobs.Len())

	_, err = f.manager.ReceiveChunk(ctx, session.ID, 1, strings.NewReader("cd"), "")
	require.ErrorIs(t, err, apperr.ErrSessionExpired)
}

func TestReceiveChunkCancelledReadCommitsNothing(t *testing.T) {
	f := newFixture(t, nil)
	session, err := f.manager.InitUpload(context.Background(), InitParams{ChannelID: "ch-1", TotalSize: 8, ChunkCount: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		_, _ = pw.Write([]byte("half"))
		cancel()
		_ = pw.CloseWithError(context.Canceled)
	}()
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, pr, "")
	require.Error(t, err)
	require.Equal(t, 0, f.blobs.Len())

	got, err := f.manager.Get(context.Background(), session.ID)
	require.NoError(t, err)
	require.Empty(t, got.Received)
}

func TestHandoffInstalledAfterConstruction(t *testing.T) {
	f := newFixture(t, func(cfg *Config) { cfg.Handoff = nil })
	ctx := context.Background()
	f.manager.SetHandoff(f.handoff)

	session, err := f.manager.InitUpload(ctx, InitParams{ChannelID: "ch-1", TotalSize: 4, ChunkCount: 1})
	require.NoError(t, err)
	_, err = f.manager.ReceiveChunk(ctx, session.ID, 0, strings.NewReader("data"), "")
	require.NoError(t, err)
	asset, err := f.manager.CompleteUpload(ctx, session.ID)
	require.NoError(t, err)

	require.Equal(t, []string{asset.ID}, f.handoff.ids)
	require.Equal(t, f.blobs.URL(asset.SourceLocator), f.manager.SourceURL(asset.SourceLocator))
}
