package encoding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/models"
	"frameproof/internal/storage"
	"frameproof/internal/transcoder"
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

type fakeTranscoder struct {
	mu   sync.Mutex
	jobs []transcoder.Job
	err  error
	// during runs before Submit returns, standing in for a callback that
	// beats the submission response.
	during func(transcoder.Job)
}

func (f *fakeTranscoder) Submit(_ context.Context, job transcoder.Job) (transcoder.Submission, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	err, during := f.err, f.during
	f.mu.Unlock()
	if during != nil {
		during(job)
	}
	if err != nil {
		return transcoder.Submission{}, err
	}
	return transcoder.Submission{JobID: "job-" + job.AssetID}, nil
}

func (f *fakeTranscoder) Jobs() []transcoder.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcoder.Job(nil), f.jobs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event hub.Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) Types() []hub.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hub.EventType, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	tracker   *Tracker
	repo      *storage.MemoryRepository
	clock     *fakeClock
	encoder   *fakeTranscoder
	publisher *recordingPublisher
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	repo := storage.NewMemoryRepository()
	_, err := repo.CreateChannel(context.Background(), storage.CreateChannelParams{ID: "ch-1", CreatedBy: "alice", CreatedAt: time.Now()})
	require.NoError(t, err)
	f := &fixture{
		repo:      repo,
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		encoder:   &fakeTranscoder{},
		publisher: &recordingPublisher{},
	}
	cfg := Config{
		Store:             repo,
		Transcoder:        f.encoder,
		Publisher:         f.publisher,
		SourceURL:         func(locator string) string { return "https://media.test/" + locator },
		Now:               f.clock.Now,
		ProcessingTimeout: time.Hour,
		WatchdogInterval:  time.Hour,
		RecoveryInterval:  time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.tracker, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.tracker.Shutdown(ctx)
	})
	return f
}

func (f *fixture) queuedAsset(t *testing.T, id string) models.MediaAsset {
	t.Helper()
	asset := models.MediaAsset{
		ID:            id,
		ChannelID:     "ch-1",
		UploadID:      "upload-" + id,
		Filename:      id + ".mov",
		SourceLocator: "assets/ch-1/" + id + "/source",
		SizeBytes:     1024,
		Status:        models.EncodingQueued,
		Attempts:      1,
		CreatedAt:     f.clock.Now(),
		UpdatedAt:     f.clock.Now(),
	}
	require.NoError(t, f.repo.CreateAsset(context.Background(), asset))
	return asset
}

func activeAsset(t *testing.T, repo *storage.MemoryRepository) string {
	t.Helper()
	channel, err := repo.GetChannel(context.Background(), "ch-1")
	require.NoError(t, err)
	if channel.ActiveAssetID == nil {
		return ""
	}
	return *channel.ActiveAssetID
}

func TestReadyAssetReplacesActiveAndKeepsHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queuedAsset(t, "a1")
	f.queuedAsset(t, "a2")

	asset, err := f.tracker.MarkProcessing(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, models.EncodingProcessing, asset.Status)
	require.NotNil(t, asset.ProcessingStartedAt)

	again, err := f.tracker.MarkProcessing(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, models.EncodingProcessing, again.Status)

	duration := 42.5
	asset, err = f.tracker.MarkReady(ctx, "a1", "hls/a1/index.m3u8", &duration)
	require.NoError(t, err)
	require.Equal(t, models.EncodingReady, asset.Status)
	require.Equal(t, "a1", activeAsset(t, f.repo))

	_, err = f.tracker.MarkReady(ctx, "a1", "hls/a1/index.m3u8", &duration)
	require.NoError(t, err, "repeated ready with the same locator is a no-op")
	_, err = f.tracker.MarkReady(ctx, "a1", "hls/other.m3u8", nil)
	require.ErrorIs(t, err, apperr.ErrStateConflict)
	_, err = f.tracker.MarkProcessing(ctx, "a1")
	require.ErrorIs(t, err, apperr.ErrStateConflict)

	_, err = f.tracker.MarkReady(ctx, "a2", "hls/a2/index.m3u8", nil)
	require.NoError(t, err)
	require.Equal(t, "a2", activeAsset(t, f.repo))

	assets, err := f.repo.ListAssets(ctx, "ch-1")
	require.NoError(t, err)
	require.Len(t, assets, 2)

	types := f.publisher.Types()
	require.Contains(t, types, hub.EventAssetReady)
	readyCount := 0
	for _, typ := range types {
		if typ == hub.EventAssetReady {
			readyCount++
		}
	}
	require.Equal(t, 2, readyCount)
}

func TestFailureRetriesOnceThenKeepsPreviousAsset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queuedAsset(t, "a1")
	f.queuedAsset(t, "a2")
	_, err := f.tracker.MarkReady(ctx, "a1", "hls/a1/index.m3u8", nil)
	require.NoError(t, err)

	_, err = f.tracker.MarkProcessing(ctx, "a2")
	require.NoError(t, err)
	asset, err := f.tracker.MarkFailed(ctx, "a2", "decoder crashed")
	require.NoError(t, err)
	require.Equal(t, models.EncodingQueued, asset.Status)
	require.Equal(t, 2, asset.Attempts)
	require.Equal(t, "decoder crashed", asset.FailureReason)
	require.Nil(t, asset.ProcessingStartedAt)

	asset, err = f.tracker.MarkFailed(ctx, "a2", "decoder crashed again")
	require.NoError(t, err)
	require.Equal(t, models.EncodingFailed, asset.Status)
	require.True(t, asset.Terminal())
	require.Equal(t, "a1", activeAsset(t, f.repo))
	require.Contains(t, f.publisher.Types(), hub.EventAssetFailed)

	asset, err = f.tracker.MarkFailed(ctx, "a2", "late callback")
	require.NoError(t, err)
	require.Equal(t, "decoder crashed again", asset.FailureReason)
}

func TestFailureAfterReadyConflicts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queuedAsset(t, "a1")
	_, err := f.tracker.MarkReady(ctx, "a1", "hls/a1/index.m3u8", nil)
	require.NoError(t, err)

	_, err = f.tracker.MarkFailed(ctx, "a1", "late failure")
	require.ErrorIs(t, err, apperr.ErrStateConflict)

	asset, err := f.repo.GetAsset(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, models.EncodingReady, asset.Status)
	require.Empty(t, asset.FailureReason)
	require.Equal(t, "a1", activeAsset(t, f.repo))
}

func TestCallbackDuringSubmitLeavesNothingPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	readyErr := make(chan error, 1)
	f.encoder.during = func(job transcoder.Job) {
		_, err := f.tracker.MarkReady(ctx, job.AssetID, "hls/"+job.AssetID+".m3u8", nil)
		readyErr <- err
	}
	f.tracker.Start(ctx)
	f.queuedAsset(t, "a1")

	require.NoError(t, f.tracker.Enqueue(ctx, "a1"))
	require.Eventually(t, func() bool {
		f.tracker.mu.Lock()
		defer f.tracker.mu.Unlock()
		_, busy := f.tracker.inFlight["a1"]
		return len(f.encoder.Jobs()) == 1 && !busy
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, <-readyErr)

	f.tracker.mu.Lock()
	_, pending := f.tracker.submitted["a1"]
	f.tracker.mu.Unlock()
	require.False(t, pending)

	f.clock.Advance(2 * time.Hour)
	f.tracker.watchdog(ctx)
	asset, err := f.repo.GetAsset(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, models.EncodingReady, asset.Status)
}

func TestWorkerSubmitsEnqueuedAsset(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.tracker.Start(ctx)
	f.queuedAsset(t, "a1")

	require.NoError(t, f.tracker.Enqueue(ctx, "a1"))
	require.Eventually(t, func() bool { return len(f.encoder.Jobs()) == 1 }, 2*time.Second, 5*time.Millisecond)

	job := f.encoder.Jobs()[0]
	require.Equal(t, "a1", job.AssetID)
	require.Equal(t, "ch-1", job.ChannelID)
	require.Equal(t, "https://media.test/assets/ch-1/a1/source", job.SourceURL)
	require.Equal(t, 1, job.Attempt)

	require.NoError(t, f.tracker.HandleCallback(ctx, transcoder.Callback{AssetID: "a1", Status: transcoder.CallbackProcessing}))
	require.NoError(t, f.tracker.HandleCallback(ctx, transcoder.Callback{AssetID: "a1", Status: transcoder.CallbackReady, PlaybackURL: "hls/a1.m3u8"}))
	require.Equal(t, "a1", activeAsset(t, f.repo))
}

func TestSubmissionErrorsExhaustAttempts(t *testing.T) {
	f := newFixture(t, nil)
	f.encoder.err = apperr.Transient(errors.New("transcoder down"))
	ctx := context.Background()
	f.tracker.Start(ctx)
	f.queuedAsset(t, "a1")

	require.NoError(t, f.tracker.Enqueue(ctx, "a1"))
	require.Eventually(t, func() bool {
		asset, err := f.repo.GetAsset(ctx, "a1")
		return err == nil && asset.Status == models.EncodingFailed
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, f.encoder.Jobs(), 2)
	asset, err := f.repo.GetAsset(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 2, asset.Attempts)
	require.Contains(t, asset.FailureReason, "transcoder down")
	require.Empty(t, activeAsset(t, f.repo))
}

func TestWatchdogFailsStuckProcessing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queuedAsset(t, "a1")
	_, err := f.tracker.MarkProcessing(ctx, "a1")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	f.tracker.watchdog(ctx)
	asset, err := f.repo.GetAsset(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, models.EncodingProcessing, asset.Status)

	f.clock.Advance(time.Hour)
	f.tracker.watchdog(ctx)
	asset, err = f.repo.GetAsset(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, models.EncodingQueued, asset.Status)
	require.Equal(t, "timeout", asset.FailureReason)
}

func TestEnqueueAfterShutdownIsTransient(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queuedAsset(t, "a1")
	require.NoError(t, f.tracker.Shutdown(ctx))

	err := f.tracker.Enqueue(ctx, "a1")
	require.ErrorIs(t, err, ErrStopped)
	require.True(t, apperr.IsTransient(err))
}

func TestHandleCallbackValidates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.queuedAsset(t, "a1")

	err := f.tracker.HandleCallback(ctx, transcoder.Callback{AssetID: "a1", Status: transcoder.CallbackReady})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	err = f.tracker.HandleCallback(ctx, transcoder.Callback{AssetID: "missing", Status: transcoder.CallbackProcessing})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}
