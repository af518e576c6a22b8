// Package encoding tracks media assets through the external transcoder:
// queued, processing, then ready or failed. A first failure re-queues the
// asset once; the second is terminal.
package encoding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/models"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
	"frameproof/internal/transcoder"
)

const (
	defaultWorkers           = 2
	defaultQueueSize         = 64
	defaultSubmitTimeout     = 30 * time.Second
	defaultProcessingTimeout = 2 * time.Hour
	defaultWatchdogInterval  = time.Minute
	defaultRecoveryInterval  = 5 * time.Minute
	recoveryBatch            = 500
)

// ErrStopped is returned by Enqueue once the tracker is shut down.
var ErrStopped = errors.New("encoding tracker stopped")

// errNoChange aborts an asset update that would not change anything.
var errNoChange = errors.New("no change")

// Store is the slice of the repository the tracker needs.
type Store interface {
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
	UpdateAsset(ctx context.Context, id string, fn func(*models.MediaAsset) error) (models.MediaAsset, error)
	ListAssetsByStatus(ctx context.Context, status models.EncodingStatus, limit int) ([]models.MediaAsset, error)
}

// Publisher receives asset events for the owning channel.
type Publisher interface {
	Publish(ctx context.Context, channelID string, event hub.Event)
}

type Config struct {
	Store             Store
	Transcoder        transcoder.Transcoder
	Publisher         Publisher
	SourceURL         func(locator string) string
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Workers           int
	QueueSize         int
	SubmitTimeout     time.Duration
	ProcessingTimeout time.Duration
	WatchdogInterval  time.Duration
	RecoveryInterval  time.Duration
	Now               func() time.Time
}

type Tracker struct {
	store      Store
	transcoder transcoder.Transcoder
	publisher  Publisher
	sourceURL  func(string) string
	logger     *slog.Logger
	metrics    *metrics.Recorder
	now        func() time.Time

	workers           int
	submitTimeout     time.Duration
	processingTimeout time.Duration
	watchdogInterval  time.Duration
	recoveryInterval  time.Duration

	queue  chan string
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	inFlight map[string]struct{}
	// again holds assets offered while a worker still held them.
	again map[string]struct{}
	// submitted records when the job for a queued asset was accepted by the
	// transcoder, for the watchdog.
	submitted map[string]time.Time
}

func New(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("encoding tracker store is required")
	}
	if cfg.Transcoder == nil {
		return nil, errors.New("encoding tracker transcoder is required")
	}
	t := &Tracker{
		store:             cfg.Store,
		transcoder:        cfg.Transcoder,
		publisher:         cfg.Publisher,
		sourceURL:         cfg.SourceURL,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		now:               cfg.Now,
		workers:           cfg.Workers,
		submitTimeout:     cfg.SubmitTimeout,
		processingTimeout: cfg.ProcessingTimeout,
		watchdogInterval:  cfg.WatchdogInterval,
		recoveryInterval:  cfg.RecoveryInterval,
		inFlight:          make(map[string]struct{}),
		again:             make(map[string]struct{}),
		submitted:         make(map[string]time.Time),
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = logging.WithComponent(t.logger, "encoding")
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	if t.sourceURL == nil {
		t.sourceURL = func(locator string) string { return locator }
	}
	if t.workers <= 0 {
		t.workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if t.submitTimeout <= 0 {
		t.submitTimeout = defaultSubmitTimeout
	}
	if t.processingTimeout <= 0 {
		t.processingTimeout = defaultProcessingTimeout
	}
	if t.watchdogInterval <= 0 {
		t.watchdogInterval = defaultWatchdogInterval
	}
	if t.recoveryInterval <= 0 {
		t.recoveryInterval = defaultRecoveryInterval
	}
	t.queue = make(chan string, queueSize)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t, nil
}

// Start launches the workers, the watchdog and the recovery scan. The first
// recovery pass runs immediately so assets left queued by a previous process
// are resubmitted.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			t.cancel()
		case <-t.ctx.Done():
		}
	}()

	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	t.wg.Add(1)
	go t.maintain()
}

// Shutdown stops the workers and waits for in-flight submissions.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue accepts a queued asset for submission to the transcoder.
func (t *Tracker) Enqueue(ctx context.Context, assetID string) error {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return fmt.Errorf("asset id is required: %w", apperr.ErrInvalidInput)
	}
	asset, err := t.store.GetAsset(ctx, assetID)
	if err != nil {
		return err
	}
	if asset.Status != models.EncodingQueued {
		return nil
	}
	select {
	case <-t.ctx.Done():
		return apperr.Transient(ErrStopped)
	default:
	}
	select {
	case t.queue <- assetID:
		t.publishStatus(ctx, asset)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return apperr.Transient(ErrStopped)
	}
}

// offer queues an asset without blocking; a full queue leaves it for the
// next recovery pass.
func (t *Tracker) offer(assetID string) {
	select {
	case t.queue <- assetID:
	default:
		t.logger.Debug("encoding queue full, deferring to recovery", "asset_id", assetID)
	}
}

func (t *Tracker) worker() {
	defer t.wg.Done()
	for {
		select {
		case <-t.ctx.Done():
			return
		case id := <-t.queue:
			if !t.beginWork(id) {
				continue
			}
			t.submit(id)
			t.finishWork(id)
		}
	}
}

func (t *Tracker) beginWork(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inFlight[id]; busy {
		t.again[id] = struct{}{}
		return false
	}
	if _, pending := t.submitted[id]; pending {
		return false
	}
	t.inFlight[id] = struct{}{}
	return true
}

func (t *Tracker) finishWork(id string) {
	t.mu.Lock()
	delete(t.inFlight, id)
	_, requeue := t.again[id]
	delete(t.again, id)
	t.mu.Unlock()
	if requeue {
		t.offer(id)
	}
}

func (t *Tracker) markSubmitted(id string) {
	t.mu.Lock()
	t.submitted[id] = t.now()
	t.mu.Unlock()
}

func (t *Tracker) clearSubmitted(id string) {
	t.mu.Lock()
	delete(t.submitted, id)
	t.mu.Unlock()
}

func (t *Tracker) submit(id string) {
	asset, err := t.store.GetAsset(t.ctx, id)
	if err != nil {
		t.logger.Error("load asset for encoding failed", "asset_id", id, "error", err)
		return
	}
	if asset.Status != models.EncodingQueued {
		return
	}
	// Mark before submitting so a callback that races the response clears
	// the entry instead of being outlived by it.
	t.markSubmitted(id)
	ctx, cancel := context.WithTimeout(t.ctx, t.submitTimeout)
	defer cancel()
	submission, err := t.transcoder.Submit(ctx, transcoder.Job{
		AssetID:       asset.ID,
		ChannelID:     asset.ChannelID,
		Filename:      asset.Filename,
		SourceLocator: asset.SourceLocator,
		SourceURL:     t.sourceURL(asset.SourceLocator),
		Attempt:       asset.Attempts,
	})
	if err != nil {
		t.metrics.TranscoderSubmit("error")
		t.clearSubmitted(id)
		if t.ctx.Err() != nil {
			return
		}
		t.logger.Warn("transcoder submission failed", "asset_id", id, "error", err)
		if _, markErr := t.MarkFailed(t.ctx, id, "submit: "+err.Error()); markErr != nil {
			t.logger.Error("mark failed after submission error", "asset_id", id, "error", markErr)
		}
		return
	}
	t.metrics.TranscoderSubmit("ok")
	t.logger.Info("asset submitted for encoding", "asset_id", id, "channel_id", asset.ChannelID, "job_id", submission.JobID, "attempt", asset.Attempts)
}

// MarkProcessing moves a queued asset to processing.
func (t *Tracker) MarkProcessing(ctx context.Context, assetID string) (models.MediaAsset, error) {
	now := t.now()
	asset, err := t.update(ctx, assetID, func(a *models.MediaAsset) error {
		switch a.Status {
		case models.EncodingProcessing:
			return errNoChange
		case models.EncodingQueued:
			a.Status = models.EncodingProcessing
			a.ProcessingStartedAt = &now
			a.UpdatedAt = now
			return nil
		default:
			return fmt.Errorf("asset %s is %s: %w", a.ID, a.Status, apperr.ErrStateConflict)
		}
	})
	if err != nil || !asset.changed {
		return asset.MediaAsset, err
	}
	t.clearSubmitted(assetID)
	t.metrics.EncodingTransition(string(models.EncodingProcessing))
	t.publishStatus(ctx, asset.MediaAsset)
	return asset.MediaAsset, nil
}

// MarkReady records the playback locator and makes the asset the channel's
// active asset. Repeating the call with the same locator is a no-op.
func (t *Tracker) MarkReady(ctx context.Context, assetID, playbackLocator string, duration *float64) (models.MediaAsset, error) {
	playbackLocator = strings.TrimSpace(playbackLocator)
	if playbackLocator == "" {
		return models.MediaAsset{}, fmt.Errorf("playback locator is required: %w", apperr.ErrInvalidInput)
	}
	now := t.now()
	asset, err := t.update(ctx, assetID, func(a *models.MediaAsset) error {
		switch a.Status {
		case models.EncodingReady:
			if a.PlaybackLocator == playbackLocator {
				return errNoChange
			}
			return fmt.Errorf("asset %s is already ready with another locator: %w", a.ID, apperr.ErrStateConflict)
		case models.EncodingQueued, models.EncodingProcessing:
			a.Status = models.EncodingReady
			a.PlaybackLocator = playbackLocator
			a.DurationSeconds = duration
			a.FailureReason = ""
			a.ReadyAt = &now
			a.UpdatedAt = now
			return nil
		default:
			return fmt.Errorf("asset %s is %s: %w", a.ID, a.Status, apperr.ErrStateConflict)
		}
	})
	if err != nil || !asset.changed {
		return asset.MediaAsset, err
	}
	t.clearSubmitted(assetID)
	t.metrics.EncodingTransition(string(models.EncodingReady))
	t.publishStatus(ctx, asset.MediaAsset)
	t.publish(ctx, hub.EventAssetReady, asset.MediaAsset)
	t.logger.Info("asset ready", "asset_id", assetID, "channel_id", asset.ChannelID, "playback", playbackLocator)
	return asset.MediaAsset, nil
}

// MarkFailed records a transcoder failure. The first failure re-queues and
// resubmits the asset; the second leaves it failed and the channel keeps its
// previous active asset. A repeated failure on a failed asset is a no-op; a
// failure reported for a ready asset is a state conflict.
func (t *Tracker) MarkFailed(ctx context.Context, assetID, reason string) (models.MediaAsset, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	now := t.now()
	asset, err := t.update(ctx, assetID, func(a *models.MediaAsset) error {
		switch a.Status {
		case models.EncodingFailed:
			return errNoChange
		case models.EncodingReady:
			return fmt.Errorf("asset %s is already ready: %w", a.ID, apperr.ErrStateConflict)
		}
		a.FailureReason = reason
		a.UpdatedAt = now
		a.ProcessingStartedAt = nil
		if a.Attempts < models.MaxEncodingAttempts {
			a.Attempts++
			a.Status = models.EncodingQueued
			return nil
		}
		a.Status = models.EncodingFailed
		return nil
	})
	if err != nil || !asset.changed {
		return asset.MediaAsset, err
	}
	t.clearSubmitted(assetID)
	t.metrics.EncodingTransition(string(asset.Status))
	t.publishStatus(ctx, asset.MediaAsset)
	if asset.Status == models.EncodingQueued {
		t.logger.Warn("encoding failed, retrying", "asset_id", assetID, "reason", reason, "attempt", asset.Attempts)
		t.offer(assetID)
		return asset.MediaAsset, nil
	}
	t.logger.Error("encoding failed permanently", "asset_id", assetID, "channel_id", asset.ChannelID, "reason", reason)
	t.publish(ctx, hub.EventAssetFailed, asset.MediaAsset)
	return asset.MediaAsset, nil
}

// HandleCallback applies a transcoder callback.
func (t *Tracker) HandleCallback(ctx context.Context, cb transcoder.Callback) error {
	if err := cb.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, apperr.ErrInvalidInput)
	}
	var err error
	switch cb.Status {
	case transcoder.CallbackProcessing:
		_, err = t.MarkProcessing(ctx, cb.AssetID)
	case transcoder.CallbackReady:
		_, err = t.MarkReady(ctx, cb.AssetID, cb.PlaybackURL, cb.DurationSeconds)
	case transcoder.CallbackFailed:
		_, err = t.MarkFailed(ctx, cb.AssetID, cb.Error)
	}
	return err
}

type updateResult struct {
	models.MediaAsset
	changed bool
}

func (t *Tracker) update(ctx context.Context, id string, fn func(*models.MediaAsset) error) (updateResult, error) {
	asset, err := t.store.UpdateAsset(ctx, id, fn)
	if errors.Is(err, errNoChange) {
		return updateResult{MediaAsset: asset}, nil
	}
	if err != nil {
		return updateResult{MediaAsset: asset}, err
	}
	return updateResult{MediaAsset: asset, changed: true}, nil
}

func (t *Tracker) publishStatus(ctx context.Context, asset models.MediaAsset) {
	t.publish(ctx, hub.EventAssetStatus, asset)
}

func (t *Tracker) publish(ctx context.Context, eventType hub.EventType, asset models.MediaAsset) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(ctx, asset.ChannelID, hub.AssetEvent(eventType, asset))
}

func (t *Tracker) maintain() {
	defer t.wg.Done()
	t.recover(t.ctx)
	watchdog := time.NewTicker(t.watchdogInterval)
	defer watchdog.Stop()
	recovery := time.NewTicker(t.recoveryInterval)
	defer recovery.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-watchdog.C:
			t.watchdog(t.ctx)
		case <-recovery.C:
			t.recover(t.ctx)
		}
	}
}

// watchdog fails assets stuck in processing, and queued assets whose
// accepted job never reported back, once they exceed the processing timeout.
func (t *Tracker) watchdog(ctx context.Context) {
	cutoff := t.now().Add(-t.processingTimeout)
	processing, err := t.store.ListAssetsByStatus(ctx, models.EncodingProcessing, recoveryBatch)
	if err != nil {
		t.logger.Warn("watchdog scan failed", "error", err)
		return
	}
	for _, asset := range processing {
		if asset.ProcessingStartedAt != nil && asset.ProcessingStartedAt.Before(cutoff) {
			if _, err := t.MarkFailed(ctx, asset.ID, "timeout"); err != nil {
				t.logger.Warn("watchdog mark failed", "asset_id", asset.ID, "error", err)
			}
		}
	}

	t.mu.Lock()
	var stale []string
	for id, at := range t.submitted {
		if at.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()
	for _, id := range stale {
		if _, err := t.MarkFailed(ctx, id, "timeout"); err != nil {
			t.clearSubmitted(id)
			if !errors.Is(err, apperr.ErrStateConflict) {
				t.logger.Warn("watchdog mark failed", "asset_id", id, "error", err)
			}
		}
	}
}

// recover re-offers queued assets that have no job in flight.
func (t *Tracker) recover(ctx context.Context) {
	queued, err := t.store.ListAssetsByStatus(ctx, models.EncodingQueued, recoveryBatch)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Warn("recovery scan failed", "error", err)
		}
		return
	}
	for _, asset := range queued {
		t.mu.Lock()
		_, busy := t.inFlight[asset.ID]
		_, pending := t.submitted[asset.ID]
		t.mu.Unlock()
		if busy || pending {
			continue
		}
		t.offer(asset.ID)
	}
}
