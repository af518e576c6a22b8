// Package uploads accepts large media files as resumable, chunked uploads and
// hands completed files to the encoding pipeline.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"frameproof/internal/apperr"
	"frameproof/internal/blobstore"
	"frameproof/internal/keyedlock"
	"frameproof/internal/models"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
)

const (
	DefaultMaxUploadSize     int64 = 20 << 30
	DefaultChannelQuota      int64 = 100 << 30
	DefaultMaxChunkSize      int64 = 64 << 20
	DefaultMaxBufferedBytes  int64 = 512 << 20
	DefaultInactivityTimeout       = 24 * time.Hour
)

var assetNamespace = uuid.MustParse("6f1c3f0e-4b8e-4d83-9a55-2b1f2f7c9d10")

// Store is the slice of the repository the upload manager needs.
type Store interface {
	GetChannel(ctx context.Context, id string) (models.FeedbackChannel, error)
	CreateUploadSession(ctx context.Context, session models.UploadSession) error
	GetUploadSession(ctx context.Context, id string) (models.UploadSession, error)
	RecordChunk(ctx context.Context, sessionID string, chunk models.ChunkRecord) (models.UploadSession, bool, error)
	TransitionUpload(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, assetID *string) (models.UploadSession, error)
	ListIdleUploadSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.UploadSession, error)
	ChannelUsage(ctx context.Context, channelID string) (int64, error)
	CreateAsset(ctx context.Context, asset models.MediaAsset) error
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
}

// Handoff receives assets that are ready for encoding.
type Handoff interface {
	Enqueue(ctx context.Context, assetID string) error
}

type Config struct {
	Store             Store
	Blobs             blobstore.Store
	Handoff           Handoff
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Retry             apperr.RetryPolicy
	MaxUploadSize     int64
	ChannelQuota      int64
	MaxChunkSize      int64
	MaxBufferedBytes  int64
	InactivityTimeout time.Duration
	Now               func() time.Time
}

type Manager struct {
	store    Store
	chunks   *ChunkStore
	handoff  Handoff
	logger   *slog.Logger
	metrics  *metrics.Recorder
	retry    apperr.RetryPolicy
	now      func() time.Time
	buffered *semaphore.Weighted

	maxUploadSize     int64
	channelQuota      int64
	maxChunkSize      int64
	maxBufferedBytes  int64
	inactivityTimeout time.Duration

	sessions keyedlock.Map
	channels keyedlock.Map
}

// InitParams describes a new upload.
type InitParams struct {
	ChannelID  string
	Filename   string
	TotalSize  int64
	ChunkCount int
	CreatedBy  string
}

// ChunkReceipt reports the outcome of ReceiveChunk.
type ChunkReceipt struct {
	SessionID  string              `json:"sessionId"`
	Index      int                 `json:"index"`
	Digest     string              `json:"digest"`
	Size       int64               `json:"size"`
	Duplicate  bool                `json:"duplicate"`
	Received   int                 `json:"received"`
	ChunkCount int                 `json:"chunkCount"`
	Status     models.UploadStatus `json:"status"`
}

// IncompleteError lists the chunks a completion attempt is still missing.
type IncompleteError struct {
	SessionID string
	Missing   []int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("upload %s is missing %d chunk(s): %v", e.SessionID, len(e.Missing), e.Missing)
}

func (e *IncompleteError) Unwrap() error {
	return apperr.ErrIncompleteUpload
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Blobs == nil {
		return nil, errors.New("upload manager requires a store and a blob store")
	}
	m := &Manager{
		store:             cfg.Store,
		handoff:           cfg.Handoff,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		retry:             cfg.Retry,
		now:               cfg.Now,
		maxUploadSize:     cfg.MaxUploadSize,
		channelQuota:      cfg.ChannelQuota,
		maxChunkSize:      cfg.MaxChunkSize,
		maxBufferedBytes:  cfg.MaxBufferedBytes,
		inactivityTimeout: cfg.InactivityTimeout,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = logging.WithComponent(m.logger, "uploads")
	if m.retry.Attempts == 0 {
		m.retry = apperr.DefaultRetryPolicy
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.maxUploadSize <= 0 {
		m.maxUploadSize = DefaultMaxUploadSize
	}
	if m.channelQuota <= 0 {
		m.channelQuota = DefaultChannelQuota
	}
	if m.maxChunkSize <= 0 {
		m.maxChunkSize = DefaultMaxChunkSize
	}
	if m.maxBufferedBytes <= 0 {
		m.maxBufferedBytes = DefaultMaxBufferedBytes
	}
	if m.maxBufferedBytes < m.maxChunkSize {
		m.maxBufferedBytes = m.maxChunkSize
	}
	if m.inactivityTimeout <= 0 {
		m.inactivityTimeout = DefaultInactivityTimeout
	}
	m.buffered = semaphore.NewWeighted(m.maxBufferedBytes)
	m.chunks = NewChunkStore(cfg.Blobs, m.retry)
	return m, nil
}

// SetHandoff installs the encoding handoff after construction, for wiring
// where the tracker is built later.
func (m *Manager) SetHandoff(h Handoff) {
	m.handoff = h
}

// InitUpload validates the chunk plan and quotas and opens a session.
func (m *Manager) InitUpload(ctx context.Context, params InitParams) (models.UploadSession, error) {
	if params.ChunkCount <= 0 || params.TotalSize <= 0 || int64(params.ChunkCount) > params.TotalSize {
		return models.UploadSession{}, fmt.Errorf("%d chunks for %d bytes: %w", params.ChunkCount, params.TotalSize, apperr.ErrInvalidChunkPlan)
	}
	chunkSize := (params.TotalSize + int64(params.ChunkCount) - 1) / int64(params.ChunkCount)
	if chunkSize > m.maxChunkSize {
		return models.UploadSession{}, fmt.Errorf("chunk size %s exceeds limit %s: %w",
			humanize.IBytes(uint64(chunkSize)), humanize.IBytes(uint64(m.maxChunkSize)), apperr.ErrInvalidChunkPlan)
	}
	// The last chunk must not be empty: ChunkCount-1 full chunks have to leave
	// at least one byte for it.
	if chunkSize*int64(params.ChunkCount-1) >= params.TotalSize {
		return models.UploadSession{}, fmt.Errorf("%d chunks of %d bytes overshoot %d bytes: %w", params.ChunkCount, chunkSize, params.TotalSize, apperr.ErrInvalidChunkPlan)
	}
	if params.TotalSize > m.maxUploadSize {
		return models.UploadSession{}, fmt.Errorf("upload of %s exceeds limit %s: %w",
			humanize.IBytes(uint64(params.TotalSize)), humanize.IBytes(uint64(m.maxUploadSize)), apperr.ErrQuotaExceeded)
	}
	if _, err := m.store.GetChannel(ctx, params.ChannelID); err != nil {
		return models.UploadSession{}, err
	}

	unlock, err := m.channels.Lock(ctx, params.ChannelID)
	if err != nil {
		return models.UploadSession{}, err
	}
	defer unlock()

	used, err := m.store.ChannelUsage(ctx, params.ChannelID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if used+params.TotalSize > m.channelQuota {
		return models.UploadSession{}, fmt.Errorf("channel holds %s of %s, cannot add %s: %w",
			humanize.IBytes(uint64(used)), humanize.IBytes(uint64(m.channelQuota)), humanize.IBytes(uint64(params.TotalSize)), apperr.ErrQuotaExceeded)
	}

	filename := path.Base(strings.ReplaceAll(strings.TrimSpace(params.Filename), "\\", "/"))
	if filename == "." || filename == "/" || filename == "" {
		filename = "upload"
	}
	now := m.now()
	session := models.UploadSession{
		ID:             uuid.NewString(),
		ChannelID:      params.ChannelID,
		Filename:       filename,
		TotalSize:      params.TotalSize,
		ChunkCount:     params.ChunkCount,
		ChunkSize:      chunkSize,
		Received:       make(map[int]models.ChunkRecord),
		Status:         models.UploadInitiated,
		CreatedBy:      params.CreatedBy,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.CreateUploadSession(ctx, session); err != nil {
		return models.UploadSession{}, err
	}
	m.metrics.UploadSession(string(models.UploadInitiated))
	m.logger.Info("upload initiated",
		"upload_id", session.ID,
		"channel_id", session.ChannelID,
		"total_size", session.TotalSize,
		"chunk_count", session.ChunkCount,
	)
	return session, nil
}

// Get returns the session so clients can resume from its received set.
func (m *Manager) Get(ctx context.Context, sessionID string) (models.UploadSession, error) {
	return m.store.GetUploadSession(ctx, sessionID)
}

// ReceiveChunk stores the chunk at index. The body is read up to the chunk's
// expected size plus one byte; anything else is rejected before it is
// committed. checksum is optional, see VerifyChecksum.
func (m *Manager) ReceiveChunk(ctx context.Context, sessionID string, index int, body io.Reader, checksum string) (ChunkReceipt, error) {
	session, err := m.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		return ChunkReceipt{}, err
	}
	if err := m.ensureWritable(ctx, session); err != nil {
		return ChunkReceipt{}, err
	}
	if index < 0 || index >= session.ChunkCount {
		m.metrics.UploadChunk("rejected", 0)
		return ChunkReceipt{}, fmt.Errorf("chunk index %d outside [0, %d): %w", index, session.ChunkCount, apperr.ErrInvalidInput)
	}
	expected := session.ExpectedChunkSize(index)

	if err := m.buffered.Acquire(ctx, expected); err != nil {
		return ChunkReceipt{}, err
	}
	defer m.buffered.Release(expected)

	data, err := io.ReadAll(io.LimitReader(body, expected+1))
	if err != nil {
		return ChunkReceipt{}, fmt.Errorf("read chunk %d: %w", index, err)
	}
	if err := ctx.Err(); err != nil {
		return ChunkReceipt{}, err
	}
	if int64(len(data)) != expected {
		m.metrics.UploadChunk("rejected", 0)
		if int64(len(data)) > expected {
			return ChunkReceipt{}, fmt.Errorf("chunk %d exceeds %d bytes: %w", index, expected, apperr.ErrInvalidInput)
		}
		return ChunkReceipt{}, fmt.Errorf("chunk %d is %d bytes, expected %d: %w", index, len(data), expected, apperr.ErrInvalidInput)
	}
	if err := VerifyChecksum(checksum, data); err != nil {
		m.metrics.UploadChunk("rejected", 0)
		return ChunkReceipt{}, err
	}
	digest := Digest(data)

	existing, seen := session.Received[index]
	if seen && existing.Digest != digest {
		m.metrics.UploadChunk("rejected", 0)
		return ChunkReceipt{}, fmt.Errorf("chunk %d of %s: %w", index, sessionID, apperr.ErrChunkConflict)
	}
	if !seen {
		if err := m.chunks.PutChunk(ctx, sessionID, index, digest, data); err != nil {
			return ChunkReceipt{}, fmt.Errorf("store chunk %d: %w", index, err)
		}
	}

	record := models.ChunkRecord{Index: index, Digest: digest, Size: expected, ReceivedAt: m.now()}
	updated, duplicate, err := m.record(ctx, sessionID, record)
	if err != nil {
		if !seen && (errors.Is(err, apperr.ErrChunkConflict) || errors.Is(err, apperr.ErrSessionExpired) || errors.Is(err, apperr.ErrStateConflict)) {
			m.discardChunk(sessionID, index, digest)
		}
		m.metrics.UploadChunk("rejected", 0)
		return ChunkReceipt{}, err
	}
	if duplicate {
		m.metrics.UploadChunk("duplicate", expected)
	} else {
		m.metrics.UploadChunk("stored", expected)
	}
	return ChunkReceipt{
		SessionID:  sessionID,
		Index:      index,
		Digest:     digest,
		Size:       expected,
		Duplicate:  duplicate,
		Received:   len(updated.Received),
		ChunkCount: updated.ChunkCount,
		Status:     updated.Status,
	}, nil
}

// record commits the chunk under the session lock so the sweeper cannot
// expire the session between its idle check and its transition.
func (m *Manager) record(ctx context.Context, sessionID string, record models.ChunkRecord) (models.UploadSession, bool, error) {
	unlock, err := m.sessions.Lock(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, false, err
	}
	defer unlock()

	var (
		updated   models.UploadSession
		duplicate bool
	)
	err = apperr.Retry(ctx, m.retry, func(ctx context.Context) error {
		var recordErr error
		updated, duplicate, recordErr = m.store.RecordChunk(ctx, sessionID, record)
		return recordErr
	})
	if err != nil {
		if errors.Is(err, apperr.ErrStateConflict) {
			if current, getErr := m.store.GetUploadSession(ctx, sessionID); getErr == nil {
				return current, false, m.closedError(current)
			}
		}
		return updated, false, err
	}
	return updated, duplicate, nil
}

func (m *Manager) discardChunk(sessionID string, index int, digest string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.chunks.DeleteChunk(ctx, sessionID, index, digest); err != nil {
		m.logger.Warn("discard chunk failed", "upload_id", sessionID, "index", index, "error", err)
	}
}

// ensureWritable rejects closed sessions and expires idle ones.
func (m *Manager) ensureWritable(ctx context.Context, session models.UploadSession) error {
	if !session.Status.Open() {
		return m.closedError(session)
	}
	if m.idle(session) {
		if _, err := m.expire(ctx, session.ID); err != nil {
			return err
		}
		return fmt.Errorf("upload %s: %w", session.ID, apperr.ErrSessionExpired)
	}
	return nil
}

func (m *Manager) closedError(session models.UploadSession) error {
	switch session.Status {
	case models.UploadCompleted:
		return fmt.Errorf("upload %s already completed: %w", session.ID, apperr.ErrStateConflict)
	default:
		return fmt.Errorf("upload %s is %s: %w", session.ID, session.Status, apperr.ErrSessionExpired)
	}
}

func (m *Manager) idle(session models.UploadSession) bool {
	return m.now().Sub(session.LastActivityAt) > m.inactivityTimeout
}

// CompleteUpload assembles the chunks into the asset source, creates the
// queued MediaAsset and hands it to encoding. Completing an already completed
// session returns its asset.
func (m *Manager) CompleteUpload(ctx context.Context, sessionID string) (models.MediaAsset, error) {
	unlock, err := m.sessions.Lock(ctx, sessionID)
	if err != nil {
		return models.MediaAsset{}, err
	}
	defer unlock()

	session, err := m.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		return models.MediaAsset{}, err
	}
	if session.Status == models.UploadCompleted && session.AssetID != nil {
		return m.store.GetAsset(ctx, *session.AssetID)
	}
	if !session.Status.Open() {
		return models.MediaAsset{}, m.closedError(session)
	}
	if m.idle(session) {
		if _, err := m.expireLocked(ctx, session); err != nil {
			return models.MediaAsset{}, err
		}
		return models.MediaAsset{}, fmt.Errorf("upload %s: %w", sessionID, apperr.ErrSessionExpired)
	}
	if missing := session.MissingIndices(); len(missing) > 0 {
		return models.MediaAsset{}, &IncompleteError{SessionID: sessionID, Missing: missing}
	}

	assetID := uuid.NewSHA1(assetNamespace, []byte(session.ID)).String()
	sourceKey, err := m.chunks.Assemble(ctx, session, assetID)
	if err != nil {
		return models.MediaAsset{}, err
	}

	now := m.now()
	asset := models.MediaAsset{
		ID:            assetID,
		ChannelID:     session.ChannelID,
		UploadID:      session.ID,
		Filename:      session.Filename,
		SourceLocator: sourceKey,
		SizeBytes:     session.TotalSize,
		Status:        models.EncodingQueued,
		Attempts:      1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = apperr.Retry(ctx, m.retry, func(ctx context.Context) error {
		return m.store.CreateAsset(ctx, asset)
	})
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrConflict):
		// A previous attempt created the asset before failing.
		if asset, err = m.store.GetAsset(ctx, assetID); err != nil {
			return models.MediaAsset{}, err
		}
	default:
		return models.MediaAsset{}, fmt.Errorf("create asset: %w", err)
	}

	open := []models.UploadStatus{models.UploadInitiated, models.UploadInProgress}
	if _, err := m.store.TransitionUpload(ctx, sessionID, open, models.UploadCompleted, &assetID); err != nil {
		return models.MediaAsset{}, err
	}
	m.metrics.UploadSession(string(models.UploadCompleted))
	m.logger.Info("upload completed", "upload_id", sessionID, "channel_id", session.ChannelID, "asset_id", assetID)

	m.reclaim(session)
	m.handOff(ctx, assetID)
	return asset, nil
}

// handOff gives the asset to the tracker. When the handoff keeps failing the
// asset stays queued and the tracker's recovery scan picks it up later.
func (m *Manager) handOff(ctx context.Context, assetID string) {
	if m.handoff == nil {
		return
	}
	err := apperr.Retry(ctx, m.retry, func(ctx context.Context) error {
		return m.handoff.Enqueue(ctx, assetID)
	})
	if err != nil {
		m.logger.Warn("encoding handoff failed, leaving asset queued for recovery", "asset_id", assetID, "error", err)
	}
}

// AbortUpload cancels a session and deletes its chunks. It never fails for
// unknown or already closed sessions.
func (m *Manager) AbortUpload(ctx context.Context, sessionID string) error {
	unlock, err := m.sessions.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	session, err := m.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		if apperr.KindOf(err) != apperr.KindNotFound {
			m.logger.Warn("abort lookup failed", "upload_id", sessionID, "error", err)
		}
		return nil
	}
	if !session.Status.Open() {
		return nil
	}
	open := []models.UploadStatus{models.UploadInitiated, models.UploadInProgress}
	if _, err := m.store.TransitionUpload(ctx, sessionID, open, models.UploadAborted, nil); err != nil {
		m.logger.Warn("abort transition failed", "upload_id", sessionID, "error", err)
		return nil
	}
	m.metrics.UploadSession(string(models.UploadAborted))
	m.reclaim(session)
	return nil
}

// SweepExpired expires idle open sessions and reclaims their chunks.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	cutoff := m.now().Add(-m.inactivityTimeout)
	expired := 0
	for {
		idle, err := m.store.ListIdleUploadSessions(ctx, cutoff, 100)
		if err != nil {
			return expired, err
		}
		progressed := false
		for _, candidate := range idle {
			ok, err := m.expire(ctx, candidate.ID)
			if err != nil {
				if ctx.Err() != nil {
					return expired, ctx.Err()
				}
				m.logger.Warn("expire upload failed", "upload_id", candidate.ID, "error", err)
				continue
			}
			if ok {
				expired++
				progressed = true
			}
		}
		if len(idle) < 100 || !progressed {
			return expired, nil
		}
	}
}

func (m *Manager) expire(ctx context.Context, sessionID string) (bool, error) {
	unlock, err := m.sessions.Lock(ctx, sessionID)
	if err != nil {
		return false, err
	}
	defer unlock()
	session, err := m.store.GetUploadSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return m.expireLocked(ctx, session)
}

// expireLocked re-checks the session's own state, so a chunk that refreshed
// its activity in the meantime keeps it open.
func (m *Manager) expireLocked(ctx context.Context, session models.UploadSession) (bool, error) {
	if !session.Status.Open() || !m.idle(session) {
		return false, nil
	}
	open := []models.UploadStatus{models.UploadInitiated, models.UploadInProgress}
	if _, err := m.store.TransitionUpload(ctx, session.ID, open, models.UploadExpired, nil); err != nil {
		if errors.Is(err, apperr.ErrStateConflict) {
			return false, nil
		}
		return false, err
	}
	m.metrics.UploadSession(string(models.UploadExpired))
	m.logger.Info("upload expired", "upload_id", session.ID, "channel_id", session.ChannelID, "idle_since", session.LastActivityAt)
	m.reclaim(session)
	return true, nil
}

// reclaim deletes the session's chunk blobs. Failures are logged only.
func (m *Manager) reclaim(session models.UploadSession) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := m.chunks.DeleteChunks(ctx, session); err != nil {
		m.logger.Warn("chunk cleanup failed", "upload_id", session.ID, "error", err)
	}
}

// SourceURL resolves a source locator to a URL the transcoder can fetch.
func (m *Manager) SourceURL(locator string) string {
	return m.chunks.SourceURL(locator)
}
