package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"frameproof/internal/apperr"
	"frameproof/internal/models"
)

// channelShard holds everything that is written under one channel's lock.
type channelShard struct {
	mu         sync.Mutex
	channel    models.FeedbackChannel
	members    map[string]models.ChannelMember
	comments   map[string]*models.Comment
	maxLogical map[float64]int
	// revisions lists (revision, comment) pairs in ascending revision order.
	// An update appends a new pair, leaving the comment's older pair stale
	// until the log is compacted.
	revisions []revisionEntry
}

type revisionEntry struct {
	revision  int64
	commentID string
}

func (s *channelShard) record(comment *models.Comment) {
	s.revisions = append(s.revisions, revisionEntry{revision: comment.Revision, commentID: comment.ID})
	if len(s.revisions) > 2*len(s.comments) {
		s.revisions = slices.DeleteFunc(s.revisions, func(e revisionEntry) bool {
			return s.comments[e.commentID].Revision != e.revision
		})
	}
}

// MemoryRepository is an in-process Repository. The top-level maps are only
// guarded for lookup; each channel shard carries its own mutex, so comment
// writes on different channels never contend.
type MemoryRepository struct {
	mu       sync.RWMutex
	channels map[string]*channelShard
	// comment id -> channel id
	comments sync.Map

	uploadsMu sync.Mutex
	uploads   map[string]*models.UploadSession

	assetsMu sync.Mutex
	assets   map[string]*models.MediaAsset
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		channels: make(map[string]*channelShard),
		uploads:  make(map[string]*models.UploadSession),
		assets:   make(map[string]*models.MediaAsset),
	}
}

func (r *MemoryRepository) Ping(ctx context.Context) error  { return ctx.Err() }
func (r *MemoryRepository) Close(ctx context.Context) error { return nil }

func (r *MemoryRepository) shard(channelID string) (*channelShard, error) {
	r.mu.RLock()
	shard, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, apperr.ErrNotFound)
	}
	return shard, nil
}

func (r *MemoryRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (models.FeedbackChannel, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return models.FeedbackChannel{}, fmt.Errorf("%w: channel id is required", apperr.ErrInvalidInput)
	}
	createdAt := params.CreatedAt.UTC()
	channel := models.FeedbackChannel{
		ID:        id,
		ProjectID: params.ProjectID,
		Title:     params.Title,
		CreatedBy: params.CreatedBy,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	shard := &channelShard{
		channel:    channel,
		members:    make(map[string]models.ChannelMember),
		comments:   make(map[string]*models.Comment),
		maxLogical: make(map[float64]int),
	}
	if params.CreatedBy != "" {
		shard.members[params.CreatedBy] = models.ChannelMember{
			ChannelID: id,
			Identity:  params.CreatedBy,
			Role:      models.RoleOwner,
			AddedAt:   createdAt,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.channels[id]; exists {
		return models.FeedbackChannel{}, fmt.Errorf("channel %s already exists: %w", id, apperr.ErrConflict)
	}
	r.channels[id] = shard
	return channel, nil
}

func (r *MemoryRepository) GetChannel(ctx context.Context, id string) (models.FeedbackChannel, error) {
	shard, err := r.shard(id)
	if err != nil {
		return models.FeedbackChannel{}, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return cloneChannel(shard.channel), nil
}

func (r *MemoryRepository) AddMember(ctx context.Context, member models.ChannelMember) error {
	shard, err := r.shard(member.ChannelID)
	if err != nil {
		return err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if member.Role == "" {
		member.Role = models.RoleReviewer
	}
	if existing, ok := shard.members[member.Identity]; ok && existing.Role == models.RoleOwner {
		member.Role = models.RoleOwner
	}
	shard.members[member.Identity] = member
	return nil
}

func (r *MemoryRepository) GetMember(ctx context.Context, channelID, identity string) (models.ChannelMember, error) {
	shard, err := r.shard(channelID)
	if err != nil {
		return models.ChannelMember{}, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	member, ok := shard.members[identity]
	if !ok {
		return models.ChannelMember{}, fmt.Errorf("member %s of %s: %w", identity, channelID, apperr.ErrNotFound)
	}
	return member, nil
}

func (r *MemoryRepository) CreateUploadSession(ctx context.Context, session models.UploadSession) error {
	if _, err := r.shard(session.ChannelID); err != nil {
		return err
	}
	r.uploadsMu.Lock()
	defer r.uploadsMu.Unlock()
	if _, exists := r.uploads[session.ID]; exists {
		return fmt.Errorf("upload session %s already exists: %w", session.ID, apperr.ErrConflict)
	}
	stored := session.Clone()
	r.uploads[session.ID] = &stored
	return nil
}

func (r *MemoryRepository) GetUploadSession(ctx context.Context, id string) (models.UploadSession, error) {
	r.uploadsMu.Lock()
	defer r.uploadsMu.Unlock()
	session, ok := r.uploads[id]
	if !ok {
		return models.UploadSession{}, fmt.Errorf("upload session %s: %w", id, apperr.ErrNotFound)
	}
	return session.Clone(), nil
}

func (r *MemoryRepository) RecordChunk(ctx context.Context, sessionID string, chunk models.ChunkRecord) (models.UploadSession, bool, error) {
	r.uploadsMu.Lock()
	defer r.uploadsMu.Unlock()
	session, ok := r.uploads[sessionID]
	if !ok {
		return models.UploadSession{}, false, fmt.Errorf("upload session %s: %w", sessionID, apperr.ErrNotFound)
	}
	if !session.Status.Open() {
		return session.Clone(), false, fmt.Errorf("upload session %s is %s: %w", sessionID, session.Status, apperr.ErrStateConflict)
	}
	if existing, ok := session.Received[chunk.Index]; ok {
		if existing.Digest != chunk.Digest {
			return session.Clone(), false, fmt.Errorf("chunk %d of %s: %w", chunk.Index, sessionID, apperr.ErrChunkConflict)
		}
		if chunk.ReceivedAt.After(session.LastActivityAt) {
			session.LastActivityAt = chunk.ReceivedAt
		}
		return session.Clone(), true, nil
	}
	if session.Received == nil {
		session.Received = make(map[int]models.ChunkRecord)
	}
	session.Received[chunk.Index] = chunk
	session.Status = models.UploadInProgress
	if chunk.ReceivedAt.After(session.LastActivityAt) {
		session.LastActivityAt = chunk.ReceivedAt
	}
	return session.Clone(), false, nil
}

func (r *MemoryRepository) TransitionUpload(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, assetID *string) (models.UploadSession, error) {
	r.uploadsMu.Lock()
	defer r.uploadsMu.Unlock()
	session, ok := r.uploads[id]
	if !ok {
		return models.UploadSession{}, fmt.Errorf("upload session %s: %w", id, apperr.ErrNotFound)
	}
	if !slices.Contains(from, session.Status) {
		return session.Clone(), fmt.Errorf("upload session %s is %s: %w", id, session.Status, apperr.ErrStateConflict)
	}
	session.Status = to
	if assetID != nil {
		value := *assetID
		session.AssetID = &value
	}
	return session.Clone(), nil
}

func (r *MemoryRepository) ListIdleUploadSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.UploadSession, error) {
	r.uploadsMu.Lock()
	defer r.uploadsMu.Unlock()
	out := make([]models.UploadSession, 0)
	for _, session := range r.uploads {
		if session.Status.Open() && session.LastActivityAt.Before(cutoff) {
			out = append(out, session.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ChannelUsage(ctx context.Context, channelID string) (int64, error) {
	if _, err := r.shard(channelID); err != nil {
		return 0, err
	}
	var total int64
	r.assetsMu.Lock()
	for _, asset := range r.assets {
		if asset.ChannelID == channelID {
			total += asset.SizeBytes
		}
	}
	r.assetsMu.Unlock()

	r.uploadsMu.Lock()
	for _, session := range r.uploads {
		if session.ChannelID == channelID && session.Status.Open() {
			total += session.TotalSize
		}
	}
	r.uploadsMu.Unlock()
	return total, nil
}

func (r *MemoryRepository) CreateAsset(ctx context.Context, asset models.MediaAsset) error {
	if _, err := r.shard(asset.ChannelID); err != nil {
		return err
	}
	r.assetsMu.Lock()
	defer r.assetsMu.Unlock()
	if _, exists := r.assets[asset.ID]; exists {
		return fmt.Errorf("asset %s already exists: %w", asset.ID, apperr.ErrConflict)
	}
	stored := cloneAsset(asset)
	r.assets[asset.ID] = &stored
	return nil
}

func (r *MemoryRepository) GetAsset(ctx context.Context, id string) (models.MediaAsset, error) {
	r.assetsMu.Lock()
	defer r.assetsMu.Unlock()
	asset, ok := r.assets[id]
	if !ok {
		return models.MediaAsset{}, fmt.Errorf("asset %s: %w", id, apperr.ErrNotFound)
	}
	return cloneAsset(*asset), nil
}

func (r *MemoryRepository) UpdateAsset(ctx context.Context, id string, fn func(*models.MediaAsset) error) (models.MediaAsset, error) {
	r.assetsMu.Lock()
	defer r.assetsMu.Unlock()
	stored, ok := r.assets[id]
	if !ok {
		return models.MediaAsset{}, fmt.Errorf("asset %s: %w", id, apperr.ErrNotFound)
	}
	working := cloneAsset(*stored)
	if err := fn(&working); err != nil {
		return cloneAsset(*stored), err
	}
	working.ID = stored.ID
	working.ChannelID = stored.ChannelID

	if working.Status == models.EncodingReady && stored.Status != models.EncodingReady {
		shard, err := r.shard(stored.ChannelID)
		if err != nil {
			return cloneAsset(*stored), err
		}
		shard.mu.Lock()
		assetID := working.ID
		shard.channel.ActiveAssetID = &assetID
		shard.channel.UpdatedAt = working.UpdatedAt
		shard.mu.Unlock()
	}
	*stored = working
	return cloneAsset(working), nil
}

func (r *MemoryRepository) ListAssets(ctx context.Context, channelID string) ([]models.MediaAsset, error) {
	if _, err := r.shard(channelID); err != nil {
		return nil, err
	}
	r.assetsMu.Lock()
	defer r.assetsMu.Unlock()
	out := make([]models.MediaAsset, 0)
	for _, asset := range r.assets {
		if asset.ChannelID == channelID {
			out = append(out, cloneAsset(*asset))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) ListAssetsByStatus(ctx context.Context, status models.EncodingStatus, limit int) ([]models.MediaAsset, error) {
	r.assetsMu.Lock()
	defer r.assetsMu.Unlock()
	out := make([]models.MediaAsset, 0)
	for _, asset := range r.assets {
		if asset.Status == status {
			out = append(out, cloneAsset(*asset))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) AppendComment(ctx context.Context, comment models.Comment) (models.Comment, error) {
	shard, err := r.shard(comment.ChannelID)
	if err != nil {
		return models.Comment{}, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	// Appends are idempotent by ID so a retried write returns the original.
	if existing, exists := shard.comments[comment.ID]; exists {
		return cloneComment(*existing), nil
	}

	logical := 0
	if highest, ok := shard.maxLogical[comment.MediaTimestamp]; ok {
		logical = highest + 1
	}
	shard.maxLogical[comment.MediaTimestamp] = logical
	shard.channel.Revision++

	stored := comment
	stored.LogicalSequence = logical
	stored.Sequence = shard.channel.Revision
	stored.Revision = shard.channel.Revision
	shard.comments[stored.ID] = &stored
	shard.record(&stored)

	r.comments.Store(stored.ID, stored.ChannelID)
	return stored, nil
}

func (r *MemoryRepository) commentShard(id string) (*channelShard, error) {
	channelID, ok := r.comments.Load(id)
	if !ok {
		return nil, fmt.Errorf("comment %s: %w", id, apperr.ErrNotFound)
	}
	return r.shard(channelID.(string))
}

func (r *MemoryRepository) GetComment(ctx context.Context, id string) (models.Comment, error) {
	shard, err := r.commentShard(id)
	if err != nil {
		return models.Comment{}, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	return cloneComment(*shard.comments[id]), nil
}

func (r *MemoryRepository) UpdateComment(ctx context.Context, id string, fn func(*models.Comment) (bool, error)) (models.Comment, bool, error) {
	shard, err := r.commentShard(id)
	if err != nil {
		return models.Comment{}, false, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	stored := shard.comments[id]
	working := cloneComment(*stored)
	changed, err := fn(&working)
	if err != nil || !changed {
		return cloneComment(*stored), false, err
	}
	shard.channel.Revision++
	stored.Content = working.Content
	stored.Deleted = working.Deleted
	stored.DeletedAt = working.DeletedAt
	stored.UpdatedAt = working.UpdatedAt
	stored.Revision = shard.channel.Revision
	shard.record(stored)
	return cloneComment(*stored), true, nil
}

func (r *MemoryRepository) ListCommentsSince(ctx context.Context, channelID string, since int64, limit int) ([]models.Comment, error) {
	shard, err := r.shard(channelID)
	if err != nil {
		return nil, err
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	start := sort.Search(len(shard.revisions), func(i int) bool { return shard.revisions[i].revision > since })
	out := make([]models.Comment, 0)
	for _, entry := range shard.revisions[start:] {
		if limit > 0 && len(out) == limit {
			break
		}
		comment := shard.comments[entry.commentID]
		if comment.Revision != entry.revision {
			continue
		}
		out = append(out, cloneComment(*comment))
	}
	return out, nil
}

func cloneChannel(channel models.FeedbackChannel) models.FeedbackChannel {
	if channel.ActiveAssetID != nil {
		id := *channel.ActiveAssetID
		channel.ActiveAssetID = &id
	}
	return channel
}

func cloneAsset(asset models.MediaAsset) models.MediaAsset {
	if asset.DurationSeconds != nil {
		d := *asset.DurationSeconds
		asset.DurationSeconds = &d
	}
	if asset.ProcessingStartedAt != nil {
		t := *asset.ProcessingStartedAt
		asset.ProcessingStartedAt = &t
	}
	if asset.ReadyAt != nil {
		t := *asset.ReadyAt
		asset.ReadyAt = &t
	}
	return asset
}

func cloneComment(comment models.Comment) models.Comment {
	if comment.DeletedAt != nil {
		t := *comment.DeletedAt
		comment.DeletedAt = &t
	}
	return comment
}
