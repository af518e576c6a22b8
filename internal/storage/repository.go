package storage

import (
	"context"
	"time"

	"frameproof/internal/models"
)

// Repository is the durable store behind channels, uploads, assets and the
// comment ledger. Implementations must keep per-channel writes independent:
// a transaction on one channel never waits on another channel.
//
// Lookups that miss return an error wrapping apperr.ErrNotFound.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateChannel(ctx context.Context, params CreateChannelParams) (models.FeedbackChannel, error)
	GetChannel(ctx context.Context, id string) (models.FeedbackChannel, error)
	AddMember(ctx context.Context, member models.ChannelMember) error
	GetMember(ctx context.Context, channelID, identity string) (models.ChannelMember, error)

	CreateUploadSession(ctx context.Context, session models.UploadSession) error
	GetUploadSession(ctx context.Context, id string) (models.UploadSession, error)
	// RecordChunk commits a chunk to an open session. An index that is already
	// committed with the same digest is a no-op reported through the returned
	// bool; a different digest fails with apperr.ErrChunkConflict.
	RecordChunk(ctx context.Context, sessionID string, chunk models.ChunkRecord) (models.UploadSession, bool, error)
	// TransitionUpload moves a session to status when its current status is one
	// of from; otherwise it fails with apperr.ErrStateConflict.
	TransitionUpload(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, assetID *string) (models.UploadSession, error)
	ListIdleUploadSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.UploadSession, error)
	// ChannelUsage reports the bytes a channel holds in assets plus the bytes
	// declared by its open upload sessions.
	ChannelUsage(ctx context.Context, channelID string) (int64, error)

	CreateAsset(ctx context.Context, asset models.MediaAsset) error
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
	// UpdateAsset applies fn to the current asset inside a transaction. When the
	// asset enters the ready state the channel's active asset is switched to it
	// in the same transaction.
	UpdateAsset(ctx context.Context, id string, fn func(*models.MediaAsset) error) (models.MediaAsset, error)
	ListAssets(ctx context.Context, channelID string) ([]models.MediaAsset, error)
	ListAssetsByStatus(ctx context.Context, status models.EncodingStatus, limit int) ([]models.MediaAsset, error)

	// AppendComment assigns the comment's logical sequence, sequence and
	// revision under the channel's row lock and stores it.
	AppendComment(ctx context.Context, comment models.Comment) (models.Comment, error)
	GetComment(ctx context.Context, id string) (models.Comment, error)
	// UpdateComment applies fn to the stored comment. When fn reports a change
	// the comment receives the channel's next revision.
	UpdateComment(ctx context.Context, id string, fn func(*models.Comment) (bool, error)) (models.Comment, bool, error)
	// ListCommentsSince returns up to limit comments with a revision greater
	// than since, ordered by revision.
	ListCommentsSince(ctx context.Context, channelID string, since int64, limit int) ([]models.Comment, error)
}

type CreateChannelParams struct {
	ID        string
	ProjectID string
	Title     string
	CreatedBy string
	CreatedAt time.Time
}
