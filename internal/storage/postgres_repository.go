package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"frameproof/internal/apperr"
	"frameproof/internal/models"
)

// PostgresRepository persists the collaboration state in Postgres. Per-channel
// serialization comes from row locks on feedback_channels, so unrelated
// channels commit independently.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a pool. Migrations must be applied separately
// (see Migrate).
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := postgresPoolConfig(dsn, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool}, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return classifyPostgresError(err)
	}
	return nil
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *PostgresRepository) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classifyPostgresError(fmt.Errorf("begin transaction: %w", err))
	}
	defer rollbackTx(ctx, tx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgresError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

const channelColumns = "id, project_id, title, active_asset_id, revision, created_by, created_at, updated_at"

func scanChannel(row pgx.Row) (models.FeedbackChannel, error) {
	var channel models.FeedbackChannel
	err := row.Scan(&channel.ID, &channel.ProjectID, &channel.Title, &channel.ActiveAssetID, &channel.Revision, &channel.CreatedBy, &channel.CreatedAt, &channel.UpdatedAt)
	return channel, err
}

func (r *PostgresRepository) CreateChannel(ctx context.Context, params CreateChannelParams) (models.FeedbackChannel, error) {
	id := strings.TrimSpace(params.ID)
	if id == "" {
		return models.FeedbackChannel{}, fmt.Errorf("%w: channel id is required", apperr.ErrInvalidInput)
	}
	createdAt := params.CreatedAt.UTC()
	var channel models.FeedbackChannel
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			"INSERT INTO feedback_channels (id, project_id, title, created_by, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5) RETURNING "+channelColumns,
			id, params.ProjectID, params.Title, params.CreatedBy, createdAt)
		var err error
		channel, err = scanChannel(row)
		if err != nil {
			return classifyPostgresError(fmt.Errorf("insert channel %s: %w", id, err))
		}
		if params.CreatedBy != "" {
			_, err = tx.Exec(ctx,
				"INSERT INTO channel_members (channel_id, identity, role, added_at) VALUES ($1, $2, $3, $4)",
				id, params.CreatedBy, string(models.RoleOwner), createdAt)
			if err != nil {
				return classifyPostgresError(fmt.Errorf("insert owner of %s: %w", id, err))
			}
		}
		return nil
	})
	return channel, err
}

func (r *PostgresRepository) GetChannel(ctx context.Context, id string) (models.FeedbackChannel, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+channelColumns+" FROM feedback_channels WHERE id = $1", id)
	channel, err := scanChannel(row)
	if err != nil {
		return models.FeedbackChannel{}, classifyPostgresError(fmt.Errorf("channel %s: %w", id, err))
	}
	return channel, nil
}

func (r *PostgresRepository) AddMember(ctx context.Context, member models.ChannelMember) error {
	if member.Role == "" {
		member.Role = models.RoleReviewer
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO channel_members (channel_id, identity, role, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id, identity) DO UPDATE
		SET role = CASE WHEN channel_members.role = 'owner' THEN 'owner' ELSE EXCLUDED.role END`,
		member.ChannelID, member.Identity, string(member.Role), member.AddedAt.UTC())
	if err != nil {
		return classifyPostgresError(fmt.Errorf("add member %s to %s: %w", member.Identity, member.ChannelID, err))
	}
	return nil
}

func (r *PostgresRepository) GetMember(ctx context.Context, channelID, identity string) (models.ChannelMember, error) {
	member := models.ChannelMember{ChannelID: channelID, Identity: identity}
	var role string
	err := r.pool.QueryRow(ctx,
		"SELECT role, added_at FROM channel_members WHERE channel_id = $1 AND identity = $2",
		channelID, identity).Scan(&role, &member.AddedAt)
	if err != nil {
		return models.ChannelMember{}, classifyPostgresError(fmt.Errorf("member %s of %s: %w", identity, channelID, err))
	}
	member.Role = models.MemberRole(role)
	return member, nil
}

const uploadColumns = "id, channel_id, filename, total_size, chunk_count, chunk_size, status, asset_id, created_by, created_at, last_activity_at"

func scanUpload(row pgx.Row) (models.UploadSession, error) {
	var session models.UploadSession
	var status string
	err := row.Scan(&session.ID, &session.ChannelID, &session.Filename, &session.TotalSize, &session.ChunkCount, &session.ChunkSize, &status, &session.AssetID, &session.CreatedBy, &session.CreatedAt, &session.LastActivityAt)
	session.Status = models.UploadStatus(status)
	return session, err
}

type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadUpload(ctx context.Context, q queryer, id string, forUpdate bool) (models.UploadSession, error) {
	query := "SELECT " + uploadColumns + " FROM upload_sessions WHERE id = $1"
	if forUpdate {
		query += " FOR UPDATE"
	}
	session, err := scanUpload(q.QueryRow(ctx, query, id))
	if err != nil {
		return models.UploadSession{}, classifyPostgresError(fmt.Errorf("upload session %s: %w", id, err))
	}
	rows, err := q.Query(ctx, "SELECT chunk_index, digest, size, received_at FROM upload_chunks WHERE session_id = $1", id)
	if err != nil {
		return models.UploadSession{}, classifyPostgresError(fmt.Errorf("load chunks of %s: %w", id, err))
	}
	defer rows.Close()
	session.Received = make(map[int]models.ChunkRecord)
	for rows.Next() {
		var chunk models.ChunkRecord
		if err := rows.Scan(&chunk.Index, &chunk.Digest, &chunk.Size, &chunk.ReceivedAt); err != nil {
			return models.UploadSession{}, classifyPostgresError(fmt.Errorf("scan chunk of %s: %w", id, err))
		}
		session.Received[chunk.Index] = chunk
	}
	if err := rows.Err(); err != nil {
		return models.UploadSession{}, classifyPostgresError(fmt.Errorf("load chunks of %s: %w", id, err))
	}
	return session, nil
}

func (r *PostgresRepository) CreateUploadSession(ctx context.Context, session models.UploadSession) error {
	_, err := r.pool.Exec(ctx,
		"INSERT INTO upload_sessions ("+uploadColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)",
		session.ID, session.ChannelID, session.Filename, session.TotalSize, session.ChunkCount, session.ChunkSize,
		string(session.Status), session.AssetID, session.CreatedBy, session.CreatedAt.UTC(), session.LastActivityAt.UTC())
	if err != nil {
		return classifyPostgresError(fmt.Errorf("insert upload session %s: %w", session.ID, err))
	}
	return nil
}

func (r *PostgresRepository) GetUploadSession(ctx context.Context, id string) (models.UploadSession, error) {
	return loadUpload(ctx, r.pool, id, false)
}

func (r *PostgresRepository) RecordChunk(ctx context.Context, sessionID string, chunk models.ChunkRecord) (models.UploadSession, bool, error) {
	var (
		session   models.UploadSession
		duplicate bool
	)
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		current, err := loadUpload(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if !current.Status.Open() {
			session = current
			return fmt.Errorf("upload session %s is %s: %w", sessionID, current.Status, apperr.ErrStateConflict)
		}
		if existing, ok := current.Received[chunk.Index]; ok {
			if existing.Digest != chunk.Digest {
				session = current
				return fmt.Errorf("chunk %d of %s: %w", chunk.Index, sessionID, apperr.ErrChunkConflict)
			}
			duplicate = true
		} else {
			_, err = tx.Exec(ctx,
				"INSERT INTO upload_chunks (session_id, chunk_index, digest, size, received_at) VALUES ($1, $2, $3, $4, $5)",
				sessionID, chunk.Index, chunk.Digest, chunk.Size, chunk.ReceivedAt.UTC())
			if err != nil {
				return classifyPostgresError(fmt.Errorf("insert chunk %d of %s: %w", chunk.Index, sessionID, err))
			}
			current.Received[chunk.Index] = chunk
			current.Status = models.UploadInProgress
		}
		if chunk.ReceivedAt.After(current.LastActivityAt) {
			current.LastActivityAt = chunk.ReceivedAt
		}
		_, err = tx.Exec(ctx,
			"UPDATE upload_sessions SET status = $2, last_activity_at = $3 WHERE id = $1",
			sessionID, string(current.Status), current.LastActivityAt.UTC())
		if err != nil {
			return classifyPostgresError(fmt.Errorf("touch upload session %s: %w", sessionID, err))
		}
		session = current
		return nil
	})
	return session, duplicate, err
}

func (r *PostgresRepository) TransitionUpload(ctx context.Context, id string, from []models.UploadStatus, to models.UploadStatus, assetID *string) (models.UploadSession, error) {
	var session models.UploadSession
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		current, err := loadUpload(ctx, tx, id, true)
		if err != nil {
			return err
		}
		session = current
		allowed := false
		for _, status := range from {
			if current.Status == status {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("upload session %s is %s: %w", id, current.Status, apperr.ErrStateConflict)
		}
		if assetID != nil {
			current.AssetID = assetID
		}
		current.Status = to
		_, err = tx.Exec(ctx, "UPDATE upload_sessions SET status = $2, asset_id = $3 WHERE id = $1", id, string(to), current.AssetID)
		if err != nil {
			return classifyPostgresError(fmt.Errorf("update upload session %s: %w", id, err))
		}
		session = current
		return nil
	})
	return session, err
}

func (r *PostgresRepository) ListIdleUploadSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.UploadSession, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		"SELECT id FROM upload_sessions WHERE status IN ($1, $2) AND last_activity_at < $3 ORDER BY last_activity_at LIMIT $4",
		string(models.UploadInitiated), string(models.UploadInProgress), cutoff.UTC(), limit)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list idle uploads: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list idle uploads: %w", err))
	}
	out := make([]models.UploadSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.GetUploadSession(ctx, id)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, session)
	}
	return out, nil
}

func (r *PostgresRepository) ChannelUsage(ctx context.Context, channelID string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(size_bytes) FROM media_assets WHERE channel_id = $1), 0) +
			COALESCE((SELECT SUM(total_size) FROM upload_sessions WHERE channel_id = $1 AND status IN ($2, $3)), 0)
		FROM feedback_channels WHERE id = $1`,
		channelID, string(models.UploadInitiated), string(models.UploadInProgress)).Scan(&total)
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("channel usage %s: %w", channelID, err))
	}
	return total, nil
}

const assetColumns = "id, channel_id, upload_id, filename, source_locator, size_bytes, status, attempts, failure_reason, playback_locator, duration_seconds, created_at, updated_at, processing_started_at, ready_at"

func scanAsset(row pgx.Row) (models.MediaAsset, error) {
	var asset models.MediaAsset
	var status string
	err := row.Scan(&asset.ID, &asset.ChannelID, &asset.UploadID, &asset.Filename, &asset.SourceLocator, &asset.SizeBytes,
		&status, &asset.Attempts, &asset.FailureReason, &asset.PlaybackLocator, &asset.DurationSeconds,
		&asset.CreatedAt, &asset.UpdatedAt, &asset.ProcessingStartedAt, &asset.ReadyAt)
	asset.Status = models.EncodingStatus(status)
	return asset, err
}

func (r *PostgresRepository) CreateAsset(ctx context.Context, asset models.MediaAsset) error {
	_, err := r.pool.Exec(ctx,
		"INSERT INTO media_assets ("+assetColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)",
		asset.ID, asset.ChannelID, asset.UploadID, asset.Filename, asset.SourceLocator, asset.SizeBytes,
		string(asset.Status), asset.Attempts, asset.FailureReason, asset.PlaybackLocator, asset.DurationSeconds,
		asset.CreatedAt.UTC(), asset.UpdatedAt.UTC(), asset.ProcessingStartedAt, asset.ReadyAt)
	if err != nil {
		return classifyPostgresError(fmt.Errorf("insert asset %s: %w", asset.ID, err))
	}
	return nil
}

func (r *PostgresRepository) GetAsset(ctx context.Context, id string) (models.MediaAsset, error) {
	asset, err := scanAsset(r.pool.QueryRow(ctx, "SELECT "+assetColumns+" FROM media_assets WHERE id = $1", id))
	if err != nil {
		return models.MediaAsset{}, classifyPostgresError(fmt.Errorf("asset %s: %w", id, err))
	}
	return asset, nil
}

func (r *PostgresRepository) UpdateAsset(ctx context.Context, id string, fn func(*models.MediaAsset) error) (models.MediaAsset, error) {
	var result models.MediaAsset
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		current, err := scanAsset(tx.QueryRow(ctx, "SELECT "+assetColumns+" FROM media_assets WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return classifyPostgresError(fmt.Errorf("asset %s: %w", id, err))
		}
		result = current
		working := current
		if err := fn(&working); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE media_assets SET status = $2, attempts = $3, failure_reason = $4, playback_locator = $5,
				duration_seconds = $6, updated_at = $7, processing_started_at = $8, ready_at = $9
			WHERE id = $1`,
			id, string(working.Status), working.Attempts, working.FailureReason, working.PlaybackLocator,
			working.DurationSeconds, working.UpdatedAt.UTC(), working.ProcessingStartedAt, working.ReadyAt)
		if err != nil {
			return classifyPostgresError(fmt.Errorf("update asset %s: %w", id, err))
		}
		if working.Status == models.EncodingReady && current.Status != models.EncodingReady {
			_, err = tx.Exec(ctx, "UPDATE feedback_channels SET active_asset_id = $2, updated_at = $3 WHERE id = $1",
				current.ChannelID, id, working.UpdatedAt.UTC())
			if err != nil {
				return classifyPostgresError(fmt.Errorf("promote asset %s: %w", id, err))
			}
		}
		working.ID = current.ID
		working.ChannelID = current.ChannelID
		result = working
		return nil
	})
	return result, err
}

func (r *PostgresRepository) queryAssets(ctx context.Context, query string, args ...any) ([]models.MediaAsset, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list assets: %w", err))
	}
	defer rows.Close()
	out := make([]models.MediaAsset, 0)
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, classifyPostgresError(fmt.Errorf("scan asset: %w", err))
		}
		out = append(out, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list assets: %w", err))
	}
	return out, nil
}

func (r *PostgresRepository) ListAssets(ctx context.Context, channelID string) ([]models.MediaAsset, error) {
	if _, err := r.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	return r.queryAssets(ctx, "SELECT "+assetColumns+" FROM media_assets WHERE channel_id = $1 ORDER BY created_at, id", channelID)
}

func (r *PostgresRepository) ListAssetsByStatus(ctx context.Context, status models.EncodingStatus, limit int) ([]models.MediaAsset, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryAssets(ctx, "SELECT "+assetColumns+" FROM media_assets WHERE status = $1 ORDER BY updated_at LIMIT $2", string(status), limit)
}

const commentColumns = "id, channel_id, author, media_timestamp, logical_sequence, sequence, revision, content, kind, deleted, created_at, updated_at, deleted_at"

func scanComment(row pgx.Row) (models.Comment, error) {
	var comment models.Comment
	var kind string
	err := row.Scan(&comment.ID, &comment.ChannelID, &comment.Author, &comment.MediaTimestamp, &comment.LogicalSequence,
		&comment.Sequence, &comment.Revision, &comment.Content, &kind, &comment.Deleted,
		&comment.CreatedAt, &comment.UpdatedAt, &comment.DeletedAt)
	comment.Kind = models.CommentKind(kind)
	return comment, err
}

// lockChannel takes the channel row lock that serializes ledger writes and
// advances its revision counter.
func lockChannel(ctx context.Context, tx pgx.Tx, channelID string, at time.Time) (int64, error) {
	var revision int64
	err := tx.QueryRow(ctx,
		"UPDATE feedback_channels SET revision = revision + 1, updated_at = $2 WHERE id = $1 RETURNING revision",
		channelID, at.UTC()).Scan(&revision)
	if err != nil {
		return 0, classifyPostgresError(fmt.Errorf("lock channel %s: %w", channelID, err))
	}
	return revision, nil
}

func (r *PostgresRepository) AppendComment(ctx context.Context, comment models.Comment) (models.Comment, error) {
	var stored models.Comment
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		revision, err := lockChannel(ctx, tx, comment.ChannelID, comment.CreatedAt)
		if err != nil {
			return err
		}
		existing, err := scanComment(tx.QueryRow(ctx, "SELECT "+commentColumns+" FROM comments WHERE id = $1", comment.ID))
		if err == nil {
			// Retried append whose first attempt committed; the revision bump is
			// rolled back with the transaction.
			stored = existing
			return errAlreadyStored
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return classifyPostgresError(fmt.Errorf("check comment %s: %w", comment.ID, err))
		}

		var logical int
		err = tx.QueryRow(ctx,
			"SELECT COALESCE(MAX(logical_sequence), -1) + 1 FROM comments WHERE channel_id = $1 AND media_timestamp = $2",
			comment.ChannelID, comment.MediaTimestamp).Scan(&logical)
		if err != nil {
			return classifyPostgresError(fmt.Errorf("next logical sequence: %w", err))
		}

		comment.LogicalSequence = logical
		comment.Sequence = revision
		comment.Revision = revision
		_, err = tx.Exec(ctx,
			"INSERT INTO comments ("+commentColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)",
			comment.ID, comment.ChannelID, comment.Author, comment.MediaTimestamp, comment.LogicalSequence,
			comment.Sequence, comment.Revision, comment.Content, string(comment.Kind), comment.Deleted,
			comment.CreatedAt.UTC(), comment.UpdatedAt.UTC(), comment.DeletedAt)
		if err != nil {
			return classifyPostgresError(fmt.Errorf("insert comment %s: %w", comment.ID, err))
		}
		stored = comment
		return nil
	})
	if errors.Is(err, errAlreadyStored) {
		return stored, nil
	}
	return stored, err
}

var errAlreadyStored = errors.New("already stored")

func (r *PostgresRepository) GetComment(ctx context.Context, id string) (models.Comment, error) {
	comment, err := scanComment(r.pool.QueryRow(ctx, "SELECT "+commentColumns+" FROM comments WHERE id = $1", id))
	if err != nil {
		return models.Comment{}, classifyPostgresError(fmt.Errorf("comment %s: %w", id, err))
	}
	return comment, nil
}

func (r *PostgresRepository) UpdateComment(ctx context.Context, id string, fn func(*models.Comment) (bool, error)) (models.Comment, bool, error) {
	current, err := r.GetComment(ctx, id)
	if err != nil {
		return models.Comment{}, false, err
	}
	var (
		result  = current
		changed bool
	)
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		// Channel row first, then the comment row, matching AppendComment.
		if _, err := tx.Exec(ctx, "SELECT 1 FROM feedback_channels WHERE id = $1 FOR UPDATE", current.ChannelID); err != nil {
			return classifyPostgresError(fmt.Errorf("lock channel %s: %w", current.ChannelID, err))
		}
		locked, err := scanComment(tx.QueryRow(ctx, "SELECT "+commentColumns+" FROM comments WHERE id = $1 FOR UPDATE", id))
		if err != nil {
			return classifyPostgresError(fmt.Errorf("comment %s: %w", id, err))
		}
		result = locked
		working := locked
		changed, err = fn(&working)
		if err != nil || !changed {
			return err
		}
		revision, err := lockChannel(ctx, tx, locked.ChannelID, working.UpdatedAt)
		if err != nil {
			return err
		}
		working.Revision = revision
		_, err = tx.Exec(ctx,
			"UPDATE comments SET content = $2, deleted = $3, deleted_at = $4, updated_at = $5, revision = $6 WHERE id = $1",
			id, working.Content, working.Deleted, working.DeletedAt, working.UpdatedAt.UTC(), working.Revision)
		if err != nil {
			return classifyPostgresError(fmt.Errorf("update comment %s: %w", id, err))
		}
		result = locked
		result.Content = working.Content
		result.Deleted = working.Deleted
		result.DeletedAt = working.DeletedAt
		result.UpdatedAt = working.UpdatedAt
		result.Revision = working.Revision
		return nil
	})
	if err != nil {
		return result, false, err
	}
	return result, changed, nil
}

func (r *PostgresRepository) ListCommentsSince(ctx context.Context, channelID string, since int64, limit int) ([]models.Comment, error) {
	if limit <= 0 {
		limit = 500
	}
	if _, err := r.GetChannel(ctx, channelID); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+commentColumns+" FROM comments WHERE channel_id = $1 AND revision > $2 ORDER BY revision LIMIT $3",
		channelID, since, limit)
	if err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list comments of %s: %w", channelID, err))
	}
	defer rows.Close()
	out := make([]models.Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, classifyPostgresError(fmt.Errorf("scan comment: %w", err))
		}
		out = append(out, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(fmt.Errorf("list comments of %s: %w", channelID, err))
	}
	return out, nil
}

var _ Repository = (*PostgresRepository)(nil)
var _ Repository = (*MemoryRepository)(nil)
