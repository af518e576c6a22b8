package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"frameproof/internal/apperr"
	"frameproof/internal/models"
	"frameproof/internal/storage"
)

type repositoryFactory func(t *testing.T) storage.Repository

// runRepositoryScenarios exercises behaviour every Repository must share.
func runRepositoryScenarios(t *testing.T, factory repositoryFactory) {
	t.Run("ChannelMembership", func(t *testing.T) { scenarioChannelMembership(t, factory(t)) })
	t.Run("ConcurrentAppendsAtSameTimestamp", func(t *testing.T) { scenarioConcurrentAppends(t, factory(t)) })
	t.Run("AppendIsIdempotentByID", func(t *testing.T) { scenarioAppendIdempotent(t, factory(t)) })
	t.Run("UpdateCommentAdvancesRevision", func(t *testing.T) { scenarioUpdateComment(t, factory(t)) })
	t.Run("PagedListAfterRepeatedEdits", func(t *testing.T) { scenarioPagedListAfterEdits(t, factory(t)) })
	t.Run("UploadChunksAndTransitions", func(t *testing.T) { scenarioUploads(t, factory(t)) })
	t.Run("AssetPromotion", func(t *testing.T) { scenarioAssetPromotion(t, factory(t)) })
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustCreateChannel(t *testing.T, repo storage.Repository, owner string) models.FeedbackChannel {
	t.Helper()
	channel, err := repo.CreateChannel(context.Background(), storage.CreateChannelParams{
		ID:        uuid.NewString(),
		ProjectID: "project-1",
		Title:     "Cut v3",
		CreatedBy: owner,
		CreatedAt: baseTime,
	})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return channel
}

func newComment(channelID, author string, ts float64) models.Comment {
	id, _ := uuid.NewV7()
	return models.Comment{
		ID:             id.String(),
		ChannelID:      channelID,
		Author:         author,
		MediaTimestamp: ts,
		Content:        "note from " + author,
		Kind:           models.CommentGeneral,
		CreatedAt:      baseTime,
		UpdatedAt:      baseTime,
	}
}

func scenarioChannelMembership(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	channel := mustCreateChannel(t, repo, "owner")

	member, err := repo.GetMember(ctx, channel.ID, "owner")
	if err != nil {
		t.Fatalf("GetMember owner: %v", err)
	}
	if member.Role != models.RoleOwner {
		t.Fatalf("expected owner role, got %q", member.Role)
	}
	if _, err := repo.GetMember(ctx, channel.ID, "stranger"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for stranger, got %v", err)
	}
	if err := repo.AddMember(ctx, models.ChannelMember{ChannelID: channel.ID, Identity: "alice", AddedAt: baseTime}); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	// Re-adding the owner as a reviewer must not demote them.
	if err := repo.AddMember(ctx, models.ChannelMember{ChannelID: channel.ID, Identity: "owner", Role: models.RoleReviewer, AddedAt: baseTime}); err != nil {
		t.Fatalf("AddMember owner: %v", err)
	}
	member, err = repo.GetMember(ctx, channel.ID, "owner")
	if err != nil || member.Role != models.RoleOwner {
		t.Fatalf("expected owner to stay owner, got %+v, %v", member, err)
	}
	if _, err := repo.GetChannel(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found channel, got %v", err)
	}
}

func scenarioConcurrentAppends(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	channel := mustCreateChannel(t, repo, "owner")

	const writers = 16
	var wg sync.WaitGroup
	results := make(chan models.Comment, writers)
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			stored, err := repo.AppendComment(ctx, newComment(channel.ID, fmt.Sprintf("author-%d", i), 12.5))
			if err != nil {
				errs <- err
				return
			}
			results <- stored
		}(i)
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		t.Fatalf("AppendComment: %v", err)
	}

	logical := make(map[int]bool)
	revisions := make(map[int64]bool)
	for comment := range results {
		if logical[comment.LogicalSequence] {
			t.Fatalf("duplicate logical sequence %d", comment.LogicalSequence)
		}
		logical[comment.LogicalSequence] = true
		revisions[comment.Revision] = true
	}
	for i := 0; i < writers; i++ {
		if !logical[i] {
			t.Fatalf("missing logical sequence %d", i)
		}
	}
	if len(revisions) != writers {
		t.Fatalf("expected %d distinct revisions, got %d", writers, len(revisions))
	}

	listed, err := repo.ListCommentsSince(ctx, channel.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListCommentsSince: %v", err)
	}
	if len(listed) != writers {
		t.Fatalf("expected %d comments, got %d", writers, len(listed))
	}

	// A different timestamp starts its own logical sequence at zero.
	other, err := repo.AppendComment(ctx, newComment(channel.ID, "late", 3))
	if err != nil {
		t.Fatalf("AppendComment: %v", err)
	}
	if other.LogicalSequence != 0 {
		t.Fatalf("expected logical sequence 0 at new timestamp, got %d", other.LogicalSequence)
	}
}

func scenarioAppendIdempotent(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	channel := mustCreateChannel(t, repo, "owner")
	comment := newComment(channel.ID, "owner", 0)

	first, err := repo.AppendComment(ctx, comment)
	if err != nil {
		t.Fatalf("AppendComment: %v", err)
	}
	second, err := repo.AppendComment(ctx, comment)
	if err != nil {
		t.Fatalf("AppendComment retry: %v", err)
	}
	if first.Revision != second.Revision || first.LogicalSequence != second.LogicalSequence {
		t.Fatalf("retry produced a different comment: %+v vs %+v", first, second)
	}
	listed, err := repo.ListCommentsSince(ctx, channel.ID, -1, 0)
	if err != nil {
		t.Fatalf("ListCommentsSince: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected one stored comment, got %d", len(listed))
	}
}

func scenarioUpdateComment(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	channel := mustCreateChannel(t, repo, "owner")
	first, err := repo.AppendComment(ctx, newComment(channel.ID, "owner", 1))
	if err != nil {
		t.Fatalf("AppendComment: %v", err)
	}
	second, err := repo.AppendComment(ctx, newComment(channel.ID, "owner", 2))
	if err != nil {
		t.Fatalf("AppendComment: %v", err)
	}

	updated, changed, err := repo.UpdateComment(ctx, first.ID, func(c *models.Comment) (bool, error) {
		c.Content = "edited"
		c.UpdatedAt = baseTime.Add(time.Minute)
		return true, nil
	})
	if err != nil || !changed {
		t.Fatalf("UpdateComment: changed=%v err=%v", changed, err)
	}
	if updated.Revision <= second.Revision {
		t.Fatalf("expected revision beyond %d, got %d", second.Revision, updated.Revision)
	}
	if updated.Sequence != first.Sequence || updated.LogicalSequence != first.LogicalSequence {
		t.Fatalf("update changed ordering fields: %+v", updated)
	}

	_, changed, err = repo.UpdateComment(ctx, first.ID, func(c *models.Comment) (bool, error) { return false, nil })
	if err != nil || changed {
		t.Fatalf("expected no-op update, changed=%v err=%v", changed, err)
	}

	sentinel := errors.New("rejected")
	if _, _, err := repo.UpdateComment(ctx, first.ID, func(c *models.Comment) (bool, error) { return false, sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}

	since, err := repo.ListCommentsSince(ctx, channel.ID, second.Revision, 0)
	if err != nil {
		t.Fatalf("ListCommentsSince: %v", err)
	}
	if len(since) != 1 || since[0].ID != first.ID || since[0].Content != "edited" {
		t.Fatalf("expected only the edited comment, got %+v", since)
	}
	if _, _, err := repo.UpdateComment(ctx, "missing", func(c *models.Comment) (bool, error) { return true, nil }); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func scenarioPagedListAfterEdits(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	channel := mustCreateChannel(t, repo, "owner")
	var ids []string
	for i := 0; i < 10; i++ {
		c, err := repo.AppendComment(ctx, newComment(channel.ID, "owner", float64(i)))
		if err != nil {
			t.Fatalf("AppendComment: %v", err)
		}
		ids = append(ids, c.ID)
	}
	edit := func(id string, n int) {
		for i := 0; i < n; i++ {
			if _, _, err := repo.UpdateComment(ctx, id, func(c *models.Comment) (bool, error) {
				c.Content = fmt.Sprintf("edit %d", i)
				return true, nil
			}); err != nil {
				t.Fatalf("UpdateComment: %v", err)
			}
		}
	}
	edit(ids[0], 15)
	edit(ids[3], 2)

	seen := make(map[string]models.Comment)
	var cursor int64
	for {
		page, err := repo.ListCommentsSince(ctx, channel.ID, cursor, 3)
		if err != nil {
			t.Fatalf("ListCommentsSince: %v", err)
		}
		for _, c := range page {
			if c.Revision <= cursor {
				t.Fatalf("revision %d not above cursor %d", c.Revision, cursor)
			}
			if _, dup := seen[c.ID]; dup {
				t.Fatalf("comment %s listed twice", c.ID)
			}
			seen[c.ID] = c
			cursor = c.Revision
		}
		if len(page) < 3 {
			break
		}
	}
	if len(seen) != len(ids) {
		t.Fatalf("listed %d comments, want %d", len(seen), len(ids))
	}
	if got := seen[ids[0]].Content; got != "edit 14" {
		t.Fatalf("first comment content = %q", got)
	}
	if got := seen[ids[3]].Content; got != "edit 1" {
		t.Fatalf("fourth comment content = %q", got)
	}
	stored, err := repo.GetChannel(ctx, channel.ID)
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if cursor != stored.Revision {
		t.Fatalf("paging stopped at %d, channel revision %d", cursor, stored.Revision)
	}
}

func scenarioUploads(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	channel := mustCreateChannel(t, repo, "owner")
	session := models.UploadSession{
		ID:             uuid.NewString(),
		ChannelID:      channel.ID,
		Filename:       "cut.mov",
		TotalSize:      10,
		ChunkCount:     2,
		ChunkSize:      5,
		Status:         models.UploadInitiated,
		CreatedBy:      "owner",
		CreatedAt:      baseTime,
		LastActivityAt: baseTime,
	}
	if err := repo.CreateUploadSession(ctx, session); err != nil {
		t.Fatalf("CreateUploadSession: %v", err)
	}
	usage, err := repo.ChannelUsage(ctx, channel.ID)
	if err != nil || usage != 10 {
		t.Fatalf("expected usage 10, got %d (%v)", usage, err)
	}

	chunk := models.ChunkRecord{Index: 1, Digest: "aa", Size: 5, ReceivedAt: baseTime.Add(time.Second)}
	stored, duplicate, err := repo.RecordChunk(ctx, session.ID, chunk)
	if err != nil || duplicate {
		t.Fatalf("RecordChunk: duplicate=%v err=%v", duplicate, err)
	}
	if stored.Status != models.UploadInProgress || len(stored.Received) != 1 {
		t.Fatalf("unexpected session after chunk: %+v", stored)
	}
	if _, duplicate, err = repo.RecordChunk(ctx, session.ID, chunk); err != nil || !duplicate {
		t.Fatalf("expected duplicate chunk no-op, duplicate=%v err=%v", duplicate, err)
	}
	conflicting := chunk
	conflicting.Digest = "bb"
	if _, _, err = repo.RecordChunk(ctx, session.ID, conflicting); !errors.Is(err, apperr.ErrChunkConflict) {
		t.Fatalf("expected chunk conflict, got %v", err)
	}

	idle, err := repo.ListIdleUploadSessions(ctx, baseTime.Add(time.Hour), 10)
	if err != nil || len(idle) != 1 {
		t.Fatalf("expected one idle session, got %d (%v)", len(idle), err)
	}
	idle, err = repo.ListIdleUploadSessions(ctx, baseTime, 10)
	if err != nil || len(idle) != 0 {
		t.Fatalf("expected no idle session before activity, got %d (%v)", len(idle), err)
	}

	expired, err := repo.TransitionUpload(ctx, session.ID, []models.UploadStatus{models.UploadInitiated, models.UploadInProgress}, models.UploadExpired, nil)
	if err != nil || expired.Status != models.UploadExpired {
		t.Fatalf("TransitionUpload: %+v %v", expired, err)
	}
	if _, err := repo.TransitionUpload(ctx, session.ID, []models.UploadStatus{models.UploadInProgress}, models.UploadCompleted, nil); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if _, _, err := repo.RecordChunk(ctx, session.ID, models.ChunkRecord{Index: 0, Digest: "cc", Size: 5, ReceivedAt: baseTime}); !errors.Is(err, apperr.ErrStateConflict) {
		t.Fatalf("expected closed session to reject chunks, got %v", err)
	}
}

func scenarioAssetPromotion(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	channel := mustCreateChannel(t, repo, "owner")

	makeAsset := func(id string, created time.Time) models.MediaAsset {
		return models.MediaAsset{
			ID:            id,
			ChannelID:     channel.ID,
			UploadID:      "upload-" + id,
			Filename:      id + ".mov",
			SourceLocator: "assets/" + id,
			SizeBytes:     42,
			Status:        models.EncodingQueued,
			Attempts:      1,
			CreatedAt:     created,
			UpdatedAt:     created,
		}
	}
	first := makeAsset(uuid.NewString(), baseTime)
	second := makeAsset(uuid.NewString(), baseTime.Add(time.Minute))
	for _, asset := range []models.MediaAsset{first, second} {
		if err := repo.CreateAsset(ctx, asset); err != nil {
			t.Fatalf("CreateAsset: %v", err)
		}
	}

	markReady := func(id, locator string) {
		t.Helper()
		_, err := repo.UpdateAsset(ctx, id, func(a *models.MediaAsset) error {
			a.Status = models.EncodingReady
			a.PlaybackLocator = locator
			a.UpdatedAt = baseTime.Add(2 * time.Minute)
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateAsset: %v", err)
		}
	}
	markReady(first.ID, "https://cdn/first.m3u8")
	channelState, err := repo.GetChannel(ctx, channel.ID)
	if err != nil || channelState.ActiveAssetID == nil || *channelState.ActiveAssetID != first.ID {
		t.Fatalf("expected first asset active, got %+v (%v)", channelState, err)
	}
	markReady(second.ID, "https://cdn/second.m3u8")
	channelState, err = repo.GetChannel(ctx, channel.ID)
	if err != nil || channelState.ActiveAssetID == nil || *channelState.ActiveAssetID != second.ID {
		t.Fatalf("expected second asset active, got %+v (%v)", channelState, err)
	}

	history, err := repo.ListAssets(ctx, channel.ID)
	if err != nil || len(history) != 2 {
		t.Fatalf("expected two assets in history, got %d (%v)", len(history), err)
	}
	if history[0].ID != first.ID || history[0].PlaybackLocator != "https://cdn/first.m3u8" {
		t.Fatalf("history lost the first asset: %+v", history[0])
	}

	ready, err := repo.ListAssetsByStatus(ctx, models.EncodingReady, 10)
	if err != nil || len(ready) < 2 {
		t.Fatalf("expected ready assets, got %d (%v)", len(ready), err)
	}
	usage, err := repo.ChannelUsage(ctx, channel.ID)
	if err != nil || usage != 84 {
		t.Fatalf("expected usage 84, got %d (%v)", usage, err)
	}
}
