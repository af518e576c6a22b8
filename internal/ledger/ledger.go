// Package ledger owns the ordered, timestamp-anchored comment history of each
// feedback channel. Mutations on one channel are serialized and published to
// the hub before the channel is released, so subscribers observe commit order.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/keyedlock"
	"frameproof/internal/models"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
)

const (
	DefaultMaxContentLength = 4000
	DefaultPageSize         = 200
)

// Store is the slice of the repository the ledger needs.
type Store interface {
	GetChannel(ctx context.Context, id string) (models.FeedbackChannel, error)
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
	AppendComment(ctx context.Context, comment models.Comment) (models.Comment, error)
	GetComment(ctx context.Context, id string) (models.Comment, error)
	UpdateComment(ctx context.Context, id string, fn func(*models.Comment) (bool, error)) (models.Comment, bool, error)
	ListCommentsSince(ctx context.Context, channelID string, since int64, limit int) ([]models.Comment, error)
}

// Publisher receives one event per committed mutation.
type Publisher interface {
	Publish(ctx context.Context, channelID string, event hub.Event)
}

type Config struct {
	Store            Store
	Publisher        Publisher
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	Retry            apperr.RetryPolicy
	MaxContentLength int
	PageSize         int
	Now              func() time.Time
}

type Ledger struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Recorder
	retry     apperr.RetryPolicy
	maxLen    int
	pageSize  int
	now       func() time.Time

	locks keyedlock.Map
}

// AppendParams describes a new comment.
type AppendParams struct {
	ChannelID string
	Author    string
	Timestamp float64
	Content   string
	Kind      models.CommentKind
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, errors.New("ledger store is required")
	}
	l := &Ledger{
		store:     cfg.Store,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		retry:     cfg.Retry,
		maxLen:    cfg.MaxContentLength,
		pageSize:  cfg.PageSize,
		now:       cfg.Now,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = logging.WithComponent(l.logger, "ledger")
	if l.retry.Attempts == 0 {
		l.retry = apperr.DefaultRetryPolicy
	}
	if l.maxLen <= 0 {
		l.maxLen = DefaultMaxContentLength
	}
	if l.pageSize <= 0 {
		l.pageSize = DefaultPageSize
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	return l, nil
}

// Append stores a new comment at params.Timestamp. Its logical sequence is one
// more than the highest already stored at that exact timestamp.
func (l *Ledger) Append(ctx context.Context, params AppendParams) (models.Comment, error) {
	content, err := l.normalizeContent(params.Content)
	if err != nil {
		return models.Comment{}, err
	}
	kind := params.Kind
	if kind == "" {
		kind = models.CommentGeneral
	}
	if !kind.Valid() {
		return models.Comment{}, fmt.Errorf("comment kind %q: %w", kind, apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(params.Author) == "" {
		return models.Comment{}, fmt.Errorf("author is required: %w", apperr.ErrInvalidInput)
	}
	if err := l.validateTimestamp(ctx, params.ChannelID, params.Timestamp); err != nil {
		return models.Comment{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.Comment{}, fmt.Errorf("generate comment id: %w", err)
	}
	now := l.now()
	draft := models.Comment{
		ID:             id.String(),
		ChannelID:      params.ChannelID,
		Author:         params.Author,
		MediaTimestamp: params.Timestamp,
		Content:        content,
		Kind:           kind,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	unlock, err := l.locks.Lock(ctx, params.ChannelID)
	if err != nil {
		return models.Comment{}, err
	}
	defer unlock()

	var stored models.Comment
	err = apperr.Retry(ctx, l.retry, func(ctx context.Context) error {
		var appendErr error
		stored, appendErr = l.store.AppendComment(ctx, draft)
		return appendErr
	})
	if err != nil {
		return models.Comment{}, fmt.Errorf("append comment: %w", err)
	}
	l.publish(ctx, hub.EventCommentCreated, stored)
	l.metrics.LedgerMutation("append")
	logging.WithContext(ctx, l.logger).Debug("comment appended",
		"channel_id", stored.ChannelID,
		"comment_id", stored.ID,
		"revision", stored.Revision,
		"logical_sequence", stored.LogicalSequence,
	)
	return stored, nil
}

// Edit replaces a comment's content. Only the author may edit; deleted and
// unknown comments are reported as not found. Editing to identical content
// returns the comment unchanged.
func (l *Ledger) Edit(ctx context.Context, commentID, author, newContent string) (models.Comment, error) {
	content, err := l.normalizeContent(newContent)
	if err != nil {
		return models.Comment{}, err
	}
	return l.mutate(ctx, commentID, hub.EventCommentUpdated, "edit", func(c *models.Comment) (bool, error) {
		if c.Deleted {
			return false, fmt.Errorf("comment %s: %w", c.ID, apperr.ErrNotFound)
		}
		if c.Author != author {
			return false, fmt.Errorf("edit comment %s: %w", c.ID, apperr.ErrForbidden)
		}
		if c.Content == content {
			return false, nil
		}
		c.Content = content
		c.UpdatedAt = l.now()
		return true, nil
	})
}

// SoftDelete tombstones a comment. Deleting an already deleted comment is a
// no-op for its author.
func (l *Ledger) SoftDelete(ctx context.Context, commentID, author string) error {
	_, err := l.mutate(ctx, commentID, hub.EventCommentDeleted, "delete", func(c *models.Comment) (bool, error) {
		if c.Author != author {
			return false, fmt.Errorf("delete comment %s: %w", c.ID, apperr.ErrForbidden)
		}
		if c.Deleted {
			return false, nil
		}
		now := l.now()
		c.Deleted = true
		c.DeletedAt = &now
		c.UpdatedAt = now
		c.Content = ""
		return true, nil
	})
	return err
}

func (l *Ledger) mutate(ctx context.Context, commentID string, eventType hub.EventType, op string, fn func(*models.Comment) (bool, error)) (models.Comment, error) {
	current, err := l.store.GetComment(ctx, commentID)
	if err != nil {
		return models.Comment{}, err
	}
	unlock, err := l.locks.Lock(ctx, current.ChannelID)
	if err != nil {
		return models.Comment{}, err
	}
	defer unlock()

	var (
		updated models.Comment
		changed bool
	)
	err = apperr.Retry(ctx, l.retry, func(ctx context.Context) error {
		var updateErr error
		updated, changed, updateErr = l.store.UpdateComment(ctx, commentID, fn)
		return updateErr
	})
	if err != nil {
		return models.Comment{}, err
	}
	if changed {
		l.publish(ctx, eventType, updated)
		l.metrics.LedgerMutation(op)
	}
	return updated, nil
}

// Get returns a single comment, including tombstones.
func (l *Ledger) Get(ctx context.Context, commentID string) (models.Comment, error) {
	return l.store.GetComment(ctx, commentID)
}

// ListSince yields every comment of channelID whose revision is greater than
// since, in revision order, deleted comments included. The sequence pages
// through the store lazily and can be ranged over again.
func (l *Ledger) ListSince(ctx context.Context, channelID string, since int64) iter.Seq2[models.Comment, error] {
	return func(yield func(models.Comment, error) bool) {
		cursor := since
		if cursor < 0 {
			cursor = 0
		}
		for {
			page, err := l.store.ListCommentsSince(ctx, channelID, cursor, l.pageSize)
			if err != nil {
				yield(models.Comment{}, err)
				return
			}
			for _, comment := range page {
				if !yield(comment, nil) {
					return
				}
				cursor = comment.Revision
			}
			if len(page) < l.pageSize {
				return
			}
		}
	}
}

// Collect drains ListSince into a slice.
func (l *Ledger) Collect(ctx context.Context, channelID string, since int64) ([]models.Comment, error) {
	var out []models.Comment
	for comment, err := range l.ListSince(ctx, channelID, since) {
		if err != nil {
			return nil, err
		}
		out = append(out, comment)
	}
	return out, nil
}

func (l *Ledger) publish(ctx context.Context, eventType hub.EventType, comment models.Comment) {
	if l.publisher == nil {
		return
	}
	l.publisher.Publish(ctx, comment.ChannelID, hub.CommentEvent(eventType, comment))
}

func (l *Ledger) normalizeContent(raw string) (string, error) {
	if !utf8.ValidString(raw) {
		return "", fmt.Errorf("content is not valid utf-8: %w", apperr.ErrInvalidInput)
	}
	content := norm.NFC.String(strings.TrimSpace(raw))
	if content == "" {
		return "", fmt.Errorf("content is required: %w", apperr.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(content); n > l.maxLen {
		return "", fmt.Errorf("content has %d characters, limit is %d: %w", n, l.maxLen, apperr.ErrInvalidInput)
	}
	return content, nil
}

// validateTimestamp rejects negative and non-finite timestamps, and timestamps
// past the end of the channel's active asset when its duration is known.
func (l *Ledger) validateTimestamp(ctx context.Context, channelID string, ts float64) error {
	if math.IsNaN(ts) || math.IsInf(ts, 0) || ts < 0 {
		return fmt.Errorf("timestamp %v: %w", ts, apperr.ErrInvalidTimestamp)
	}
	channel, err := l.store.GetChannel(ctx, channelID)
	if err != nil {
		return err
	}
	if channel.ActiveAssetID == nil {
		return nil
	}
	asset, err := l.store.GetAsset(ctx, *channel.ActiveAssetID)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil
		}
		return err
	}
	if asset.DurationSeconds != nil && ts > *asset.DurationSeconds {
		return fmt.Errorf("timestamp %v exceeds media duration %v: %w", ts, *asset.DurationSeconds, apperr.ErrInvalidTimestamp)
	}
	return nil
}
