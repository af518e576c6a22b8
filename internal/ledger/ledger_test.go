package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/models"
	"frameproof/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []hub.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event hub.Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() []hub.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]hub.Event(nil), p.events...)
}

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *storage.MemoryRepository, *recordingPublisher) {
	t.Helper()
	repo := storage.NewMemoryRepository()
	_, err := repo.CreateChannel(context.Background(), storage.CreateChannelParams{
		ID:        "ch-1",
		ProjectID: "proj",
		CreatedBy: "alice",
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	if cfg.Store == nil {
		cfg.Store = repo
	}
	cfg.Publisher = pub
	l, err := New(cfg)
	require.NoError(t, err)
	return l, repo, pub
}

func TestAppendSameTimestampGetsNextLogicalSequence(t *testing.T) {
	l, _, pub := newTestLedger(t, Config{})
	ctx := context.Background()

	first, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 12.5, Content: "color shift"})
	require.NoError(t, err)
	second, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "bob", Timestamp: 12.5, Content: "audio pop", Kind: models.CommentTechnical})
	require.NoError(t, err)
	other, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "bob", Timestamp: 3, Content: "nice"})
	require.NoError(t, err)

	require.Equal(t, 0, first.LogicalSequence)
	require.Equal(t, 1, second.LogicalSequence)
	require.Equal(t, 0, other.LogicalSequence)
	require.Equal(t, models.CommentGeneral, first.Kind)
	require.Less(t, first.Revision, second.Revision)

	events := pub.snapshot()
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, hub.EventCommentCreated, ev.Type)
		require.Equal(t, int64(i+1), ev.Revision)
	}
}

func TestConcurrentAppendsAreDistinctAndComplete(t *testing.T) {
	l, _, pub := newTestLedger(t, Config{})
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	results := make([]models.Comment, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 12.5, Content: "same frame"})
			if err != nil {
				t.Errorf("append %d: %v", i, err)
				return
			}
			results[i] = c
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, c := range results {
		require.False(t, seen[c.LogicalSequence], "duplicate logical sequence %d", c.LogicalSequence)
		seen[c.LogicalSequence] = true
		require.Equal(t, int64(c.LogicalSequence+1), c.Revision, "logical order must follow commit order")
	}
	for i := 0; i < writers; i++ {
		require.True(t, seen[i])
	}

	all, err := l.Collect(ctx, "ch-1", -1)
	require.NoError(t, err)
	require.Len(t, all, writers)

	events := pub.snapshot()
	require.Len(t, events, writers)
	for i := 1; i < len(events); i++ {
		require.Less(t, events[i-1].Revision, events[i].Revision, "events must be published in commit order")
	}
}

func TestAppendValidatesTimestamp(t *testing.T) {
	l, repo, _ := newTestLedger(t, Config{})
	ctx := context.Background()

	zero, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 0, Content: "first frame"})
	require.NoError(t, err)
	require.Equal(t, 0, zero.LogicalSequence)

	for _, ts := range []float64{-1, math.NaN(), math.Inf(1)} {
		_, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: ts, Content: "x"})
		require.ErrorIs(t, err, apperr.ErrInvalidTimestamp)
		require.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
	}

	duration := 30.0
	require.NoError(t, repo.CreateAsset(ctx, models.MediaAsset{ID: "asset-1", ChannelID: "ch-1", Status: models.EncodingQueued}))
	_, err = repo.UpdateAsset(ctx, "asset-1", func(a *models.MediaAsset) error {
		a.Status = models.EncodingReady
		a.DurationSeconds = &duration
		return nil
	})
	require.NoError(t, err)

	_, err = l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 30, Content: "last frame"})
	require.NoError(t, err)
	_, err = l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 30.5, Content: "past the end"})
	require.ErrorIs(t, err, apperr.ErrInvalidTimestamp)

	_, err = l.Append(ctx, AppendParams{ChannelID: "missing", Author: "alice", Timestamp: 1, Content: "x"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestAppendValidatesContentAndKind(t *testing.T) {
	l, _, _ := newTestLedger(t, Config{MaxContentLength: 10})
	ctx := context.Background()

	_, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Content: "   "})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Content: strings.Repeat("a", 11)})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Content: "ok", Kind: "legal"})
	require.ErrorIs(t, err, apperr.ErrInvalidInput)

	c, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Content: "  cafe\u0301 "})
	require.NoError(t, err)
	require.Equal(t, "caf\u00e9", c.Content)
}

func TestEditAndSoftDelete(t *testing.T) {
	l, _, pub := newTestLedger(t, Config{})
	ctx := context.Background()

	c, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 4, Content: "too dark"})
	require.NoError(t, err)

	_, err = l.Edit(ctx, c.ID, "bob", "hijack")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	edited, err := l.Edit(ctx, c.ID, "alice", "too dark here")
	require.NoError(t, err)
	require.Equal(t, "too dark here", edited.Content)
	require.Equal(t, c.MediaTimestamp, edited.MediaTimestamp)
	require.Equal(t, c.LogicalSequence, edited.LogicalSequence)
	require.Equal(t, c.Sequence, edited.Sequence)
	require.Greater(t, edited.Revision, c.Revision)

	same, err := l.Edit(ctx, c.ID, "alice", "too dark here")
	require.NoError(t, err)
	require.Equal(t, edited.Revision, same.Revision)

	require.ErrorIs(t, l.SoftDelete(ctx, c.ID, "bob"), apperr.ErrForbidden)
	require.NoError(t, l.SoftDelete(ctx, c.ID, "alice"))
	require.NoError(t, l.SoftDelete(ctx, c.ID, "alice"))

	_, err = l.Edit(ctx, c.ID, "alice", "revive")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = l.Edit(ctx, "missing", "alice", "x")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	events := pub.snapshot()
	require.Len(t, events, 3)
	require.Equal(t, hub.EventCommentUpdated, events[1].Type)
	require.Equal(t, hub.EventCommentDeleted, events[2].Type)

	all, err := l.Collect(ctx, "ch-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Deleted)
	require.NotNil(t, all[0].DeletedAt)
}

func TestListSincePagesInRevisionOrder(t *testing.T) {
	l, _, _ := newTestLedger(t, Config{PageSize: 3})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 8; i++ {
		c, err := l.Append(ctx, AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: float64(i), Content: "n"})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	_, err := l.Edit(ctx, ids[0], "alice", "updated")
	require.NoError(t, err)

	all, err := l.Collect(ctx, "ch-1", -1)
	require.NoError(t, err)
	require.Len(t, all, 8)
	require.Equal(t, ids[0], all[len(all)-1].ID, "edited comment moves to the tail")
	for i := 1; i < len(all); i++ {
		require.Less(t, all[i-1].Revision, all[i].Revision)
	}

	tail, err := l.Collect(ctx, "ch-1", 7)
	require.NoError(t, err)
	require.Len(t, tail, 2)

	count := 0
	for _, err := range l.ListSince(ctx, "ch-1", 0) {
		require.NoError(t, err)
		count++
		if count == 2 {
			break
		}
	}
	require.Equal(t, 2, count)

	again, err := l.Collect(ctx, "ch-1", 0)
	require.NoError(t, err)
	require.Equal(t, all, again)
}

type flakyStore struct {
	Store
	failures atomic.Int32
}

func (f *flakyStore) AppendComment(ctx context.Context, c models.Comment) (models.Comment, error) {
	if f.failures.Add(-1) >= 0 {
		return models.Comment{}, apperr.Transient(errors.New("connection reset"))
	}
	return f.Store.AppendComment(ctx, c)
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	repo := storage.NewMemoryRepository()
	_, err := repo.CreateChannel(context.Background(), storage.CreateChannelParams{ID: "ch-1", CreatedBy: "alice", CreatedAt: time.Now()})
	require.NoError(t, err)
	store := &flakyStore{Store: repo}
	store.failures.Store(2)

	l, err := New(Config{Store: store, Retry: apperr.RetryPolicy{Attempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}})
	require.NoError(t, err)

	c, err := l.Append(context.Background(), AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 1, Content: "retry me"})
	require.NoError(t, err)
	require.Equal(t, int64(1), c.Revision)

	store.failures.Store(10)
	_, err = l.Append(context.Background(), AppendParams{ChannelID: "ch-1", Author: "alice", Timestamp: 1, Content: "give up"})
	require.Error(t, err)
	require.True(t, apperr.IsTransient(err))
}
