package session

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/identity"
	"frameproof/internal/ledger"
	"frameproof/internal/models"
	"frameproof/internal/presence"
	"frameproof/internal/storage"
)

type fixture struct {
	registry *Registry
	hub      *hub.Hub
	ledger   *ledger.Ledger
	presence *presence.Tracker
	repo     *storage.MemoryRepository
}

func newFixture(t *testing.T, buffer int) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := storage.NewMemoryRepository()
	_, err := repo.CreateChannel(ctx, storage.CreateChannelParams{ID: "ch-1", CreatedBy: "alice", CreatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, repo.AddMember(ctx, models.ChannelMember{ChannelID: "ch-1", Identity: "bob"}))

	h := hub.New(hub.Config{Buffer: 256})
	t.Cleanup(h.Close)
	authorizer := identity.NewStoreAuthorizer(repo)
	led, err := ledger.New(ledger.Config{Store: repo, Publisher: h, PageSize: 3})
	require.NoError(t, err)
	pres, err := presence.New(presence.Config{Authorizer: authorizer, Publisher: h})
	require.NoError(t, err)
	registry, err := NewRegistry(Config{
		Authorizer:   authorizer,
		Ledger:       led,
		Presence:     pres,
		Hub:          h,
		StreamBuffer: buffer,
		IdleTTL:      time.Minute,
	})
	require.NoError(t, err)
	return &fixture{registry: registry, hub: h, ledger: led, presence: pres, repo: repo}
}

func (f *fixture) append(t *testing.T, who string, ts float64, content string) models.Comment {
	t.Helper()
	out, err := f.registry.Do(context.Background(), who, AppendComment{Channel: "ch-1", Timestamp: ts, Content: content})
	require.NoError(t, err)
	return out.(models.Comment)
}

func TestDoChecksMembership(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.registry.Do(ctx, "mallory", AppendComment{Channel: "ch-1", Timestamp: 1, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.registry.Do(ctx, "", ListSince{Channel: "ch-1"})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	first := f.append(t, "alice", 12.5, "first")
	second := f.append(t, "bob", 12.5, "second")
	require.Equal(t, 0, first.LogicalSequence)
	require.Equal(t, 1, second.LogicalSequence)

	_, err = f.registry.Do(ctx, "bob", EditComment{Channel: "ch-1", CommentID: first.ID, Content: "hijack"})
	require.ErrorIs(t, err, apperr.ErrForbidden)
	edited, err := f.registry.Do(ctx, "alice", EditComment{Channel: "ch-1", CommentID: first.ID, Content: "first, edited"})
	require.NoError(t, err)
	require.Equal(t, "first, edited", edited.(models.Comment).Content)

	_, err = f.registry.Do(ctx, "bob", DeleteComment{Channel: "ch-1", CommentID: second.ID})
	require.NoError(t, err)

	out, err := f.registry.Do(ctx, "bob", ListSince{Channel: "ch-1", Since: 0})
	require.NoError(t, err)
	var comments []models.Comment
	for c, err := range out.(iter.Seq2[models.Comment, error]) {
		require.NoError(t, err)
		comments = append(comments, c)
	}
	require.Len(t, comments, 2)
	require.True(t, comments[len(comments)-1].Deleted)
}

func TestCommentFromAnotherChannelIsNotFound(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.repo.CreateChannel(ctx, storage.CreateChannelParams{ID: "ch-2", CreatedBy: "alice", CreatedAt: time.Now()})
	require.NoError(t, err)
	comment := f.append(t, "alice", 1, "on ch-1")

	_, err = f.registry.Do(ctx, "alice", EditComment{Channel: "ch-2", CommentID: comment.ID, Content: "moved"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCatchupPlusLiveMatchesLedger(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.append(t, "alice", float64(i), fmt.Sprintf("before %d", i))
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = f.registry.Do(ctx, "bob", AppendComment{Channel: "ch-1", Timestamp: 7, Content: fmt.Sprintf("during %d", i)})
		}
	}()

	stream, catchup, err := f.registry.Connect(ctx, "bob", "ch-1", "conn-1", 0)
	require.NoError(t, err)
	defer f.registry.Disconnect(ctx, stream)
	wg.Wait()

	final, err := f.ledger.Collect(ctx, "ch-1", 0)
	require.NoError(t, err)
	last := final[len(final)-1].Revision

	seen := make(map[string]models.Comment)
	for _, c := range catchup {
		seen[c.ID] = c
	}
	timeout := time.After(2 * time.Second)
	for stream.HighWater() < last {
		select {
		case ev := <-stream.Subscription().Events():
			if stream.Admit(ev) != Deliver || ev.Comment == nil {
				continue
			}
			_, dup := seen[ev.Comment.ID]
			require.False(t, dup && ev.Type == hub.EventCommentCreated, "comment %s delivered twice", ev.Comment.ID)
			seen[ev.Comment.ID] = *ev.Comment
		case <-timeout:
			t.Fatalf("timed out at revision %d of %d", stream.HighWater(), last)
		}
	}

	require.Len(t, seen, len(final))
	for _, c := range final {
		got, ok := seen[c.ID]
		require.True(t, ok, "missing %s", c.ID)
		require.Equal(t, c.Revision, got.Revision)
	}
}

func TestOverflowResync(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	stream, catchup, err := f.registry.Connect(ctx, "bob", "ch-1", "conn-1", -1)
	require.NoError(t, err)
	defer f.registry.Disconnect(ctx, stream)
	require.Empty(t, catchup)

	// presence.joined already occupies one slot
	for i := 0; i < 10; i++ {
		f.append(t, "alice", float64(i), fmt.Sprintf("comment %d", i))
	}

	sub := stream.Subscription()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber was not disconnected")
	}
	require.ErrorIs(t, sub.Err(), hub.ErrSlowConsumer)

	delivered := make(map[string]struct{})
	for ev := range sub.Events() {
		if stream.Admit(ev) == Deliver && ev.Comment != nil {
			delivered[ev.Comment.ID] = struct{}{}
		}
	}

	replay, err := stream.Resync(ctx)
	require.NoError(t, err)
	for _, c := range replay {
		_, dup := delivered[c.ID]
		require.False(t, dup)
		delivered[c.ID] = struct{}{}
	}
	require.Len(t, delivered, 10)
	require.NotSame(t, sub, stream.Subscription())

	f.append(t, "alice", 20, "after resync")
	select {
	case ev := <-stream.Subscription().Events():
		require.Equal(t, Deliver, stream.Admit(ev))
		require.Equal(t, "after resync", ev.Comment.Content)
	case <-time.After(time.Second):
		t.Fatal("no live event after resync")
	}
}

func TestConnectJoinsPresenceAndDisconnectLeaves(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, _, err := f.registry.Connect(ctx, "mallory", "ch-1", "c1", 0)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	stream, _, err := f.registry.Connect(ctx, "bob", "ch-1", "c1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, f.hub.SubscriberCount("ch-1"))

	_, err = f.registry.Do(ctx, "bob", MoveCursor{Channel: "ch-1", Timestamp: 4.2})
	require.NoError(t, err)
	_, err = f.registry.Do(ctx, "bob", Heartbeat{Channel: "ch-1"})
	require.NoError(t, err)
	out, err := f.registry.Do(ctx, "alice", ListPresence{Channel: "ch-1"})
	require.NoError(t, err)
	entries := out.([]models.PresenceEntry)
	require.Len(t, entries, 1)
	require.Equal(t, 4.2, *entries[0].Cursor)

	f.registry.Disconnect(ctx, stream)
	f.registry.Disconnect(ctx, stream)
	require.Equal(t, 0, f.hub.SubscriberCount("ch-1"))
	require.Equal(t, 0, f.presence.Count("ch-1"))
	_, err = f.registry.Do(ctx, "bob", Heartbeat{Channel: "ch-1"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReapDropsIdleChannels(t *testing.T) {
	f := newFixture(t, 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.registry.now = func() time.Time { return now }
	ctx := context.Background()

	stream, _, err := f.registry.Connect(ctx, "bob", "ch-1", "c1", 0)
	require.NoError(t, err)
	now = now.Add(time.Hour)
	require.Equal(t, 0, f.registry.Reap(), "connected channel survives")

	f.registry.Disconnect(ctx, stream)
	require.Equal(t, 0, f.registry.Reap(), "recently active channel survives")
	now = now.Add(2 * time.Minute)
	require.Equal(t, 1, f.registry.Reap())
	require.Equal(t, 0, f.registry.Len())
}

// reapingHub runs before ahead of every Subscribe, which is the first step
// of Connect after the channel aggregate is taken.
type reapingHub struct {
	Hub
	before func()
}

func (h reapingHub) Subscribe(channelID string, opts hub.SubscribeOptions) *hub.Subscription {
	h.before()
	return h.Hub.Subscribe(channelID, opts)
}

func TestReapDuringConnectKeepsChannel(t *testing.T) {
	f := newFixture(t, 0)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reaped := -1
	var registry *Registry
	wrapped := reapingHub{Hub: f.hub, before: func() {
		now = now.Add(time.Hour)
		reaped = registry.Reap()
	}}
	registry, err := NewRegistry(Config{
		Authorizer: identity.NewStoreAuthorizer(f.repo),
		Ledger:     f.ledger,
		Presence:   f.presence,
		Hub:        wrapped,
		IdleTTL:    time.Minute,
		Now:        func() time.Time { return now },
	})
	require.NoError(t, err)
	ctx := context.Background()

	stream, _, err := registry.Connect(ctx, "bob", "ch-1", "c1", 0)
	require.NoError(t, err)
	require.Equal(t, 0, reaped, "a joining connection keeps the channel alive")
	require.Equal(t, 1, registry.Len())
	require.Same(t, stream.channel, registry.channels["ch-1"])
	require.Equal(t, 1, stream.channel.Connections())

	registry.Disconnect(ctx, stream)
	require.Equal(t, 0, stream.channel.Connections())
}
