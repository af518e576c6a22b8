package session

import (
	"context"

	"frameproof/internal/models"
)

// Operation is a single action on a channel. Apply runs after the registry
// has confirmed identity is a member of ChannelID.
type Operation interface {
	ChannelID() string
	Apply(ctx context.Context, ch *Channel, identity string) (any, error)
}

// AppendComment adds a comment; Apply returns models.Comment.
type AppendComment struct {
	Channel   string
	Timestamp float64
	Content   string
	Kind      models.CommentKind
}

func (op AppendComment) ChannelID() string { return op.Channel }

func (op AppendComment) Apply(ctx context.Context, ch *Channel, identity string) (any, error) {
	return ch.append(ctx, identity, op.Timestamp, op.Content, op.Kind)
}

// EditComment replaces a comment's content; Apply returns models.Comment.
type EditComment struct {
	Channel   string
	CommentID string
	Content   string
}

func (op EditComment) ChannelID() string { return op.Channel }

func (op EditComment) Apply(ctx context.Context, ch *Channel, identity string) (any, error) {
	return ch.edit(ctx, identity, op.CommentID, op.Content)
}

// DeleteComment soft-deletes a comment; Apply returns nil.
type DeleteComment struct {
	Channel   string
	CommentID string
}

func (op DeleteComment) ChannelID() string { return op.Channel }

func (op DeleteComment) Apply(ctx context.Context, ch *Channel, identity string) (any, error) {
	return nil, ch.softDelete(ctx, identity, op.CommentID)
}

// ListSince returns an iter.Seq2[models.Comment, error] over the comments
// with a revision above Since. The ledger is paged lazily as the sequence is
// ranged over.
type ListSince struct {
	Channel string
	Since   int64
}

func (op ListSince) ChannelID() string { return op.Channel }

func (op ListSince) Apply(ctx context.Context, ch *Channel, _ string) (any, error) {
	return ch.list(ctx, op.Since), nil
}

type MoveCursor struct {
	Channel   string
	Timestamp float64
}

func (op MoveCursor) ChannelID() string { return op.Channel }

func (op MoveCursor) Apply(ctx context.Context, ch *Channel, identity string) (any, error) {
	return nil, ch.registry.presence.MoveCursor(ctx, ch.id, identity, op.Timestamp)
}

type Heartbeat struct {
	Channel string
}

func (op Heartbeat) ChannelID() string { return op.Channel }

func (op Heartbeat) Apply(ctx context.Context, ch *Channel, identity string) (any, error) {
	return nil, ch.registry.presence.Heartbeat(ctx, ch.id, identity)
}

// ListPresence returns []models.PresenceEntry.
type ListPresence struct {
	Channel string
}

func (op ListPresence) ChannelID() string { return op.Channel }

func (op ListPresence) Apply(_ context.Context, ch *Channel, _ string) (any, error) {
	return ch.registry.presence.List(ch.id), nil
}
