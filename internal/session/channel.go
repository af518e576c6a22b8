package session

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"frameproof/internal/apperr"
	"frameproof/internal/ledger"
	"frameproof/internal/models"
)

// Channel is the live aggregate for one feedback channel. It is created on
// first access and reaped once idle.
type Channel struct {
	id       string
	registry *Registry

	mu          sync.Mutex
	connections int
	active      time.Time
}

func (c *Channel) ID() string { return c.id }

// Connections returns the number of open streaming connections.
func (c *Channel) Connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connections
}

func (c *Channel) touch(at time.Time) {
	c.mu.Lock()
	if at.After(c.active) {
		c.active = at
	}
	c.mu.Unlock()
}

func (c *Channel) lastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Channel) connect() {
	c.mu.Lock()
	c.connections++
	c.mu.Unlock()
}

func (c *Channel) disconnect(at time.Time) {
	c.mu.Lock()
	if c.connections > 0 {
		c.connections--
	}
	if at.After(c.active) {
		c.active = at
	}
	c.mu.Unlock()
}

func (c *Channel) append(ctx context.Context, author string, timestamp float64, content string, kind models.CommentKind) (models.Comment, error) {
	return c.registry.ledger.Append(ctx, ledger.AppendParams{
		ChannelID: c.id,
		Author:    author,
		Timestamp: timestamp,
		Content:   content,
		Kind:      kind,
	})
}

// comment loads a comment and checks it belongs to this channel.
func (c *Channel) comment(ctx context.Context, commentID string) (models.Comment, error) {
	comment, err := c.registry.ledger.Get(ctx, commentID)
	if err != nil {
		return models.Comment{}, err
	}
	if comment.ChannelID != c.id {
		return models.Comment{}, fmt.Errorf("comment %s: %w", commentID, apperr.ErrNotFound)
	}
	return comment, nil
}

func (c *Channel) edit(ctx context.Context, author, commentID, content string) (models.Comment, error) {
	if _, err := c.comment(ctx, commentID); err != nil {
		return models.Comment{}, err
	}
	return c.registry.ledger.Edit(ctx, commentID, author, content)
}

func (c *Channel) softDelete(ctx context.Context, author, commentID string) error {
	if _, err := c.comment(ctx, commentID); err != nil {
		return err
	}
	return c.registry.ledger.SoftDelete(ctx, commentID, author)
}

func (c *Channel) list(ctx context.Context, cursor int64) iter.Seq2[models.Comment, error] {
	return c.registry.ledger.ListSince(ctx, c.id, cursor)
}

// since collects the channel's comments with a revision above cursor.
func (c *Channel) since(ctx context.Context, cursor int64) ([]models.Comment, error) {
	out := make([]models.Comment, 0)
	for comment, err := range c.list(ctx, cursor) {
		if err != nil {
			return nil, err
		}
		out = append(out, comment)
	}
	return out, nil
}
