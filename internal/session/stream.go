package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/models"
)

// Stream is one reviewer's live connection to a channel: a hub subscription
// plus the ledger high-water mark used to drop events already delivered by
// catch-up.
type Stream struct {
	registry     *Registry
	channel      *Channel
	identity     string
	connectionID string

	mu        sync.Mutex
	sub       *hub.Subscription
	highWater int64
	closed    bool
}

func (s *Stream) ChannelID() string    { return s.channel.id }
func (s *Stream) Identity() string     { return s.identity }
func (s *Stream) ConnectionID() string { return s.connectionID }

// Subscription returns the current hub subscription. It changes after
// Resync.
func (s *Stream) Subscription() *hub.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// HighWater is the highest ledger revision delivered on this stream.
func (s *Stream) HighWater() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.highWater
}

// Admission is the verdict Admit reaches for a live event.
type Admission int

const (
	// Deliver means the event is next in revision order, or carries no
	// revision, and should be forwarded.
	Deliver Admission = iota
	// Skip means catch-up already covered the event.
	Skip
	// Gap means at least one ledger event is missing ahead of this one. The
	// caller closes it with CatchUp instead of forwarding the event.
	Gap
)

// Admit places a live event against the high-water mark. Channel revisions
// grow by exactly one per mutation, so a ledger event is delivered only when
// it is the next revision. Events relayed from other nodes can arrive out of
// order, and a relay that lost events sends a resync marker; both read as a
// gap.
func (s *Stream) Admit(ev hub.Event) Admission {
	if ev.Type == hub.EventResync {
		return Gap
	}
	if !ev.IsLedger() {
		return Deliver
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case ev.Revision <= s.highWater:
		return Skip
	case ev.Revision == s.highWater+1:
		s.highWater = ev.Revision
		return Deliver
	default:
		return Gap
	}
}

// CatchUp replays the comments committed above the high-water mark and
// advances it, keeping the current subscription. Events for those revisions
// still queued on the subscription are skipped afterwards.
func (s *Stream) CatchUp(ctx context.Context) ([]models.Comment, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream closed: %w", apperr.ErrStateConflict)
	}
	cursor := s.highWater
	s.mu.Unlock()

	catchup, err := s.channel.since(ctx, cursor)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if hw := maxRevision(cursor, catchup); hw > s.highWater {
		s.highWater = hw
	}
	return catchup, nil
}

// Connect subscribes identity to the channel, registers presence and
// returns the comments with a revision above since. The subscription is
// opened before the replay so nothing committed in between is lost.
func (r *Registry) Connect(ctx context.Context, identity, channelID, connectionID string, since int64) (*Stream, []models.Comment, error) {
	if err := r.authorize(ctx, channelID, identity); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(connectionID) == "" {
		return nil, nil, fmt.Errorf("connection id is required: %w", apperr.ErrInvalidInput)
	}
	if since < 0 {
		since = 0
	}
	ch := r.acquire(channelID)
	stream := &Stream{registry: r, channel: ch, identity: identity, connectionID: connectionID}
	sub := r.hub.Subscribe(channelID, hub.SubscribeOptions{Buffer: r.buffer})
	if _, err := r.presence.Join(ctx, channelID, identity, connectionID); err != nil {
		r.hub.Unsubscribe(sub)
		ch.disconnect(r.now())
		return nil, nil, err
	}
	catchup, err := ch.since(ctx, since)
	if err != nil {
		r.hub.Unsubscribe(sub)
		r.presence.Leave(ctx, channelID, identity, connectionID)
		ch.disconnect(r.now())
		return nil, nil, err
	}
	stream.sub = sub
	stream.highWater = maxRevision(since, catchup)
	r.metrics.StreamOpened()
	r.logger.Debug("stream connected", "channel_id", channelID, "identity", identity, "connection_id", connectionID, "since", since, "catchup", len(catchup))
	return stream, catchup, nil
}

// Resync replaces a subscription that was dropped for overflow and replays
// the comments committed after the high-water mark.
func (s *Stream) Resync(ctx context.Context) ([]models.Comment, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("stream closed: %w", apperr.ErrStateConflict)
	}
	old := s.sub
	cursor := s.highWater
	s.mu.Unlock()

	s.registry.hub.Unsubscribe(old)
	sub := s.registry.hub.Subscribe(s.channel.id, hub.SubscribeOptions{Buffer: s.registry.buffer})
	catchup, err := s.channel.since(ctx, cursor)
	if err != nil {
		s.registry.hub.Unsubscribe(sub)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.registry.hub.Unsubscribe(sub)
		return nil, fmt.Errorf("stream closed: %w", apperr.ErrStateConflict)
	}
	s.sub = sub
	if hw := maxRevision(cursor, catchup); hw > s.highWater {
		s.highWater = hw
	}
	return catchup, nil
}

// Rejoin registers the stream in presence again after its entry expired
// while the connection stayed open.
func (s *Stream) Rejoin(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("stream closed: %w", apperr.ErrStateConflict)
	}
	_, err := s.registry.presence.Join(ctx, s.channel.id, s.identity, s.connectionID)
	return err
}

// Disconnect leaves presence and ends the subscription. It is safe to call
// more than once.
func (r *Registry) Disconnect(ctx context.Context, s *Stream) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.sub
	s.mu.Unlock()

	r.hub.Unsubscribe(sub)
	r.presence.Leave(ctx, s.channel.id, s.identity, s.connectionID)
	s.channel.disconnect(r.now())
	r.metrics.StreamClosed()
	r.logger.Debug("stream disconnected", "channel_id", s.channel.id, "identity", s.identity, "connection_id", s.connectionID)
}

func maxRevision(floor int64, comments []models.Comment) int64 {
	hw := floor
	for _, c := range comments {
		if c.Revision > hw {
			hw = c.Revision
		}
	}
	return hw
}
