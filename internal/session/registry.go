// Package session ties the ledger, presence and the hub together behind a
// per-channel aggregate. Every operation a reviewer performs on a channel
// goes through Registry.Do, which checks membership once at the boundary.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/ledger"
	"frameproof/internal/models"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
)

const defaultIdleTTL = 10 * time.Minute

type Authorizer interface {
	IsMember(ctx context.Context, channelID, identity string) (bool, error)
}

type Ledger interface {
	Append(ctx context.Context, params ledger.AppendParams) (models.Comment, error)
	Edit(ctx context.Context, commentID, author, content string) (models.Comment, error)
	SoftDelete(ctx context.Context, commentID, author string) error
	Get(ctx context.Context, commentID string) (models.Comment, error)
	ListSince(ctx context.Context, channelID string, since int64) iter.Seq2[models.Comment, error]
}

type Presence interface {
	Join(ctx context.Context, channelID, identity, connectionID string) (models.PresenceEntry, error)
	MoveCursor(ctx context.Context, channelID, identity string, timestamp float64) error
	Heartbeat(ctx context.Context, channelID, identity string) error
	Leave(ctx context.Context, channelID, identity, connectionID string) bool
	List(channelID string) []models.PresenceEntry
	Count(channelID string) int
}

type Hub interface {
	Subscribe(channelID string, opts hub.SubscribeOptions) *hub.Subscription
	Unsubscribe(sub *hub.Subscription)
	SubscriberCount(channelID string) int
}

type Config struct {
	Authorizer Authorizer
	Ledger     Ledger
	Presence   Presence
	Hub        Hub
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// StreamBuffer sizes each connection's hub queue; zero uses the hub default.
	StreamBuffer int
	IdleTTL      time.Duration
	Now          func() time.Time
}

// Registry owns the live Channel aggregates.
type Registry struct {
	authorizer Authorizer
	ledger     Ledger
	presence   Presence
	hub        Hub
	logger     *slog.Logger
	metrics    *metrics.Recorder
	buffer     int
	idleTTL    time.Duration
	now        func() time.Time

	mu       sync.Mutex
	channels map[string]*Channel

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRegistry(cfg Config) (*Registry, error) {
	switch {
	case cfg.Authorizer == nil:
		return nil, errors.New("session authorizer is required")
	case cfg.Ledger == nil:
		return nil, errors.New("session ledger is required")
	case cfg.Presence == nil:
		return nil, errors.New("session presence tracker is required")
	case cfg.Hub == nil:
		return nil, errors.New("session hub is required")
	}
	r := &Registry{
		authorizer: cfg.Authorizer,
		ledger:     cfg.Ledger,
		presence:   cfg.Presence,
		hub:        cfg.Hub,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		buffer:     cfg.StreamBuffer,
		idleTTL:    cfg.IdleTTL,
		now:        cfg.Now,
		channels:   make(map[string]*Channel),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = logging.WithComponent(r.logger, "session")
	if r.idleTTL <= 0 {
		r.idleTTL = defaultIdleTTL
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	return r, nil
}

// channel returns the aggregate for id, creating it on first access.
func (r *Registry) channel(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelLocked(id)
}

// acquire is channel plus one counted connection. Counting under the
// registry lock keeps Reap from dropping an aggregate a stream is joining.
func (r *Registry) acquire(id string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.channelLocked(id)
	ch.connect()
	return ch
}

func (r *Registry) channelLocked(id string) *Channel {
	ch, ok := r.channels[id]
	if !ok {
		ch = &Channel{id: id, registry: r}
		r.channels[id] = ch
	}
	ch.touch(r.now())
	return ch
}

// Len returns the number of live channel aggregates.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

func (r *Registry) authorize(ctx context.Context, channelID, identity string) error {
	if strings.TrimSpace(channelID) == "" {
		return fmt.Errorf("channel id is required: %w", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required: %w", apperr.ErrForbidden)
	}
	ok, err := r.authorizer.IsMember(ctx, channelID, identity)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a member of %s: %w", identity, channelID, apperr.ErrForbidden)
	}
	return nil
}

// Do authorizes identity for op's channel and applies op.
func (r *Registry) Do(ctx context.Context, identity string, op Operation) (any, error) {
	if op == nil {
		return nil, fmt.Errorf("operation is required: %w", apperr.ErrInvalidInput)
	}
	channelID := op.ChannelID()
	if err := r.authorize(ctx, channelID, identity); err != nil {
		return nil, err
	}
	ctx = logging.ContextWithChannelID(ctx, channelID)
	return op.Apply(ctx, r.channel(channelID), identity)
}

// Start launches the idle-channel reaper.
func (r *Registry) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop halts the reaper and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Registry) run(ctx context.Context) {
	defer close(r.done)
	interval := r.idleTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.Reap(); n > 0 {
				r.logger.Debug("reaped idle channels", "count", n)
			}
		}
	}
}

// Reap drops aggregates with no connections, no subscribers and no presence
// that have been idle for longer than the idle TTL.
func (r *Registry) Reap() int {
	cutoff := r.now().Add(-r.idleTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, ch := range r.channels {
		if ch.Connections() > 0 || ch.lastActive().After(cutoff) {
			continue
		}
		if r.hub.SubscriberCount(id) > 0 || r.presence.Count(id) > 0 {
			continue
		}
		delete(r.channels, id)
		removed++
	}
	return removed
}
