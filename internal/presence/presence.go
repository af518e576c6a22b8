// Package presence tracks which reviewers are watching a channel and where
// their playheads are.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/models"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
)

const (
	defaultHeartbeatTimeout = 45 * time.Second
	defaultReapInterval     = 10 * time.Second
)

// Authorizer answers channel membership.
type Authorizer interface {
	IsMember(ctx context.Context, channelID, identity string) (bool, error)
}

// Publisher fans presence events out to channel subscribers. Cursor moves go
// through PublishAdvisory and may be dropped.
type Publisher interface {
	Publish(ctx context.Context, channelID string, event hub.Event)
	PublishAdvisory(ctx context.Context, channelID string, event hub.Event)
}

type Config struct {
	Authorizer       Authorizer
	Publisher        Publisher
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
	HeartbeatTimeout time.Duration
	ReapInterval     time.Duration
	Now              func() time.Time
}

type channelSet struct {
	mu      sync.Mutex
	entries map[string]*models.PresenceEntry
}

type Tracker struct {
	authorizer       Authorizer
	publisher        Publisher
	logger           *slog.Logger
	metrics          *metrics.Recorder
	heartbeatTimeout time.Duration
	reapInterval     time.Duration
	now              func() time.Time

	mu       sync.Mutex
	channels map[string]*channelSet
}

func New(cfg Config) (*Tracker, error) {
	if cfg.Authorizer == nil {
		return nil, errors.New("presence authorizer is required")
	}
	t := &Tracker{
		authorizer:       cfg.Authorizer,
		publisher:        cfg.Publisher,
		logger:           cfg.Logger,
		metrics:          cfg.Metrics,
		heartbeatTimeout: cfg.HeartbeatTimeout,
		reapInterval:     cfg.ReapInterval,
		now:              cfg.Now,
		channels:         make(map[string]*channelSet),
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = logging.WithComponent(t.logger, "presence")
	if t.heartbeatTimeout <= 0 {
		t.heartbeatTimeout = defaultHeartbeatTimeout
	}
	if t.reapInterval <= 0 {
		t.reapInterval = defaultReapInterval
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	return t, nil
}

// HeartbeatTimeout reports how long an entry survives without a heartbeat.
func (t *Tracker) HeartbeatTimeout() time.Duration {
	return t.heartbeatTimeout
}

// set returns the channel set, creating it when create is true. The returned
// set is locked; callers must call release.
func (t *Tracker) set(channelID string, create bool) *channelSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.channels[channelID]
	if !ok {
		if !create {
			return nil
		}
		set = &channelSet{entries: make(map[string]*models.PresenceEntry)}
		t.channels[channelID] = set
	}
	set.mu.Lock()
	return set
}

// release unlocks set and drops it from the index when it has emptied.
func (t *Tracker) release(channelID string, set *channelSet) {
	empty := len(set.entries) == 0
	set.mu.Unlock()
	if !empty {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.channels[channelID]; ok && current == set {
		current.mu.Lock()
		if len(current.entries) == 0 {
			delete(t.channels, channelID)
		}
		current.mu.Unlock()
	}
}

// Join registers identity on the channel under connectionID. A later join
// from another connection replaces the earlier handle.
func (t *Tracker) Join(ctx context.Context, channelID, identity, connectionID string) (models.PresenceEntry, error) {
	channelID = strings.TrimSpace(channelID)
	identity = strings.TrimSpace(identity)
	if channelID == "" || identity == "" {
		return models.PresenceEntry{}, fmt.Errorf("channel and identity are required: %w", apperr.ErrInvalidInput)
	}
	ok, err := t.authorizer.IsMember(ctx, channelID, identity)
	if err != nil {
		return models.PresenceEntry{}, err
	}
	if !ok {
		return models.PresenceEntry{}, fmt.Errorf("%s is not a member of %s: %w", identity, channelID, apperr.ErrForbidden)
	}

	now := t.now()
	set := t.set(channelID, true)
	defer t.release(channelID, set)

	entry, exists := set.entries[identity]
	if exists {
		entry.ConnectionID = connectionID
		entry.LastHeartbeatAt = now
	} else {
		entry = &models.PresenceEntry{
			Identity:        identity,
			ChannelID:       channelID,
			ConnectionID:    connectionID,
			JoinedAt:        now,
			LastHeartbeatAt: now,
		}
		set.entries[identity] = entry
		t.metrics.PresenceJoined()
	}
	snapshot := clone(*entry)
	t.publish(ctx, channelID, hub.PresenceEvent(hub.EventPresenceJoined, snapshot, now))
	return snapshot, nil
}

// MoveCursor records the reviewer's playhead and broadcasts it as an
// advisory event.
func (t *Tracker) MoveCursor(ctx context.Context, channelID, identity string, timestamp float64) error {
	if math.IsNaN(timestamp) || math.IsInf(timestamp, 0) || timestamp < 0 {
		return fmt.Errorf("cursor %v: %w", timestamp, apperr.ErrInvalidInput)
	}
	set := t.set(channelID, false)
	if set == nil {
		return fmt.Errorf("%s is not present in %s: %w", identity, channelID, apperr.ErrNotFound)
	}
	defer t.release(channelID, set)
	entry, ok := set.entries[identity]
	if !ok {
		return fmt.Errorf("%s is not present in %s: %w", identity, channelID, apperr.ErrNotFound)
	}
	now := t.now()
	cursor := timestamp
	entry.Cursor = &cursor
	entry.LastHeartbeatAt = now
	if t.publisher != nil {
		t.publisher.PublishAdvisory(ctx, channelID, hub.PresenceEvent(hub.EventPresenceCursor, clone(*entry), now))
	}
	return nil
}

// Heartbeat refreshes the liveness of identity's entry.
func (t *Tracker) Heartbeat(ctx context.Context, channelID, identity string) error {
	set := t.set(channelID, false)
	if set == nil {
		return fmt.Errorf("%s is not present in %s: %w", identity, channelID, apperr.ErrNotFound)
	}
	defer t.release(channelID, set)
	entry, ok := set.entries[identity]
	if !ok {
		return fmt.Errorf("%s is not present in %s: %w", identity, channelID, apperr.ErrNotFound)
	}
	entry.LastHeartbeatAt = t.now()
	return nil
}

// Leave removes identity when connectionID still owns the entry. An empty
// connectionID removes it unconditionally. It reports whether an entry was
// removed.
func (t *Tracker) Leave(ctx context.Context, channelID, identity, connectionID string) bool {
	set := t.set(channelID, false)
	if set == nil {
		return false
	}
	defer t.release(channelID, set)
	return t.leaveLocked(ctx, channelID, set, identity, connectionID)
}

func (t *Tracker) leaveLocked(ctx context.Context, channelID string, set *channelSet, identity, connectionID string) bool {
	entry, ok := set.entries[identity]
	if !ok {
		return false
	}
	if connectionID != "" && entry.ConnectionID != connectionID {
		return false
	}
	delete(set.entries, identity)
	t.metrics.PresenceLeft()
	t.publish(ctx, channelID, hub.PresenceEvent(hub.EventPresenceLeft, clone(*entry), t.now()))
	return true
}

// List returns the channel's present reviewers ordered by join time.
func (t *Tracker) List(channelID string) []models.PresenceEntry {
	set := t.set(channelID, false)
	if set == nil {
		return []models.PresenceEntry{}
	}
	defer t.release(channelID, set)
	out := make([]models.PresenceEntry, 0, len(set.entries))
	for _, entry := range set.entries {
		out = append(out, clone(*entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Count returns the number of reviewers present on the channel.
func (t *Tracker) Count(channelID string) int {
	set := t.set(channelID, false)
	if set == nil {
		return 0
	}
	defer t.release(channelID, set)
	return len(set.entries)
}

// Run reaps entries whose heartbeat is older than the heartbeat timeout
// until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Reap(ctx); n > 0 {
				t.logger.Info("reaped stale presence", "count", n)
			}
		}
	}
}

// Reap performs one expiry pass and returns how many entries it removed.
func (t *Tracker) Reap(ctx context.Context) int {
	cutoff := t.now().Add(-t.heartbeatTimeout)
	t.mu.Lock()
	ids := make([]string, 0, len(t.channels))
	for id := range t.channels {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	removed := 0
	for _, channelID := range ids {
		set := t.set(channelID, false)
		if set == nil {
			continue
		}
		for identity, entry := range set.entries {
			if entry.LastHeartbeatAt.Before(cutoff) && t.leaveLocked(ctx, channelID, set, identity, "") {
				removed++
			}
		}
		t.release(channelID, set)
	}
	return removed
}

func (t *Tracker) publish(ctx context.Context, channelID string, event hub.Event) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(ctx, channelID, event)
}

func clone(entry models.PresenceEntry) models.PresenceEntry {
	if entry.Cursor != nil {
		cursor := *entry.Cursor
		entry.Cursor = &cursor
	}
	return entry
}
