package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"frameproof/internal/observability/metrics"
)

// RedisRelayConfig configures cross-node fan-out over a Redis stream.
type RedisRelayConfig struct {
	Stream       string
	MaxLen       int64
	BlockTimeout time.Duration
	Buffer       int
	NodeID       string
	Logger       *slog.Logger
	Metrics      *metrics.Recorder

	// ResyncInterval bounds how long a resync marker for lost events waits
	// before it is retried.
	ResyncInterval time.Duration
}

// RedisRelay appends locally published events to a Redis stream and replays
// events written by other nodes into the local hub.
type RedisRelay struct {
	hub          *Hub
	client       redis.UniversalClient
	stream       string
	maxLen       int64
	blockTimeout time.Duration
	nodeID       string
	logger       *slog.Logger
	metrics      *metrics.Recorder

	outbound       chan Event
	lastID         string
	resyncInterval time.Duration

	mu   sync.Mutex
	lost map[string]struct{}
}

// NewRedisRelay attaches a relay to h. Reading starts from the current end of
// the stream, so only events published after construction are replayed.
func NewRedisRelay(ctx context.Context, h *Hub, client redis.UniversalClient, cfg RedisRelayConfig) (*RedisRelay, error) {
	if h == nil || client == nil {
		return nil, errors.New("hub relay requires a hub and a redis client")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "frameproof:events"
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = time.Second
	}
	nodeID := strings.TrimSpace(cfg.NodeID)
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lastID := "0-0"
	latest, err := client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read relay stream tail: %w", err)
	}
	if len(latest) > 0 {
		lastID = latest[0].ID
	}

	relay := &RedisRelay{
		hub:          h,
		client:       client,
		stream:       stream,
		maxLen:       cfg.MaxLen,
		blockTimeout: cfg.BlockTimeout,
		nodeID:       nodeID,
		logger:       logger,
		metrics:      cfg.Metrics,
		outbound:     make(chan Event, cfg.Buffer),
		lastID:       lastID,

		resyncInterval: cfg.ResyncInterval,
		lost:           make(map[string]struct{}),
	}
	h.attach(relay)
	return relay, nil
}

func (r *RedisRelay) NodeID() string {
	return r.nodeID
}

// Forward queues event for publication to the stream. When the outbound
// queue is full the event is dropped, and for ledger events the channel is
// marked so remote subscribers are told to resync.
func (r *RedisRelay) Forward(event Event) {
	event.Origin = r.nodeID
	select {
	case r.outbound <- event:
	default:
		r.metrics.RelayMessage("dropped")
		r.logger.Warn("relay outbound queue full", "channel_id", event.ChannelID, "event_type", event.Type)
		r.markLost(event)
	}
}

// Run publishes queued events and tails the stream until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.tail(ctx)
	}()
	r.drain(ctx)
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *RedisRelay) drain(ctx context.Context) {
	ticker := time.NewTicker(r.resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flushLost(ctx)
		case event := <-r.outbound:
			if err := r.write(ctx, event); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				r.logger.Warn("relay publish failed", "channel_id", event.ChannelID, "error", err)
				r.markLost(event)
				continue
			}
			r.flushLost(ctx)
		}
	}
}

func (r *RedisRelay) markLost(event Event) {
	if !event.IsLedger() {
		return
	}
	r.mu.Lock()
	r.lost[event.ChannelID] = struct{}{}
	r.mu.Unlock()
}

// flushLost writes one resync marker per channel that lost ledger events.
// Channels whose marker cannot be written stay marked for the next attempt.
func (r *RedisRelay) flushLost(ctx context.Context) {
	r.mu.Lock()
	if len(r.lost) == 0 {
		r.mu.Unlock()
		return
	}
	channels := make([]string, 0, len(r.lost))
	for id := range r.lost {
		channels = append(channels, id)
	}
	clear(r.lost)
	r.mu.Unlock()

	for _, id := range channels {
		marker := ResyncEvent(id, time.Now().UTC())
		marker.Origin = r.nodeID
		if err := r.write(ctx, marker); err != nil {
			r.mu.Lock()
			r.lost[id] = struct{}{}
			r.mu.Unlock()
			if ctx.Err() == nil {
				r.logger.Warn("relay resync marker failed", "channel_id", id, "error", err)
			}
			continue
		}
		r.metrics.RelayMessage("resync")
	}
}

func (r *RedisRelay) write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{"origin": r.nodeID, "payload": string(payload)},
	}).Err()
	if err == nil {
		r.metrics.RelayMessage("out")
	}
	return err
}

func (r *RedisRelay) tail(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{r.stream, r.lastID},
			Count:   64,
			Block:   r.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("relay read failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, stream := range streams {
			for _, message := range stream.Messages {
				r.lastID = message.ID
				r.receive(message)
			}
		}
	}
}

func (r *RedisRelay) receive(message redis.XMessage) {
	if origin, _ := message.Values["origin"].(string); origin == r.nodeID {
		return
	}
	raw, _ := message.Values["payload"].(string)
	if raw == "" {
		return
	}
	var event Event
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		r.logger.Error("relay decode failed", "id", message.ID, "error", err)
		return
	}
	r.metrics.RelayMessage("in")
	r.hub.deliverRemote(event)
}
