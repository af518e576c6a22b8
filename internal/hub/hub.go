// Package hub fans channel events out to live subscribers. Every subscriber
// owns a bounded queue. A subscriber that falls behind on durable events is
// disconnected with ErrSlowConsumer and is expected to resync from the ledger;
// advisory events are simply dropped for it.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"frameproof/internal/observability/metrics"
)

// ErrSlowConsumer is reported by Subscription.Err when the subscriber was
// removed because its queue overflowed.
var ErrSlowConsumer = errors.New("hub: subscriber queue overflowed")

// ErrClosed is reported by Subscription.Err when the hub shut down.
var ErrClosed = errors.New("hub: closed")

const defaultBuffer = 64

type Config struct {
	// Buffer is the default per-subscriber queue capacity.
	Buffer  int
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Forwarder receives every locally published event so it can be shared with
// other nodes. Forward must not block.
type Forwarder interface {
	Forward(event Event)
}

type Hub struct {
	buffer  int
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu        sync.RWMutex
	channels  map[string]*channelSubscribers
	forwarder Forwarder
	closed    bool
}

type channelSubscribers struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// SubscribeOptions tunes a single subscription.
type SubscribeOptions struct {
	Buffer int
}

// Subscription is one consumer's view of a channel. Events is closed once the
// subscription ends; Err then explains why.
type Subscription struct {
	hub       *Hub
	channelID string
	events    chan Event
	done      chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func New(cfg Config) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		buffer:   cfg.Buffer,
		logger:   logger,
		metrics:  cfg.Metrics,
		channels: make(map[string]*channelSubscribers),
	}
}

// attach installs the forwarder used for cross-node delivery.
func (h *Hub) attach(f Forwarder) {
	h.mu.Lock()
	h.forwarder = f
	h.mu.Unlock()
}

// Subscribe registers a new subscriber for channelID.
func (h *Hub) Subscribe(channelID string, opts SubscribeOptions) *Subscription {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = h.buffer
	}
	sub := &Subscription{
		hub:       h,
		channelID: channelID,
		events:    make(chan Event, buffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.finish(ErrClosed)
		return sub
	}
	entry, ok := h.channels[channelID]
	if !ok {
		entry = &channelSubscribers{subs: make(map[*Subscription]struct{})}
		h.channels[channelID] = entry
	}
	entry.mu.Lock()
	entry.subs[sub] = struct{}{}
	entry.mu.Unlock()
	h.metrics.SubscriberAdded()
	return sub
}

// Unsubscribe removes sub. Calling it more than once is harmless.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.channels[sub.channelID]
	if !ok {
		return
	}
	entry.mu.Lock()
	if _, present := entry.subs[sub]; present {
		delete(entry.subs, sub)
		sub.finish(nil)
		h.metrics.SubscriberRemoved()
	}
	empty := len(entry.subs) == 0
	entry.mu.Unlock()
	if empty {
		delete(h.channels, sub.channelID)
	}
}

// Publish delivers a durable event to every subscriber of channelID. A
// subscriber whose queue is full is disconnected with ErrSlowConsumer; the
// publisher never blocks on it. Callers publish in commit order.
func (h *Hub) Publish(ctx context.Context, channelID string, event Event) {
	h.publish(channelID, event, false, true)
}

// PublishAdvisory delivers an event that subscribers may miss without losing
// state, such as cursor movement. Full queues drop the event.
func (h *Hub) PublishAdvisory(ctx context.Context, channelID string, event Event) {
	h.publish(channelID, event, true, true)
}

// deliverRemote hands an event received from another node to local
// subscribers without forwarding it again.
func (h *Hub) deliverRemote(event Event) {
	h.publish(event.ChannelID, event, event.Type == EventPresenceCursor, false)
}

func (h *Hub) publish(channelID string, event Event, advisory, forward bool) {
	if event.ChannelID == "" {
		event.ChannelID = channelID
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	h.mu.RLock()
	entry := h.channels[channelID]
	forwarder := h.forwarder
	evicted := false
	if entry != nil {
		entry.mu.Lock()
		for sub := range entry.subs {
			select {
			case sub.events <- event:
				h.metrics.HubDelivery("delivered")
			default:
				if advisory {
					h.metrics.HubDelivery("dropped")
					continue
				}
				delete(entry.subs, sub)
				sub.finish(ErrSlowConsumer)
				evicted = true
				h.metrics.HubDelivery("evicted")
				h.metrics.SubscriberRemoved()
				h.logger.Warn("evicted slow subscriber", "channel_id", channelID, "event_type", event.Type)
			}
		}
		entry.mu.Unlock()
	}
	h.mu.RUnlock()

	if evicted {
		h.reap(channelID)
	}
	if forward && forwarder != nil {
		forwarder.Forward(event)
	}
}

func (h *Hub) reap(channelID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.channels[channelID]
	if !ok {
		return
	}
	entry.mu.Lock()
	empty := len(entry.subs) == 0
	entry.mu.Unlock()
	if empty {
		delete(h.channels, channelID)
	}
}

// SubscriberCount reports the live subscribers of channelID.
func (h *Hub) SubscriberCount(channelID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	entry, ok := h.channels[channelID]
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.subs)
}

// ChannelCount reports how many channels have at least one subscriber.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Close ends every subscription with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for channelID, entry := range h.channels {
		entry.mu.Lock()
		for sub := range entry.subs {
			sub.finish(ErrClosed)
			h.metrics.SubscriberRemoved()
		}
		entry.subs = nil
		entry.mu.Unlock()
		delete(h.channels, channelID)
	}
}

func (s *Subscription) ChannelID() string {
	return s.channelID
}

// Events yields queued events and is closed when the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended: nil after Unsubscribe,
// ErrSlowConsumer after an overflow, ErrClosed on hub shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes from the hub.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}

// finish is called with the channel entry locked, so no send can race the
// close of events.
func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		close(s.events)
	})
}
