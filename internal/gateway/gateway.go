// Package gateway serves the streaming connection reviewers keep open on a
// channel: catch-up on connect, live events, and commands sent back up the
// socket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"frameproof/internal/apperr"
	"frameproof/internal/hub"
	"frameproof/internal/models"
	"frameproof/internal/observability/logging"
	"frameproof/internal/observability/metrics"
	"frameproof/internal/session"
)

const (
	defaultSendBuffer        = 64
	defaultHeartbeatInterval = 25 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultIdleTimeout       = 45 * time.Second
	defaultMaxMessageBytes   = 64 << 10
)

// Sessions is the channel session registry the gateway drives.
type Sessions interface {
	Connect(ctx context.Context, identity, channelID, connectionID string, since int64) (*session.Stream, []models.Comment, error)
	Disconnect(ctx context.Context, stream *session.Stream)
	Do(ctx context.Context, identity string, op session.Operation) (any, error)
}

type Config struct {
	Sessions Sessions
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	// SendBuffer is the number of outbound frames queued per connection
	// before the connection is treated as stalled and closed.
	SendBuffer int
	// HeartbeatInterval controls WebSocket ping frames. Negative disables.
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	// IdleTimeout closes a connection whose client sends no message for this
	// long. It matches the presence heartbeat timeout, after which the
	// reviewer would be dropped from presence anyway. Negative disables.
	IdleTimeout     time.Duration
	MaxMessageBytes int
	// ErrorStatus maps an error to the HTTP status used when the connection
	// is refused before the upgrade.
	ErrorStatus func(error) int
}

type Gateway struct {
	sessions          Sessions
	logger            *slog.Logger
	metrics           *metrics.Recorder
	sendBuffer        int
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	idleTimeout       time.Duration
	maxMessageBytes   int
	errorStatus       func(error) int
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("gateway sessions are required")
	}
	g := &Gateway{
		sessions:          cfg.Sessions,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		sendBuffer:        cfg.SendBuffer,
		heartbeatInterval: cfg.HeartbeatInterval,
		writeTimeout:      cfg.WriteTimeout,
		idleTimeout:       cfg.IdleTimeout,
		maxMessageBytes:   cfg.MaxMessageBytes,
		errorStatus:       cfg.ErrorStatus,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	g.logger = logging.WithComponent(g.logger, "gateway")
	if g.sendBuffer <= 0 {
		g.sendBuffer = defaultSendBuffer
	}
	if g.heartbeatInterval == 0 {
		g.heartbeatInterval = defaultHeartbeatInterval
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.idleTimeout == 0 {
		g.idleTimeout = defaultIdleTimeout
	}
	if g.maxMessageBytes <= 0 {
		g.maxMessageBytes = defaultMaxMessageBytes
	}
	if g.errorStatus == nil {
		g.errorStatus = func(error) int { return http.StatusBadRequest }
	}
	return g, nil
}

// Frame types sent to clients.
const (
	FrameEvent   = "event"
	FrameAck     = "ack"
	FrameError   = "error"
	FrameResync  = "resync"
	FrameCatchup = "catchup"
)

// ServerFrame is a message written to the client.
type ServerFrame struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId,omitempty"`
	Event     *hub.Event       `json:"event,omitempty"`
	Comment   *models.Comment  `json:"comment,omitempty"`
	Comments  []models.Comment `json:"comments,omitempty"`
	Revision  int64            `json:"revision,omitempty"`
	Error     string           `json:"error,omitempty"`
	Code      string           `json:"code,omitempty"`
}

// ClientFrame is a command read from the client.
type ClientFrame struct {
	Type      string             `json:"type"`
	RequestID string             `json:"requestId,omitempty"`
	Timestamp *float64           `json:"timestamp,omitempty"`
	Content   string             `json:"content,omitempty"`
	Kind      models.CommentKind `json:"kind,omitempty"`
}

// Serve opens the channel session for identity, upgrades the request and
// runs the connection until either side closes it. Refusals that happen
// before the upgrade are written as plain HTTP errors.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, identity, channelID string, since int64) {
	connectionID := uuid.NewString()
	ctx := logging.ContextWithConnectionID(context.WithoutCancel(r.Context()), connectionID)
	ctx = logging.ContextWithChannelID(ctx, channelID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := logging.WithContext(ctx, g.logger)

	stream, catchup, err := g.sessions.Connect(ctx, identity, channelID, connectionID, since)
	if err != nil {
		http.Error(w, err.Error(), g.errorStatus(err))
		return
	}
	defer g.sessions.Disconnect(ctx, stream)

	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn.SetReadLimit(g.maxMessageBytes)

	c := &client{
		gateway:  g,
		conn:     conn,
		stream:   stream,
		identity: identity,
		send:     make(chan []byte, g.sendBuffer),
		cancel:   cancel,
		logger:   logger,
	}
	defer c.close()

	c.enqueue(ServerFrame{Type: FrameCatchup, Comments: catchup, Revision: stream.HighWater()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pump(ctx)
	}()
	if g.heartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.heartbeatLoop(ctx, g.heartbeatInterval)
		}()
	}

	logger.Info("stream opened", "identity", identity, "since", since, "catchup", len(catchup))
	c.readLoop(ctx)
	c.close()
	g.sessions.Disconnect(ctx, stream)
	wg.Wait()
	logger.Info("stream closed", "identity", identity, "revision", stream.HighWater())
}

type client struct {
	gateway  *Gateway
	conn     *Conn
	stream   *session.Stream
	identity string
	send     chan []byte
	cancel   context.CancelFunc
	logger   *slog.Logger
	closed   sync.Once
}

// enqueue queues frame for the writer. A full queue means the socket is not
// draining, so the connection is closed and the client is expected to
// reconnect with its last revision.
func (c *client) enqueue(frame ServerFrame) bool {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("encode frame failed", "type", frame.Type, "error", err)
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		c.logger.Warn("outbound queue full, closing stream")
		c.close()
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) {
	defer c.close()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout))
			if err := c.conn.WriteText(payload); err != nil {
				return
			}
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// pump forwards hub events to the client. A revision gap, or a resync marker
// from the relay, is closed by sending the missed comments from the ledger.
// When the hub drops the subscription for overflow the client is told to
// resync and receives the comments it missed before live delivery resumes.
func (c *client) pump(ctx context.Context) {
	for {
		sub := c.stream.Subscription()
		for ev := range sub.Events() {
			switch c.stream.Admit(ev) {
			case session.Skip:
				continue
			case session.Gap:
				if !c.catchUp(ctx, ev) {
					return
				}
				continue
			}
			event := ev
			if !c.enqueue(ServerFrame{Type: FrameEvent, Event: &event, Revision: event.Revision}) {
				return
			}
		}
		if ctx.Err() != nil || !errors.Is(sub.Err(), hub.ErrSlowConsumer) {
			c.close()
			return
		}
		c.logger.Warn("subscriber overflowed, resyncing", "revision", c.stream.HighWater())
		if !c.enqueue(ServerFrame{Type: FrameResync, Revision: c.stream.HighWater()}) {
			return
		}
		missed, err := c.stream.Resync(ctx)
		if err != nil {
			c.logger.Error("resync failed", "error", err)
			c.close()
			return
		}
		if !c.enqueue(ServerFrame{Type: FrameCatchup, Comments: missed, Revision: c.stream.HighWater()}) {
			return
		}
	}
}

func (c *client) catchUp(ctx context.Context, trigger hub.Event) bool {
	from := c.stream.HighWater()
	missed, err := c.stream.CatchUp(ctx)
	if err != nil {
		c.logger.Error("catch-up failed", "error", err)
		c.close()
		return false
	}
	c.logger.Debug("closed revision gap", "event_type", trigger.Type, "event_revision", trigger.Revision, "from", from, "to", c.stream.HighWater())
	if len(missed) == 0 {
		return true
	}
	return c.enqueue(ServerFrame{Type: FrameCatchup, Comments: missed, Revision: c.stream.HighWater()})
}

func (c *client) readLoop(ctx context.Context) {
	for {
		payload, err := c.read(ctx)
		if err != nil {
			switch {
			case errors.Is(err, ErrFrameTooLarge):
				_ = c.conn.CloseWithStatus(1009, "message too large")
			case errors.Is(err, os.ErrDeadlineExceeded):
				c.logger.Info("closing idle stream", "idle_timeout", c.gateway.idleTimeout)
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.gateway.writeTimeout))
				_ = c.conn.CloseWithStatus(1001, "idle timeout")
			}
			return
		}
		var msg ClientFrame
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("", invalidFrame("invalid payload"))
			continue
		}
		c.handle(ctx, msg)
	}
}

// read waits for the next client message, allowing at most the idle timeout
// since the previous one.
func (c *client) read(ctx context.Context) ([]byte, error) {
	if c.gateway.idleTimeout < 0 {
		return c.conn.ReadMessage(ctx)
	}
	readCtx, cancel := context.WithTimeout(ctx, c.gateway.idleTimeout)
	defer cancel()
	return c.conn.ReadMessage(readCtx)
}

func (c *client) handle(ctx context.Context, msg ClientFrame) {
	channelID := c.stream.ChannelID()
	sessions := c.gateway.sessions
	switch msg.Type {
	case "ping":
		c.enqueue(ServerFrame{Type: FrameAck, RequestID: msg.RequestID, Revision: c.stream.HighWater()})
	case "heartbeat":
		_, err := sessions.Do(ctx, c.identity, session.Heartbeat{Channel: channelID})
		if errors.Is(err, apperr.ErrNotFound) {
			// The reaper expired the entry while the socket stayed open.
			c.logger.Info("presence expired, rejoining")
			if err = c.stream.Rejoin(ctx); err != nil {
				c.logger.Warn("presence rejoin failed, closing stream", "error", err)
				c.close()
				return
			}
		}
		if err != nil {
			c.sendError(msg.RequestID, err)
			return
		}
		c.enqueue(ServerFrame{Type: FrameAck, RequestID: msg.RequestID})
	case "cursor":
		if msg.Timestamp == nil {
			c.sendError(msg.RequestID, invalidFrame("timestamp required"))
			return
		}
		if _, err := sessions.Do(ctx, c.identity, session.MoveCursor{Channel: channelID, Timestamp: *msg.Timestamp}); err != nil {
			c.sendError(msg.RequestID, err)
		}
	case "comment":
		if msg.Timestamp == nil {
			c.sendError(msg.RequestID, invalidFrame("timestamp required"))
			return
		}
		out, err := sessions.Do(ctx, c.identity, session.AppendComment{
			Channel:   channelID,
			Timestamp: *msg.Timestamp,
			Content:   msg.Content,
			Kind:      msg.Kind,
		})
		if err != nil {
			c.sendError(msg.RequestID, err)
			return
		}
		comment := out.(models.Comment)
		c.enqueue(ServerFrame{Type: FrameAck, RequestID: msg.RequestID, Comment: &comment, Revision: comment.Revision})
	default:
		c.sendError(msg.RequestID, invalidFrame("unknown command "+msg.Type))
	}
}

func (c *client) sendError(requestID string, err error) {
	c.enqueue(ServerFrame{Type: FrameError, RequestID: requestID, Error: err.Error(), Code: apperr.CodeOf(err)})
}

func invalidFrame(reason string) error {
	return fmt.Errorf("%s: %w", reason, apperr.ErrInvalidInput)
}

func (c *client) close() {
	c.closed.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
	})
}
