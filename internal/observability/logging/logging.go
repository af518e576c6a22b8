// Package logging configures log/slog for FrameProof and carries request,
// channel and connection identifiers through contexts into log records.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Config struct {
	Level string
	// Format is "json" (default) or "text".
	Format string
	Writer io.Writer
}

// Init builds a logger from cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New returns a logger whose records automatically carry the identifiers
// stored on the context passed to the *Context logging methods.
func New(cfg Config) *slog.Logger {
	out := cfg.Writer
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "text") {
		base = slog.NewTextHandler(out, opts)
	} else {
		base = slog.NewJSONHandler(out, opts)
	}
	return slog.New(contextHandler{Handler: base})
}

// Discard drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func parseLevel(level string) slog.Level {
	var lvl slog.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "warning" {
		normalized = "warn"
	}
	if err := lvl.UnmarshalText([]byte(normalized)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// scope is the set of identifiers tracked on a context. Each setter copies it
// so parents never observe a child's values.
type scope struct {
	requestID    string
	channelID    string
	connectionID string
	logger       *slog.Logger
}

func (s scope) attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 3)
	if s.requestID != "" {
		attrs = append(attrs, slog.String("request_id", s.requestID))
	}
	if s.channelID != "" {
		attrs = append(attrs, slog.String("channel_id", s.channelID))
	}
	if s.connectionID != "" {
		attrs = append(attrs, slog.String("connection_id", s.connectionID))
	}
	return attrs
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func update(ctx context.Context, apply func(*scope)) context.Context {
	s := scopeFrom(ctx)
	apply(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

func withID(ctx context.Context, id string, field func(*scope) *string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return update(ctx, func(s *scope) { *field(s) = id })
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, id, func(s *scope) *string { return &s.requestID })
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).requestID
	return id, id != ""
}

// ContextWithChannelID tags ctx with the feedback channel being served.
func ContextWithChannelID(ctx context.Context, id string) context.Context {
	return withID(ctx, id, func(s *scope) *string { return &s.channelID })
}

func ChannelIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).channelID
	return id, id != ""
}

func ContextWithConnectionID(ctx context.Context, id string) context.Context {
	return withID(ctx, id, func(s *scope) *string { return &s.connectionID })
}

func ConnectionIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFrom(ctx).connectionID
	return id, id != ""
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return update(ctx, func(s *scope) { s.logger = logger })
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return scopeFrom(ctx).logger
}

// WithContext binds the identifiers in ctx to logger so records written
// without a context still carry them.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	attrs := scopeFrom(ctx).attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// contextHandler appends the context identifiers that the record does not
// already carry.
type contextHandler struct {
	slog.Handler
	bound map[string]bool
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, attr := range scopeFrom(ctx).attrs() {
		if !h.bound[attr.Key] {
			record.AddAttrs(attr)
		}
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}
	for _, a := range attrs {
		bound[a.Key] = true
	}
	return contextHandler{Handler: h.Handler.WithAttrs(attrs), bound: bound}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name), bound: h.bound}
}
