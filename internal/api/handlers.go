package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"frameproof/internal/apperr"
	"frameproof/internal/identity"
	"frameproof/internal/models"
	"frameproof/internal/observability/logging"
	"frameproof/internal/session"
	"frameproof/internal/storage"
	"frameproof/internal/transcoder"
	"frameproof/internal/uploads"
)

// Store is the repository surface the handlers read directly.
type Store interface {
	Ping(ctx context.Context) error
	CreateChannel(ctx context.Context, params storage.CreateChannelParams) (models.FeedbackChannel, error)
	GetChannel(ctx context.Context, id string) (models.FeedbackChannel, error)
	AddMember(ctx context.Context, member models.ChannelMember) error
	GetAsset(ctx context.Context, id string) (models.MediaAsset, error)
	ListAssets(ctx context.Context, channelID string) ([]models.MediaAsset, error)
}

// Sessions runs channel operations behind a membership check.
type Sessions interface {
	Do(ctx context.Context, identity string, op session.Operation) (any, error)
}

// Comments resolves a comment so edits and deletes can be routed to its
// channel.
type Comments interface {
	Get(ctx context.Context, commentID string) (models.Comment, error)
}

type Uploads interface {
	InitUpload(ctx context.Context, params uploads.InitParams) (models.UploadSession, error)
	Get(ctx context.Context, sessionID string) (models.UploadSession, error)
	ReceiveChunk(ctx context.Context, sessionID string, index int, body io.Reader, checksum string) (uploads.ChunkReceipt, error)
	CompleteUpload(ctx context.Context, sessionID string) (models.MediaAsset, error)
	AbortUpload(ctx context.Context, sessionID string) error
}

// Authorizer answers membership and roles for routes outside the session
// registry.
type Authorizer interface {
	IsMember(ctx context.Context, channelID, identity string) (bool, error)
	Role(ctx context.Context, channelID, identity string) (models.MemberRole, error)
}

// Streamer serves the WebSocket connection for a channel.
type Streamer interface {
	Serve(w http.ResponseWriter, r *http.Request, identity, channelID string, since int64)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store      Store
	Sessions   Sessions
	Comments   Comments
	Uploads    Uploads
	Authorizer Authorizer
	Callbacks  transcoder.CallbackSink
	Streamer   Streamer
	Logger     *slog.Logger
	// CallbackSecret authenticates transcoder webhooks. Empty disables them.
	CallbackSecret string
	// Readiness lists extra dependencies pinged by /readyz, keyed by name.
	Readiness map[string]Pinger
}

func (h *Handler) logger(ctx context.Context) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(ctx, logging.WithComponent(base, "api"))
}

// Routes mounts every API route on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/api", func(r chi.Router) {
		r.Post("/channels", h.CreateChannel)
		r.Route("/channels/{channelID}", func(r chi.Router) {
			r.Get("/", h.GetChannel)
			r.Post("/members", h.AddMember)
			r.Get("/assets", h.ListAssets)
			r.Get("/presence", h.ListPresence)
			r.Post("/uploads", h.InitUpload)
			r.Get("/comments", h.ListComments)
			r.Post("/comments", h.AppendComment)
			r.Get("/stream", h.Stream)
		})
		r.Route("/uploads/{uploadID}", func(r chi.Router) {
			r.Get("/", h.GetUpload)
			r.Delete("/", h.AbortUpload)
			r.Put("/chunks/{index}", h.ReceiveChunk)
			r.Post("/chunks/{index}", h.ReceiveChunk)
			r.Post("/complete", h.CompleteUpload)
		})
		r.Patch("/comments/{commentID}", h.EditComment)
		r.Delete("/comments/{commentID}", h.DeleteComment)
		r.Post("/transcoder/callback", h.TranscoderCallback)
	})
}

func requireIdentity(r *http.Request) (string, error) {
	who, ok := identity.FromContext(r.Context())
	if !ok {
		return "", identity.ErrUnauthenticated
	}
	return who, nil
}

func pathParam(r *http.Request, name string) string {
	return strings.TrimSpace(chi.URLParam(r, name))
}

// sinceParam parses the since query parameter; absent means 0.
func sinceParam(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("since"))
	if raw == "" {
		return 0, nil
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("since must be an integer revision: %w", apperr.ErrInvalidInput)
	}
	return since, nil
}

func (h *Handler) ensureMember(ctx context.Context, channelID, who string) error {
	ok, err := h.Authorizer.IsMember(ctx, channelID, who)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not a member of %s: %w", who, channelID, apperr.ErrForbidden)
	}
	return nil
}
