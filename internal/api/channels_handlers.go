package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"frameproof/internal/apperr"
	"frameproof/internal/models"
	"frameproof/internal/session"
	"frameproof/internal/storage"
)

type createChannelRequest struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
}

type channelResponse struct {
	models.FeedbackChannel
	ActiveAsset *models.MediaAsset `json:"activeAsset,omitempty"`
}

type addMemberRequest struct {
	Identity string            `json:"identity"`
	Role     models.MemberRole `json:"role"`
}

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createChannelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	channel, err := h.Store.CreateChannel(r.Context(), storage.CreateChannelParams{
		ID:        uuid.NewString(),
		ProjectID: strings.TrimSpace(req.ProjectID),
		Title:     strings.TrimSpace(req.Title),
		CreatedBy: who,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger(r.Context()).Info("channel created", "channel_id", channel.ID, "identity", who)
	writeJSON(w, http.StatusCreated, channelResponse{FeedbackChannel: channel})
}

func (h *Handler) GetChannel(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channelID := pathParam(r, "channelID")
	if err := h.ensureMember(r.Context(), channelID, who); err != nil {
		writeError(w, err)
		return
	}
	channel, err := h.Store.GetChannel(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := channelResponse{FeedbackChannel: channel}
	if channel.ActiveAssetID != nil {
		asset, err := h.Store.GetAsset(r.Context(), *channel.ActiveAssetID)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.ActiveAsset = &asset
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channelID := pathParam(r, "channelID")
	role, err := h.Authorizer.Role(r.Context(), channelID, who)
	if err != nil {
		writeError(w, err)
		return
	}
	if role != models.RoleOwner {
		writeError(w, fmt.Errorf("only owners add members: %w", apperr.ErrForbidden))
		return
	}
	var req addMemberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	member := models.ChannelMember{
		ChannelID: channelID,
		Identity:  strings.TrimSpace(req.Identity),
		Role:      req.Role,
		AddedAt:   time.Now().UTC(),
	}
	if member.Identity == "" {
		writeError(w, fmt.Errorf("identity is required: %w", apperr.ErrInvalidInput))
		return
	}
	if member.Role == "" {
		member.Role = models.RoleReviewer
	}
	if member.Role != models.RoleReviewer && member.Role != models.RoleOwner {
		writeError(w, fmt.Errorf("unknown role %q: %w", member.Role, apperr.ErrInvalidInput))
		return
	}
	if err := h.Store.AddMember(r.Context(), member); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channelID := pathParam(r, "channelID")
	if err := h.ensureMember(r.Context(), channelID, who); err != nil {
		writeError(w, err)
		return
	}
	assets, err := h.Store.ListAssets(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (h *Handler) ListPresence(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Sessions.Do(r.Context(), who, session.ListPresence{Channel: pathParam(r, "channelID")})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
