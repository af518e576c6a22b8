package api

import (
	"net/http"
	"strconv"

	"frameproof/internal/models"
	"frameproof/internal/uploads"
)

type initUploadRequest struct {
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"totalSize"`
	ChunkCount int    `json:"chunkCount"`
}

type uploadResponse struct {
	models.UploadSession
	Received []int `json:"received"`
	Missing  []int `json:"missing"`
}

func newUploadResponse(session models.UploadSession) uploadResponse {
	return uploadResponse{
		UploadSession: session,
		Received:      session.ReceivedIndices(),
		Missing:       session.MissingIndices(),
	}
}

func (h *Handler) InitUpload(w http.ResponseWriter, r *http.Request) {
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
	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	session, err := h.Uploads.InitUpload(r.Context(), uploads.InitParams{
		ChannelID:  channelID,
		Filename:   req.Filename,
		TotalSize:  req.TotalSize,
		ChunkCount: req.ChunkCount,
		CreatedBy:  who,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUploadResponse(session))
}

// uploadFor loads the session named in the path and checks the caller is a
// member of its channel.
func (h *Handler) uploadFor(r *http.Request) (models.UploadSession, error) {
	who, err := requireIdentity(r)
	if err != nil {
		return models.UploadSession{}, err
	}
	session, err := h.Uploads.Get(r.Context(), pathParam(r, "uploadID"))
	if err != nil {
		return models.UploadSession{}, err
	}
	if err := h.ensureMember(r.Context(), session.ChannelID, who); err != nil {
		return models.UploadSession{}, err
	}
	return session, nil
}

func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	session, err := h.uploadFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newUploadResponse(session))
}

func (h *Handler) ReceiveChunk(w http.ResponseWriter, r *http.Request) {
	session, err := h.uploadFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	index, err := strconv.Atoi(pathParam(r, "index"))
	if err != nil {
		writeError(w, invalid("chunk index must be an integer"))
		return
	}
	defer r.Body.Close()
	receipt, err := h.Uploads.ReceiveChunk(r.Context(), session.ID, index, r.Body, r.Header.Get("X-Chunk-Checksum"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	session, err := h.uploadFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	asset, err := h.Uploads.CompleteUpload(r.Context(), session.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, asset)
}

func (h *Handler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	session, err := h.uploadFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Uploads.AbortUpload(r.Context(), session.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
