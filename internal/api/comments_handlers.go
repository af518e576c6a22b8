package api

import (
	"encoding/json"
	"iter"
	"net/http"

	"frameproof/internal/models"
	"frameproof/internal/session"
)

type appendCommentRequest struct {
	Timestamp *float64           `json:"timestamp"`
	Content   string             `json:"content"`
	Kind      models.CommentKind `json:"kind"`
}

type editCommentRequest struct {
	Content string `json:"content"`
}

func (h *Handler) AppendComment(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req appendCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Timestamp == nil {
		writeError(w, invalid("timestamp is required"))
		return
	}
	out, err := h.Sessions.Do(r.Context(), who, session.AppendComment{
		Channel:   pathParam(r, "channelID"),
		Timestamp: *req.Timestamp,
		Content:   req.Content,
		Kind:      req.Kind,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) EditComment(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req editCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	channelID, err := h.commentChannel(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Sessions.Do(r.Context(), who, session.EditComment{
		Channel:   channelID,
		CommentID: pathParam(r, "commentID"),
		Content:   req.Content,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channelID, err := h.commentChannel(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.Sessions.Do(r.Context(), who, session.DeleteComment{Channel: channelID, CommentID: pathParam(r, "commentID")}); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// commentChannel resolves the channel a comment belongs to, so the session
// registry can authorize against it.
func (h *Handler) commentChannel(r *http.Request) (string, error) {
	comment, err := h.Comments.Get(r.Context(), pathParam(r, "commentID"))
	if err != nil {
		return "", err
	}
	return comment.ChannelID, nil
}

// ListComments streams the comments with a revision above ?since as a JSON
// array without materialising the whole history. Errors found before the
// first element still produce a proper error response.
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	channelID := pathParam(r, "channelID")
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.Sessions.Do(r.Context(), who, session.ListSince{Channel: channelID, Since: since})
	if err != nil {
		writeError(w, err)
		return
	}

	next, stop := iter.Pull2(out.(iter.Seq2[models.Comment, error]))
	defer stop()
	comment, err, ok := next()
	if ok && err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	_, _ = w.Write([]byte("["))
	for count := 0; ok; count++ {
		if err != nil {
			h.logger(r.Context()).Error("comment stream aborted", "channel_id", channelID, "sent", count, "error", err)
			return
		}
		if count > 0 {
			_, _ = w.Write([]byte(","))
		}
		if encErr := enc.Encode(comment); encErr != nil {
			return
		}
		if flusher != nil && count%100 == 99 {
			flusher.Flush()
		}
		comment, err, ok = next()
	}
	_, _ = w.Write([]byte("]\n"))
}
