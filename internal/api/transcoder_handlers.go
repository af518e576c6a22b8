package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"frameproof/internal/apperr"
	"frameproof/internal/identity"
	"frameproof/internal/transcoder"
)

// TranscoderCallback accepts job progress from the external transcoder. The
// caller authenticates with the shared secret as a bearer token.
func (h *Handler) TranscoderCallback(w http.ResponseWriter, r *http.Request) {
	if h.CallbackSecret == "" || h.Callbacks == nil {
		writeError(w, fmt.Errorf("transcoder callbacks are disabled: %w", apperr.ErrForbidden))
		return
	}
	token := identity.BearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.CallbackSecret)) != 1 {
		writeError(w, identity.ErrUnauthenticated)
		return
	}
	var cb transcoder.Callback
	if err := decodeJSON(r, &cb); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Callbacks.HandleCallback(r.Context(), cb); err != nil {
		h.logger(r.Context()).Warn("transcoder callback rejected", "asset_id", cb.AssetID, "status", cb.Status, "error", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
