package api

import (
	"net/http"
)

// Stream upgrades to the channel's WebSocket stream. ?since is the last
// revision the client holds; the connection opens with everything after it.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	who, err := requireIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	since, err := sinceParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Streamer.Serve(w, r, who, pathParam(r, "channelID"), since)
}
