package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"frameproof/internal/apperr"
	"frameproof/internal/identity"
	"frameproof/internal/uploads"
)

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Missing []int  `json:"missing,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError renders err with the status its kind maps to.
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), Code: apperr.CodeOf(err)}
	var incomplete *uploads.IncompleteError
	if errors.As(err, &incomplete) {
		resp.Missing = incomplete.Missing
	}
	status := StatusFor(err)
	if status == http.StatusUnauthorized {
		resp.Code = "unauthenticated"
	}
	if status == http.StatusInternalServerError {
		resp.Error = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, identity.ErrUnauthenticated) {
		return http.StatusUnauthorized
	}
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindConflict, apperr.KindStateConflict:
		return http.StatusConflict
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransientStorage:
		return http.StatusServiceUnavailable
	case apperr.KindSessionExpired:
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required: %w", apperr.ErrInvalidInput)
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("decode request: %v: %w", err, apperr.ErrInvalidInput)
	}
	return nil
}

const maxJSONBody = 1 << 20

func invalid(reason string) error {
	return fmt.Errorf("%s: %w", reason, apperr.ErrInvalidInput)
}
