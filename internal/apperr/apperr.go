// Package apperr defines the error taxonomy shared by the collaboration
// services. Each sentinel carries a Kind (how callers must react) and a stable
// Code (what the wire surface reports).
package apperr

import (
	"errors"
)

// Kind groups errors by how a caller is expected to react to them.
type Kind string

const (
	KindInvalidInput     Kind = "invalid_input"
	KindConflict         Kind = "conflict"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindTransientStorage Kind = "transient_storage"
	KindSessionExpired   Kind = "session_expired"
	KindStateConflict    Kind = "state_conflict"
	KindInternal         Kind = "internal"
)

// Error is a classified sentinel. Call sites wrap it with fmt.Errorf and %w.
type Error struct {
	kind Kind
	code string
	msg  string
}

func define(kind Kind, code, msg string) *Error {
	return &Error{kind: kind, code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Kind reports the error's category.
func (e *Error) Kind() Kind { return e.kind }

// Code reports the stable machine-readable code.
func (e *Error) Code() string { return e.code }

var (
	ErrInvalidInput     = define(KindInvalidInput, "invalid_input", "invalid input")
	ErrInvalidTimestamp = define(KindInvalidInput, "invalid_timestamp", "invalid timestamp")
	ErrInvalidChunkPlan = define(KindInvalidInput, "invalid_chunk_plan", "invalid chunk plan")
	ErrQuotaExceeded    = define(KindInvalidInput, "quota_exceeded", "quota exceeded")

	ErrConflict         = define(KindConflict, "conflict", "conflict")
	ErrChunkConflict    = define(KindConflict, "chunk_conflict", "chunk conflict")
	ErrIncompleteUpload = define(KindConflict, "incomplete_upload", "incomplete upload")

	ErrForbidden = define(KindForbidden, "forbidden", "forbidden")
	ErrNotFound  = define(KindNotFound, "not_found", "not found")

	ErrTransientStorage = define(KindTransientStorage, "transient_storage", "transient storage error")
	ErrSessionExpired   = define(KindSessionExpired, "session_expired", "upload session expired")
	ErrStateConflict    = define(KindStateConflict, "state_conflict", "state conflict")
)

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when none is present.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	return KindInternal
}

// CodeOf returns the code of the first classified error in err's chain.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code
	}
	return "internal"
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientStorage
}

// Transient wraps err so that it classifies as a transient storage error while
// keeping the original cause available to errors.Is and errors.As.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return &wrapped{sentinel: ErrTransientStorage, cause: err}
}

type wrapped struct {
	sentinel *Error
	cause    error
}

func (w *wrapped) Error() string {
	return w.sentinel.msg + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.sentinel, w.cause}
}
