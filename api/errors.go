package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jmcleod/taskboard/session"
	"github.com/jmcleod/taskboard/storage"
	"github.com/jmcleod/taskboard/tasks"
)

// unavailableRetryAfter is the Retry-After hint, in seconds, sent with 503s.
const unavailableRetryAfter = "5"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeAuthError answers a failed login. The status depends only on the
// error kind: malformed input is the client's fault, provider-level
// rejections are 401, and an unreachable dependency is a retryable 503.
func writeAuthError(w http.ResponseWriter, err error) {
	kind := session.KindOf(err)
	var (
		status int
		msg    string
	)
	switch kind {
	case session.KindMalformed:
		status, msg = http.StatusBadRequest, "malformed identity token"
	case session.KindExpired:
		status, msg = http.StatusUnauthorized, "identity token expired; sign in again"
	case session.KindRevoked:
		status, msg = http.StatusUnauthorized, "identity token revoked; sign in again"
	case session.KindUntrusted:
		status, msg = http.StatusUnauthorized, "identity token not accepted"
	case session.KindUnavailable:
		w.Header().Set("Retry-After", unavailableRetryAfter)
		status, msg = http.StatusServiceUnavailable, "authentication temporarily unavailable; try again shortly"
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, status, ErrorResponse{Error: msg, Code: kind.String()})
}

func mapError(w http.ResponseWriter, err error) {
	var ve *tasks.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, tasks.ErrConflict), errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tasks.ErrLimit):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON decodes a size-limited JSON request body into T, rejecting
// unknown fields. On failure it writes the error response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	return v, true
}

func contextOf(r *http.Request) context.Context {
	if r == nil {
		return context.Background()
	}
	return r.Context()
}
