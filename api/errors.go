package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/theapp/server/account"
	"github.com/theapp/server/storage"
)

// maxBodySize caps JSON request bodies. Every request type is a handful of
// short strings.
const maxBodySize = 16 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err with the request id and responds with msg
// only. Error details never reach the client.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Any("error", err),
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		base = append(base, slog.String("session_id", id.SessionID))
	}
	a.logger.LogAttrs(r.Context(), slog.LevelError, msg, append(base, attrs...)...)
	writeError(w, http.StatusInternalServerError, msg)
}

// mapError translates domain errors. Anything unrecognised is internal.
func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, account.ErrWeakPassword),
		errors.Is(err, account.ErrInvalidEmail),
		errors.Is(err, account.ErrInvalidRole),
		errors.Is(err, account.ErrInvalidInvite),
		errors.Is(err, account.ErrInviteExpired),
		errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrEmailTaken),
		errors.Is(err, account.ErrInviteExists),
		errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		a.writeInternalError(w, r, "internal error", err)
	}
}

// decodeJSON reads a single JSON object of type T from the request body.
// On failure it writes a 400 and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON body")
		}
		return v, false
	}
	return v, true
}
