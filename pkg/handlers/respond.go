package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"collab-sync/pkg/db"
	"collab-sync/pkg/document"
	"collab-sync/pkg/mobilesync"
	"collab-sync/pkg/session"
	"collab-sync/pkg/versioning"

	"go.uber.org/zap"
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// classify maps an error to an HTTP status and a stable machine code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, db.ErrSessionNotFound),
		errors.Is(err, db.ErrVersionNotFound),
		errors.Is(err, mobilesync.ErrDocumentNotFound),
		errors.Is(err, session.ErrClientNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, document.ErrMalformedUpdate):
		return http.StatusBadRequest, "malformed_update"
	case errors.Is(err, document.ErrMissingDependencies):
		return http.StatusConflict, "missing_dependencies"
	case errors.Is(err, mobilesync.ErrInvalidRequest),
		errors.Is(err, session.ErrInvalidSeed),
		errors.Is(err, session.ErrInvalidPresence):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, versioning.ErrPersistenceFailure):
		return http.StatusServiceUnavailable, "persistence_failure"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: "invalid_request"})
}
