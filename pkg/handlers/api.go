package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"collab-sync/pkg/document"
	"collab-sync/pkg/session"
	"collab-sync/pkg/versioning"

	"github.com/gorilla/mux"
)

const maxListLimit = 1000

// CreateSession creates a session and stores its seeded document.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var seed session.Seed
	if err := json.NewDecoder(r.Body).Decode(&seed); err != nil {
		badRequest(w, "invalid JSON")
		return
	}

	info, err := h.registry.Create(r.Context(), seed)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GetSession returns session metadata and, when loaded, its live state.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	info, err := h.registry.Info(r.Context(), mux.Vars(r)["sessionId"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// CloseSession persists and completes a session, disconnecting its clients.
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Close(r.Context(), mux.Vars(r)["sessionId"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionUsers returns the clients currently connected to a session.
func (h *Handlers) GetSessionUsers(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	info, err := h.registry.Info(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"users":      info.Clients,
	})
}

// ListParticipants returns every participant row of a session.
func (h *Handlers) ListParticipants(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	if _, err := h.store.GetSessionBySessionID(r.Context(), sessionID); err != nil {
		h.writeError(w, err)
		return
	}
	participants, err := h.store.ListParticipants(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

// ListEvents returns a session's events oldest first. since is RFC 3339.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	q := r.URL.Query()

	var since *time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			badRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		since = &t
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}

	if _, err := h.store.GetSessionBySessionID(r.Context(), sessionID); err != nil {
		h.writeError(w, err)
		return
	}
	events, err := h.store.ListEvents(r.Context(), sessionID, since, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ListVersions returns a document's stored versions, newest first. Snapshot
// bytes are included only with snapshots=true.
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := versioning.Key{DocumentType: vars["documentType"], DocumentID: vars["documentId"]}

	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	withSnapshots := r.URL.Query().Get("snapshots") == "true"

	versions, err := h.versions.History(r.Context(), key, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !withSnapshots {
		for _, v := range versions {
			v.Snapshot = nil
		}
	}
	writeJSON(w, http.StatusOK, versions)
}

// GetDocumentText renders the current text of a document, preferring the
// live replica over the latest stored version.
func (h *Handlers) GetDocumentText(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := versioning.Key{DocumentType: vars["documentType"], DocumentID: vars["documentId"]}

	var (
		state   *document.State
		version int64
	)
	live, err := h.registry.DocumentState(r.Context(), key)
	switch {
	case err != nil:
		h.writeError(w, err)
		return
	case live != nil:
		if state, err = document.Decode(live.State); err != nil {
			h.writeError(w, err)
			return
		}
		version = live.Version.Version
	default:
		s, v, err := h.versions.Load(r.Context(), key)
		if err != nil {
			h.writeError(w, err)
			return
		}
		state, version = s, v.Version
	}

	text, err := state.Text()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_type": key.DocumentType,
		"document_id":   key.DocumentID,
		"version":       version,
		"text":          text,
	})
}

// Health reports liveness and the number of loaded sessions.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.registry.SessionIDs()),
	})
}

func parseLimit(w http.ResponseWriter, v string) (int, bool) {
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		badRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
