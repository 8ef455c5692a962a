package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"collab-sync/pkg/mobilesync"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type syncRequest struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId,omitempty"`
	Update     string `json:"update"`
}

type syncResponse struct {
	DocumentID string    `json:"documentId"`
	Update     string    `json:"update"`
	Version    int64     `json:"version"`
	Timestamp  time.Time `json:"timestamp"`
}

func newSyncResponse(documentID string, res *mobilesync.Result) syncResponse {
	return syncResponse{
		DocumentID: documentID,
		Update:     base64.StdEncoding.EncodeToString(res.Update),
		Version:    res.Version,
		Timestamp:  res.Timestamp,
	}
}

// Sync merges a mobile client's update and returns the merged document.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxMessageBytes)).Decode(&req); err != nil {
		badRequest(w, "invalid JSON")
		return
	}
	if req.DocumentID == "" {
		badRequest(w, "documentId is required")
		return
	}
	update, err := base64.StdEncoding.DecodeString(req.Update)
	if err != nil || len(update) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: "update must be non-empty base64",
			Code:  "malformed_update",
		})
		return
	}

	res, err := h.mobile.Sync(r.Context(), req.DocumentID, req.UserID, update)
	if err != nil {
		if status, _ := classify(err); status == http.StatusBadRequest {
			h.log.Warn("sync rejected", zap.String("document_id", req.DocumentID), zap.Error(err))
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSyncResponse(req.DocumentID, res))
}

// GetSync returns the current state of a document. Unknown documents are 404.
func (h *Handlers) GetSync(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentId"]

	res, err := h.mobile.Get(r.Context(), documentID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSyncResponse(documentID, res))
}
