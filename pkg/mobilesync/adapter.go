// Package mobilesync is the request/response ingress for offline-first
// clients. It has no session concept: every call is keyed by document id and
// goes through the same merge as websocket clients.
package mobilesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/session"
	"collab-sync/pkg/versioning"

	"go.uber.org/zap"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidRequest   = errors.New("invalid sync request")
)

// LiveDocuments gives access to documents held by live sessions.
// session.Registry implements it.
type LiveDocuments interface {
	ApplyToDocument(ctx context.Context, key versioning.Key, userID string, update []byte) (*session.Applied, error)
	DocumentState(ctx context.Context, key versioning.Key) (*session.Applied, error)
}

// Result is the merged document returned to the caller.
type Result struct {
	Update    []byte
	Version   int64
	Timestamp time.Time
}

// Adapter merges updates from sync callers into stored documents of one
// document type.
type Adapter struct {
	versions     *versioning.Service
	live         LiveDocuments
	documentType string
	log          *zap.Logger
}

// New creates an adapter. live may be nil, in which case every call takes the
// stateless load-merge-persist path.
func New(versions *versioning.Service, live LiveDocuments, documentType string, logger *zap.Logger) *Adapter {
	return &Adapter{
		versions:     versions,
		live:         live,
		documentType: documentType,
		log:          logger,
	}
}

func (a *Adapter) key(documentID string) versioning.Key {
	return versioning.Key{DocumentType: a.documentType, DocumentID: documentID}
}

// Sync merges update into the document and persists the result immediately.
// When a live session edits the document the update is applied there so its
// clients see it at once.
func (a *Adapter) Sync(ctx context.Context, documentID, userID string, update []byte) (*Result, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: documentId is required", ErrInvalidRequest)
	}
	key := a.key(documentID)

	if a.live != nil {
		applied, err := a.live.ApplyToDocument(ctx, key, userID, update)
		if err != nil {
			return nil, err
		}
		if applied != nil {
			a.log.Debug("sync routed into live session",
				zap.String("document_id", documentID),
				zap.String("session_id", applied.Version.SessionID),
				zap.Int64("version", applied.Version.Version))
			return result(applied.State, applied.Version), nil
		}
	}

	state, v, err := a.versions.Update(ctx, versioning.Request{
		Key:     key,
		UserID:  userID,
		Trigger: versioning.TriggerMobile,
	}, update)
	if err != nil {
		return nil, err
	}
	return result(state.Encode(), v), nil
}

// Get returns the current state of a document. A document with neither a
// stored version nor any live edits is ErrDocumentNotFound.
func (a *Adapter) Get(ctx context.Context, documentID string) (*Result, error) {
	if documentID == "" {
		return nil, fmt.Errorf("%w: documentId is required", ErrInvalidRequest)
	}
	key := a.key(documentID)

	if a.live != nil {
		applied, err := a.live.DocumentState(ctx, key)
		if err != nil {
			return nil, err
		}
		if applied != nil {
			// a live session on a document that was never stored or edited
			if applied.Version.Version == 0 && applied.Empty {
				return nil, ErrDocumentNotFound
			}
			return result(applied.State, applied.Version), nil
		}
	}

	state, v, err := a.versions.Load(ctx, key)
	if errors.Is(err, db.ErrVersionNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return result(state.Encode(), v), nil
}

func result(state []byte, v *db.DocumentVersion) *Result {
	return &Result{Update: state, Version: v.Version, Timestamp: v.CreatedAt}
}
