// Package versioning persists immutable, monotonically numbered snapshots of
// document state.
package versioning

import (
	"context"
	"errors"
	"fmt"

	"collab-sync/pkg/db"
	"collab-sync/pkg/document"

	"go.uber.org/zap"
)

// ErrPersistenceFailure wraps any failure to write a snapshot. In-memory
// state is never discarded on this error.
var ErrPersistenceFailure = errors.New("persistence failure")

// Key identifies a logical document.
type Key struct {
	DocumentType string
	DocumentID   string
}

func (k Key) String() string {
	return k.DocumentType + "/" + k.DocumentID
}

// Trigger records why a snapshot was written. It is stored in the version
// metadata.
type Trigger string

const (
	TriggerSeed      Trigger = "seed"
	TriggerThreshold Trigger = "threshold"
	TriggerSweep     Trigger = "sweep"
	TriggerLeave     Trigger = "leave"
	TriggerClose     Trigger = "close"
	TriggerMobile    Trigger = "mobile"
	TriggerShutdown  Trigger = "shutdown"
)

// Request describes one snapshot write.
type Request struct {
	Key       Key
	SessionID string
	UserID    string
	Trigger   Trigger
	// KnownVersion is the newest stored version the caller's state already
	// contains. A newer stored version is merged in before writing.
	KnownVersion int64
}

// Result is the outcome of a successful Persist.
type Result struct {
	Version *db.DocumentVersion
	// Pulled holds changes merged in from a newer stored version, or nil.
	Pulled []byte
}

// Service writes document versions. Load-merge-persist cycles for the same
// document are serialized within the process.
type Service struct {
	store db.Store
	log   *zap.Logger
	locks *keyedMutex
}

// NewService creates a versioning service.
func NewService(store db.Store, logger *zap.Logger) *Service {
	return &Service{
		store: store,
		log:   logger,
		locks: newKeyedMutex(),
	}
}

// Load decodes the latest stored version of a document. A document with no
// versions yields db.ErrVersionNotFound.
func (s *Service) Load(ctx context.Context, key Key) (*document.State, *db.DocumentVersion, error) {
	latest, err := s.store.GetLatestDocumentVersion(ctx, key.DocumentType, key.DocumentID)
	if err != nil {
		return nil, nil, err
	}
	state, err := document.Decode(latest.Snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode version %d of %s: %w", latest.Version, key, err)
	}
	return state, latest, nil
}

// Persist writes state as a new version. When the store holds a version newer
// than req.KnownVersion, that snapshot is merged into state first so writers
// on other paths are never overwritten. state must be owned by the caller.
func (s *Service) Persist(ctx context.Context, state *document.State, req Request) (*Result, error) {
	unlock := s.locks.Lock(req.Key)
	defer unlock()
	return s.persistLocked(ctx, state, req)
}

func (s *Service) persistLocked(ctx context.Context, state *document.State, req Request) (*Result, error) {
	res := &Result{}

	latest, err := s.store.GetLatestDocumentVersion(ctx, req.Key.DocumentType, req.Key.DocumentID)
	switch {
	case errors.Is(err, db.ErrVersionNotFound):
	case err != nil:
		return nil, fmt.Errorf("%w: failed to read latest version of %s: %v", ErrPersistenceFailure, req.Key, err)
	case latest.Version > req.KnownVersion:
		before := state.Heads()
		changed, err := state.Merge(latest.Snapshot)
		if err != nil {
			s.log.Error("stored snapshot is not decodable, overwriting",
				zap.String("document", req.Key.String()),
				zap.Int64("version", latest.Version),
				zap.Error(err))
		} else if changed {
			pulled, err := state.DiffSince(before)
			if err != nil {
				return nil, fmt.Errorf("failed to diff pulled changes: %w", err)
			}
			res.Pulled = pulled
		}
	}

	v, err := s.store.CreateDocumentVersion(ctx, &db.DocumentVersion{
		SessionID:    req.SessionID,
		DocumentType: req.Key.DocumentType,
		DocumentID:   req.Key.DocumentID,
		Snapshot:     state.Encode(),
		UserID:       req.UserID,
		Metadata:     map[string]interface{}{"trigger": string(req.Trigger)},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}
	res.Version = v

	s.log.Info("document version persisted",
		zap.String("document", req.Key.String()),
		zap.String("session_id", req.SessionID),
		zap.Int64("version", v.Version),
		zap.String("trigger", string(req.Trigger)),
		zap.Int("bytes", len(v.Snapshot)))
	return res, nil
}

// Update loads the latest stored state of a document, merges update into it
// and persists the result immediately. A malformed update returns
// document.ErrMalformedUpdate, and an update building on changes that were
// never stored returns document.ErrMissingDependencies; neither stores
// anything.
func (s *Service) Update(ctx context.Context, req Request, update []byte) (*document.State, *db.DocumentVersion, error) {
	unlock := s.locks.Lock(req.Key)
	defer unlock()

	state, latest, err := s.Load(ctx, req.Key)
	switch {
	case errors.Is(err, db.ErrVersionNotFound):
		state = document.New()
	case err != nil:
		return nil, nil, fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	default:
		req.KnownVersion = latest.Version
	}

	if _, err := state.Merge(update); err != nil {
		return nil, nil, err
	}
	complete, err := state.Complete(update)
	if err != nil {
		return nil, nil, err
	}
	if !complete {
		return nil, nil, document.ErrMissingDependencies
	}

	res, err := s.persistLocked(ctx, state, req)
	if err != nil {
		return nil, nil, err
	}
	return state, res.Version, nil
}

// History lists stored versions of a document, newest first.
func (s *Service) History(ctx context.Context, key Key, limit int) ([]*db.DocumentVersion, error) {
	return s.store.ListDocumentVersions(ctx, db.VersionFilter{
		DocumentType: key.DocumentType,
		DocumentID:   key.DocumentID,
		Limit:        limit,
	})
}
