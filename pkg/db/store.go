package db

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrVersionNotFound     = errors.New("document version not found")
)

// Store is the persistence contract the sync engine consumes.
type Store interface {
	CreateSession(ctx context.Context, s *Session) (*Session, error)
	GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error)
	// UpdateSession applies a partial update to the session with the given
	// session id.
	UpdateSession(ctx context.Context, sessionID string, patch *SessionPatch) error

	CreateParticipant(ctx context.Context, p *Participant) (*Participant, error)
	UpdateParticipant(ctx context.Context, id string, patch *ParticipantPatch) error
	GetActiveParticipant(ctx context.Context, sessionID, userID string) (*Participant, error)
	GetParticipant(ctx context.Context, sessionID, userID string) (*Participant, error)
	ListParticipants(ctx context.Context, sessionID string) ([]*Participant, error)

	// CreateDocumentVersion assigns the next version number for the
	// document and stores the snapshot. Any Version set by the caller is
	// ignored.
	CreateDocumentVersion(ctx context.Context, v *DocumentVersion) (*DocumentVersion, error)
	GetLatestDocumentVersion(ctx context.Context, documentType, documentID string) (*DocumentVersion, error)
	ListDocumentVersions(ctx context.Context, filter VersionFilter) ([]*DocumentVersion, error)

	CreateEvent(ctx context.Context, e *Event) (*Event, error)
	// ListEvents returns events oldest first. A nil since returns from the
	// beginning; limit <= 0 means no limit.
	ListEvents(ctx context.Context, sessionID string, since *time.Time, limit int) ([]*Event, error)

	Close() error
}

// now is the timestamp used for rows. Microsecond precision matches Postgres.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
