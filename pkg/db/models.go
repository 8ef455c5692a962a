package db

import "time"

// SessionStatus is the lifecycle state of a persisted session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
)

// Event types recorded in the append-only event log.
const (
	EventJoin     = "join"
	EventLeave    = "leave"
	EventUpdate   = "update"
	EventCursor   = "cursor"
	EventPresence = "presence"
	EventComment  = "comment"
)

// Session binds one logical document to a collaboration context.
type Session struct {
	ID           string                 `json:"id" bson:"_id"`
	SessionID    string                 `json:"session_id" bson:"session_id"`
	DocumentType string                 `json:"document_type" bson:"document_type"`
	DocumentID   string                 `json:"document_id" bson:"document_id"`
	OwnerID      string                 `json:"owner_id" bson:"owner_id"`
	Status       SessionStatus          `json:"status" bson:"status"`
	CreatedAt    time.Time              `json:"created_at" bson:"created_at"`
	LastActivity time.Time              `json:"last_activity" bson:"last_activity"`
	Config       map[string]interface{} `json:"config,omitempty" bson:"config,omitempty"`
}

// SessionPatch applies partial updates to a session. Nil fields are left
// untouched.
type SessionPatch struct {
	Status       *SessionStatus `json:"status,omitempty"`
	LastActivity *time.Time     `json:"last_activity,omitempty"`
}

// Participant is the durable record of a user's membership in a session.
// There is one row per (session, user).
type Participant struct {
	ID        string     `json:"id" bson:"_id"`
	SessionID string     `json:"session_id" bson:"session_id"`
	UserID    string     `json:"user_id" bson:"user_id"`
	IsActive  bool       `json:"is_active" bson:"is_active"`
	Color     string     `json:"color" bson:"color"`
	JoinedAt  time.Time  `json:"joined_at" bson:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty" bson:"left_at"`
}

// ParticipantPatch applies partial updates to a participant. ClearLeftAt
// resets LeftAt to null when a user comes back.
type ParticipantPatch struct {
	IsActive    *bool      `json:"is_active,omitempty"`
	Color       *string    `json:"color,omitempty"`
	JoinedAt    *time.Time `json:"joined_at,omitempty"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
	ClearLeftAt bool       `json:"-"`
}

// DocumentVersion is an immutable snapshot of a document's CRDT state.
// Version is assigned by the store and is monotonic per (type, id).
type DocumentVersion struct {
	ID           string                 `json:"id" bson:"_id"`
	SessionID    string                 `json:"session_id,omitempty" bson:"session_id"`
	DocumentType string                 `json:"document_type" bson:"document_type"`
	DocumentID   string                 `json:"document_id" bson:"document_id"`
	Version      int64                  `json:"version" bson:"version"`
	Snapshot     []byte                 `json:"snapshot,omitempty" bson:"snapshot"`
	UserID       string                 `json:"user_id,omitempty" bson:"user_id"`
	CreatedAt    time.Time              `json:"created_at" bson:"created_at"`
	Metadata     map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// VersionFilter narrows ListDocumentVersions. Results are newest first.
type VersionFilter struct {
	DocumentType string
	DocumentID   string
	SessionID    string
	Limit        int
}

// Event is one entry of the append-only audit and replay log.
type Event struct {
	ID        string                 `json:"id" bson:"_id"`
	SessionID string                 `json:"session_id" bson:"session_id"`
	UserID    string                 `json:"user_id" bson:"user_id"`
	EventType string                 `json:"event_type" bson:"event_type"`
	Data      map[string]interface{} `json:"data,omitempty" bson:"data,omitempty"`
	ClientID  string                 `json:"client_id,omitempty" bson:"client_id"`
	Timestamp time.Time              `json:"timestamp" bson:"timestamp"`
}
