// Package session hosts live collaboration sessions. Each session is an actor
// that owns its document replica and client set; the registry only maps ids
// to actors.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/document"
	"collab-sync/pkg/versioning"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrSessionNotFound = db.ErrSessionNotFound
	ErrClientNotFound  = errors.New("client not found")
	ErrInvalidPresence = errors.New("invalid presence state")
	ErrInvalidSeed     = errors.New("invalid session seed")
)

// EventSink receives audit events. events.Recorder implements it.
type EventSink interface {
	Record(e *db.Event)
}

// Options tunes a Registry. Zero values fall back to defaults.
type Options struct {
	// SnapshotEvery persists a version after this many applied updates.
	SnapshotEvery int
	SendBuffer    int
	InboxSize     int
	StoreTimeout  time.Duration
	Clock         func() time.Time
}

func (o *Options) setDefaults() {
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 50
	}
	if o.SendBuffer < 2 {
		o.SendBuffer = 256
	}
	if o.InboxSize <= 0 {
		o.InboxSize = 256
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = func() time.Time { return time.Now().UTC() }
	}
}

// Seed describes a session to create.
type Seed struct {
	SessionID    string                 `json:"sessionId,omitempty"`
	DocumentType string                 `json:"documentType"`
	DocumentID   string                 `json:"documentId,omitempty"`
	OwnerID      string                 `json:"ownerId"`
	Text         string                 `json:"text,omitempty"`
	Config       map[string]interface{} `json:"config,omitempty"`
}

// JoinResult is returned by Join. The initialState and clientList frames are
// already queued on Client.Outbound.
type JoinResult struct {
	Client  *Client
	State   []byte
	Clients []ClientInfo
	Version int64
}

// Info is a point-in-time view of a session.
type Info struct {
	Session    db.Session   `json:"session"`
	Live       bool         `json:"live"`
	Clients    []ClientInfo `json:"clients"`
	Version    int64        `json:"version"`
	Pending    int          `json:"pending"`
	LastUpdate *time.Time   `json:"lastUpdate,omitempty"`
}

// Applied is the state of a document after an update from outside a session.
// Empty is set when the replica holds no changes at all.
type Applied struct {
	State   []byte
	Version *db.DocumentVersion
	Empty   bool
}

// Registry maps session and client ids to live session actors.
type Registry struct {
	store    db.Store
	versions *versioning.Service
	events   EventSink
	log      *zap.Logger
	opts     Options
	loads    singleflight.Group

	mu        sync.RWMutex
	sessions  map[string]*Session
	clients   map[string]*Client
	documents map[versioning.Key]map[string]*Session
}

// NewRegistry creates a registry. events may be nil.
func NewRegistry(store db.Store, versions *versioning.Service, events EventSink, logger *zap.Logger, opts Options) *Registry {
	opts.setDefaults()
	return &Registry{
		store:     store,
		versions:  versions,
		events:    events,
		log:       logger,
		opts:      opts,
		sessions:  make(map[string]*Session),
		clients:   make(map[string]*Client),
		documents: make(map[versioning.Key]map[string]*Session),
	}
}

func (r *Registry) now() time.Time {
	return r.opts.Clock()
}

func (r *Registry) lookup(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID]
}

func (r *Registry) client(clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

// live returns a stable copy of the loaded sessions.
func (r *Registry) live() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// SessionIDs lists the sessions currently held in memory.
func (r *Registry) SessionIDs() []string {
	sessions := r.live()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.id
	}
	return ids
}

// Loaded reports whether the session is held in memory.
func (r *Registry) Loaded(sessionID string) bool {
	return r.lookup(sessionID) != nil
}

func (r *Registry) register(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	byID, ok := r.documents[s.key]
	if !ok {
		byID = make(map[string]*Session)
		r.documents[s.key] = byID
	}
	byID[s.id] = s
	r.mu.Unlock()
}

// forget drops a session and its clients from the lookup tables.
func (r *Registry) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	if byID, ok := r.documents[s.key]; ok {
		if byID[s.id] == s {
			delete(byID, s.id)
		}
		if len(byID) == 0 {
			delete(r.documents, s.key)
		}
	}
	for id, c := range r.clients {
		if c.session == s {
			delete(r.clients, id)
		}
	}
}

// Initialize loads a session into memory, decoding the latest stored version
// of its document. With a seed, a missing session row is created and a
// document without versions is seeded and stored as its first version.
// Without a seed, createIfMissing starts a document without versions empty;
// otherwise such a session is reported as not found.
func (r *Registry) Initialize(ctx context.Context, sessionID string, createIfMissing bool, seed *Seed) (*Session, error) {
	if s := r.lookup(sessionID); s != nil {
		return s, nil
	}
	ch := r.loads.DoChan(sessionID, func() (interface{}, error) {
		if s := r.lookup(sessionID); s != nil {
			return s, nil
		}
		// shared by every waiter, so no single caller's cancellation applies
		loadCtx, cancel := context.WithTimeout(context.Background(), r.opts.StoreTimeout)
		defer cancel()
		return r.load(loadCtx, sessionID, createIfMissing, seed)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) load(ctx context.Context, sessionID string, createIfMissing bool, seed *Seed) (*Session, error) {
	meta, err := r.store.GetSessionBySessionID(ctx, sessionID)
	switch {
	case errors.Is(err, db.ErrSessionNotFound):
		if seed == nil {
			return nil, ErrSessionNotFound
		}
		meta, err = r.store.CreateSession(ctx, &db.Session{
			SessionID:    sessionID,
			DocumentType: seed.DocumentType,
			DocumentID:   seed.DocumentID,
			OwnerID:      seed.OwnerID,
			Status:       db.StatusPaused,
			Config:       seed.Config,
		})
		if err != nil {
			return nil, err
		}
		r.log.Info("session created",
			zap.String("session_id", sessionID),
			zap.String("document_type", meta.DocumentType),
			zap.String("document_id", meta.DocumentID))
	case err != nil:
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	key := versioning.Key{DocumentType: meta.DocumentType, DocumentID: meta.DocumentID}
	state, latest, err := r.versions.Load(ctx, key)
	var version int64
	switch {
	case err == nil:
		version = latest.Version
	case errors.Is(err, db.ErrVersionNotFound) && seed != nil:
		state, err = document.Seed(seed.Text)
		if err != nil {
			return nil, err
		}
		res, err := r.versions.Persist(ctx, state, versioning.Request{
			Key:       key,
			SessionID: sessionID,
			UserID:    meta.OwnerID,
			Trigger:   versioning.TriggerSeed,
		})
		if err != nil {
			return nil, err
		}
		version = res.Version.Version
	case errors.Is(err, db.ErrVersionNotFound) && createIfMissing:
		state = document.New()
	case errors.Is(err, db.ErrVersionNotFound):
		return nil, ErrSessionNotFound
	default:
		return nil, err
	}

	s := newSession(r, meta, state, version)
	r.register(s)
	go s.run()

	s.log.Info("session loaded",
		zap.String("document", key.String()),
		zap.Int64("version", version),
		zap.String("status", string(meta.Status)))
	return s, nil
}

// Create creates and loads a new session, storing its seeded document as the
// first version unless the document already has versions.
func (r *Registry) Create(ctx context.Context, seed Seed) (*Info, error) {
	if seed.DocumentType == "" {
		return nil, fmt.Errorf("%w: document type is required", ErrInvalidSeed)
	}
	if seed.SessionID == "" {
		seed.SessionID = uuid.New().String()
	}
	if seed.DocumentID == "" {
		seed.DocumentID = uuid.New().String()
	}
	if _, err := r.Initialize(ctx, seed.SessionID, true, &seed); err != nil {
		return nil, err
	}
	return r.Info(ctx, seed.SessionID)
}

// Info describes a session, live or stored.
func (r *Registry) Info(ctx context.Context, sessionID string) (*Info, error) {
	s := r.lookup(sessionID)
	if s == nil {
		meta, err := r.store.GetSessionBySessionID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return &Info{Session: *meta, Clients: []ClientInfo{}}, nil
	}

	var info *Info
	err := s.do(ctx, func() {
		info = &Info{
			Session: *s.meta,
			Live:    true,
			Clients: s.roster(""),
			Version: s.version,
			Pending: s.pending,
		}
		if !s.lastUpdate.IsZero() {
			t := s.lastUpdate
			info.LastUpdate = &t
		}
	})
	if errors.Is(err, errStopped) {
		return r.Info(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}
