package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/document"
	"collab-sync/pkg/versioning"

	"go.uber.org/zap"
)

// errStopped is returned by do when the session actor has exited. Callers
// reload the session and retry.
var errStopped = errors.New("session stopped")

// participant tracks the live connections of one user in a session.
type participant struct {
	id    string
	color string
	conns int
	// present counts connections that are not away. The stored row is
	// active exactly when present > 0.
	present int
}

// Session is the actor owning one live document replica and its clients.
// Every field below inbox is touched only by the run goroutine.
type Session struct {
	id  string
	key versioning.Key
	reg *Registry
	log *zap.Logger

	inbox chan func()
	done  chan struct{}

	meta         *db.Session
	state        *document.State
	clients      map[string]*Client
	participants map[string]*participant
	version      int64
	pending      int
	dirtySince   time.Time
	lastUpdate   time.Time
	lastActivity time.Time
	closed       bool
	stopped      bool
}

func newSession(reg *Registry, meta *db.Session, state *document.State, version int64) *Session {
	now := reg.now()
	return &Session{
		id:           meta.SessionID,
		key:          versioning.Key{DocumentType: meta.DocumentType, DocumentID: meta.DocumentID},
		reg:          reg,
		log:          reg.log.With(zap.String("session_id", meta.SessionID)),
		inbox:        make(chan func(), reg.opts.InboxSize),
		done:         make(chan struct{}),
		meta:         meta,
		state:        state,
		clients:      make(map[string]*Client),
		participants: make(map[string]*participant),
		version:      version,
		lastActivity: now,
		closed:       meta.Status == db.StatusCompleted,
	}
}

// ID returns the session token.
func (s *Session) ID() string {
	return s.id
}

// Key returns the document the session edits.
func (s *Session) Key() versioning.Key {
	return s.key
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("panic in session actor", zap.Any("panic", rec), zap.ByteString("stack", debug.Stack()))
			s.reg.forget(s)
		}
	}()

	for task := range s.inbox {
		task()
		if s.stopped {
			return
		}
	}
}

// do runs fn on the actor and waits for it. Once enqueued, fn always runs to
// completion unless the actor stops first, so a caller giving up can never
// leave the session half-updated.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}

	select {
	case s.inbox <- task:
	case <-s.done:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		select {
		case <-finished:
			return nil
		default:
			return errStopped
		}
	}
}

// stop ends the actor after the current task. Actor only; clients must
// already be dropped.
func (s *Session) stop() {
	s.stopped = true
}

// storeContext bounds store calls made from the actor. They are detached
// from any one caller so a disconnecting client cannot abort bookkeeping.
func (s *Session) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.reg.opts.StoreTimeout)
}

func (s *Session) touch() {
	s.lastActivity = s.reg.now()
}

func (s *Session) roster(exclude string) []ClientInfo {
	out := make([]ClientInfo, 0, len(s.clients))
	for id, c := range s.clients {
		if id == exclude {
			continue
		}
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (s *Session) setStatus(status db.SessionStatus) error {
	if s.meta.Status == status {
		return nil
	}
	ctx, cancel := s.storeContext()
	defer cancel()

	now := s.reg.now()
	if err := s.reg.store.UpdateSession(ctx, s.id, &db.SessionPatch{Status: &status, LastActivity: &now}); err != nil {
		return fmt.Errorf("failed to set session status to %s: %w", status, err)
	}
	s.log.Info("session status changed", zap.String("from", string(s.meta.Status)), zap.String("to", string(status)))
	s.meta.Status = status
	s.meta.LastActivity = now
	return nil
}

// markDirty counts one applied update toward the next snapshot.
func (s *Session) markDirty() {
	now := s.reg.now()
	if s.pending == 0 {
		s.dirtySince = now
	}
	s.pending++
	s.lastUpdate = now
	s.lastActivity = now
}

// persist writes a snapshot and broadcasts anything pulled from a newer stored
// version. On failure the pending count is kept so a later trigger retries.
func (s *Session) persist(trigger versioning.Trigger, userID string) (*db.DocumentVersion, error) {
	ctx, cancel := s.storeContext()
	defer cancel()

	res, err := s.reg.versions.Persist(ctx, s.state, versioning.Request{
		Key:          s.key,
		SessionID:    s.id,
		UserID:       userID,
		Trigger:      trigger,
		KnownVersion: s.version,
	})
	if err != nil {
		s.log.Warn("snapshot failed, will retry",
			zap.String("trigger", string(trigger)),
			zap.Int("pending", s.pending),
			zap.Error(err))
		return nil, err
	}

	s.version = res.Version.Version
	s.pending = 0
	s.dirtySince = time.Time{}
	if res.Pulled != nil {
		s.lastUpdate = s.reg.now()
		s.broadcast(&Message{Type: TypeUpdate, Update: res.Pulled}, "")
	}
	return res.Version, nil
}

func (s *Session) persistIfDirty(trigger versioning.Trigger, userID string) error {
	if s.pending == 0 {
		return nil
	}
	_, err := s.persist(trigger, userID)
	return err
}

func (s *Session) record(userID, clientID, eventType string, data map[string]interface{}) {
	if s.reg.events == nil {
		return
	}
	s.reg.events.Record(&db.Event{
		SessionID: s.id,
		UserID:    userID,
		ClientID:  clientID,
		EventType: eventType,
		Data:      data,
		Timestamp: s.reg.now(),
	})
}
