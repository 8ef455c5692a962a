package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"collab-sync/pkg/db"
	"collab-sync/pkg/document"
	"collab-sync/pkg/versioning"

	"go.uber.org/zap"
)

// ApplyUpdate merges an update from a client and relays it to the others. A
// malformed update is rejected with document.ErrMalformedUpdate and the
// replica is left untouched.
func (r *Registry) ApplyUpdate(ctx context.Context, clientID string, update []byte) error {
	c, err := r.client(clientID)
	if err != nil {
		return err
	}
	var applyErr error
	if err := r.onClient(ctx, c, func() { applyErr = c.session.apply(c, update) }); err != nil {
		return err
	}
	return applyErr
}

func (s *Session) apply(c *Client, update []byte) error {
	before := s.state.Heads()
	changed, err := s.state.Merge(update)
	if err != nil {
		s.log.Warn("rejected malformed update", zap.String("client_id", c.ID), zap.Int("bytes", len(update)), zap.Error(err))
		return err
	}
	c.lastActivity = s.reg.now()
	if !changed {
		s.touch()
		return nil
	}

	delta := s.applied(before)
	s.markDirty()
	s.broadcast(&Message{Type: TypeUpdate, ClientID: c.ID, Update: delta}, c.ID)
	s.record(c.UserID, c.ID, db.EventUpdate, map[string]interface{}{
		"update": base64.StdEncoding.EncodeToString(delta),
		"bytes":  len(delta),
	})

	if s.pending >= s.reg.opts.SnapshotEvery {
		_, _ = s.persist(versioning.TriggerThreshold, c.UserID)
	}
	return nil
}

// Comment relays a comment to the other clients and records it.
func (r *Registry) Comment(ctx context.Context, clientID, text string, position, rng json.RawMessage) error {
	c, err := r.client(clientID)
	if err != nil {
		return err
	}
	return r.onClient(ctx, c, func() {
		s := c.session
		now := s.reg.now()
		c.lastActivity = now
		s.touch()
		s.broadcast(&Message{
			Type:      TypeComment,
			ClientID:  c.ID,
			UserID:    c.UserID,
			Username:  c.Username,
			Text:      text,
			Position:  position,
			Range:     rng,
			Timestamp: now.UnixMilli(),
		}, c.ID)
		s.record(c.UserID, c.ID, db.EventComment, map[string]interface{}{
			"text":     text,
			"position": rawValue(position),
			"range":    rawValue(rng),
		})
	})
}

// ApplyToDocument merges an update into a live session editing the document,
// relays it to all of that session's clients and persists immediately. It
// returns nil when no live session edits the document.
func (r *Registry) ApplyToDocument(ctx context.Context, key versioning.Key, userID string, update []byte) (*Applied, error) {
	for _, s := range r.liveFor(key) {
		var res *Applied
		var applyErr error
		err := s.do(ctx, func() { res, applyErr = s.applyExternal(userID, update) })
		if errors.Is(err, errStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if applyErr != nil {
			return nil, applyErr
		}
		return res, nil
	}
	return nil, nil
}

func (s *Session) applyExternal(userID string, update []byte) (*Applied, error) {
	before := s.state.Heads()
	changed, err := s.state.Merge(update)
	if err != nil {
		s.log.Warn("rejected malformed external update", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	if changed {
		delta := s.applied(before)
		s.markDirty()
		s.broadcast(&Message{Type: TypeUpdate, UserID: userID, Update: delta}, "")
		s.record(userID, "", db.EventUpdate, map[string]interface{}{
			"update": base64.StdEncoding.EncodeToString(delta),
			"bytes":  len(delta),
			"source": "sync",
		})
	}
	complete, err := s.state.Complete(update)
	if err != nil {
		return nil, err
	}
	if !complete {
		s.log.Info("external update waits for missing changes", zap.String("user_id", userID))
		return nil, document.ErrMissingDependencies
	}
	v, err := s.persist(versioning.TriggerMobile, userID)
	if err != nil {
		return nil, err
	}
	return &Applied{State: s.state.Encode(), Version: v}, nil
}

// applied encodes the changes merged since before. It includes changes that
// were held back until the latest update supplied their dependencies.
func (s *Session) applied(before []string) []byte {
	delta, err := s.state.DiffSince(before)
	if err != nil || delta == nil {
		s.log.Warn("falling back to full state for relay", zap.Error(err))
		return s.state.Encode()
	}
	return delta
}

// DocumentState returns the encoded state of a document held by a live
// session, or nil when none is loaded.
func (r *Registry) DocumentState(ctx context.Context, key versioning.Key) (*Applied, error) {
	for _, s := range r.liveFor(key) {
		var res *Applied
		err := s.do(ctx, func() {
			res = &Applied{State: s.state.Encode(), Version: &db.DocumentVersion{
				SessionID:    s.id,
				DocumentType: s.key.DocumentType,
				DocumentID:   s.key.DocumentID,
				Version:      s.version,
				CreatedAt:    s.lastActivity,
			}, Empty: len(s.state.Heads()) == 0}
		})
		if errors.Is(err, errStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, nil
}

func (r *Registry) liveFor(key versioning.Key) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.documents[key]
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}
