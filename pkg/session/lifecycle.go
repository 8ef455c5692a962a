package session

import (
	"context"
	"errors"

	"collab-sync/pkg/db"
	"collab-sync/pkg/versioning"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Join connects a user to a session, loading it if needed. Joining a
// completed session reactivates it.
func (r *Registry) Join(ctx context.Context, sessionID, userID, username string) (*JoinResult, error) {
	for {
		s, err := r.Initialize(ctx, sessionID, true, nil)
		if err != nil {
			return nil, err
		}
		var res *JoinResult
		err = s.do(ctx, func() { res = s.join(userID, username) })
		if errors.Is(err, errStopped) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	}
}

func (s *Session) join(userID, username string) *JoinResult {
	now := s.reg.now()
	if s.closed {
		s.closed = false
		s.log.Info("reactivating completed session")
	}
	if err := s.setStatus(db.StatusActive); err != nil {
		s.log.Warn("failed to activate session", zap.Error(err))
	}

	p := s.participants[userID]
	if p == nil {
		p = &participant{}
		s.participants[userID] = p
	}
	switch {
	case p.conns == 0:
		s.claimParticipant(userID, p)
	case p.present == 0:
		s.reactivate(p)
	}
	p.conns++
	p.present++

	c := &Client{
		ID:           uuid.New().String(),
		UserID:       userID,
		Username:     username,
		Color:        p.color,
		session:      s,
		send:         make(chan []byte, s.reg.opts.SendBuffer),
		presence:     PresenceActive,
		lastActivity: now,
	}
	s.clients[c.ID] = c
	s.reg.mu.Lock()
	s.reg.clients[c.ID] = c
	s.reg.mu.Unlock()
	s.touch()

	state := s.state.Encode()
	roster := s.roster(c.ID)
	s.sendTo(c, &Message{Type: TypeInitialState, ClientID: c.ID, State: encodedState(state), Color: c.Color}, TypeInitialState)
	s.sendTo(c, &ClientList{Type: TypeClientList, Clients: roster}, TypeClientList)
	s.broadcast(&Message{
		Type:     TypeClientJoin,
		ClientID: c.ID,
		UserID:   c.UserID,
		Username: c.Username,
		Color:    c.Color,
	}, c.ID)
	s.record(c.UserID, c.ID, db.EventJoin, map[string]interface{}{"username": username})

	s.log.Info("client joined",
		zap.String("client_id", c.ID),
		zap.String("user_id", userID),
		zap.Int("clients", len(s.clients)))

	return &JoinResult{Client: c, State: state, Clients: roster, Version: s.version}
}

// claimParticipant marks the user's participant row active, creating it on
// the first visit. Store failures are logged; editing continues regardless.
func (s *Session) claimParticipant(userID string, p *participant) {
	ctx, cancel := s.storeContext()
	defer cancel()

	used := make(map[string]bool, len(s.participants))
	for uid, other := range s.participants {
		if uid != userID && other.conns > 0 {
			used[other.color] = true
		}
	}

	now := s.reg.now()
	existing, err := s.reg.store.GetParticipant(ctx, s.id, userID)
	switch {
	case err == nil:
		p.id = existing.ID
		p.color = existing.Color
		if p.color == "" || used[p.color] {
			p.color = nextColor(used, len(s.participants))
		}
		active := true
		patch := &db.ParticipantPatch{IsActive: &active, Color: &p.color, JoinedAt: &now, ClearLeftAt: true}
		if err := s.reg.store.UpdateParticipant(ctx, p.id, patch); err != nil {
			s.log.Warn("failed to activate participant", zap.String("user_id", userID), zap.Error(err))
		}
	case errors.Is(err, db.ErrParticipantNotFound):
		p.color = nextColor(used, len(s.participants))
		created, err := s.reg.store.CreateParticipant(ctx, &db.Participant{
			SessionID: s.id,
			UserID:    userID,
			IsActive:  true,
			Color:     p.color,
			JoinedAt:  now,
		})
		if err != nil {
			s.log.Warn("failed to create participant", zap.String("user_id", userID), zap.Error(err))
			return
		}
		p.id = created.ID
	default:
		if p.color == "" {
			p.color = nextColor(used, len(s.participants))
		}
		s.log.Warn("failed to load participant", zap.String("user_id", userID), zap.Error(err))
	}
}

// onClient runs fn on the client's session actor if the client is still
// connected when fn is reached.
func (r *Registry) onClient(ctx context.Context, c *Client, fn func()) error {
	s := c.session
	gone := false
	err := s.do(ctx, func() {
		if _, ok := s.clients[c.ID]; !ok {
			gone = true
			return
		}
		fn()
	})
	if errors.Is(err, errStopped) || gone {
		return ErrClientNotFound
	}
	return err
}

// Leave disconnects a client. The last client out snapshots unsaved changes
// and pauses the session.
func (r *Registry) Leave(ctx context.Context, clientID string) error {
	c, err := r.client(clientID)
	if err != nil {
		return err
	}
	return r.onClient(ctx, c, func() { c.session.leave(c) })
}

func (s *Session) leave(c *Client) {
	s.dropClient(c)
	s.touch()
	s.record(c.UserID, c.ID, db.EventLeave, nil)

	s.log.Info("client left",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Int("clients", len(s.clients)))

	if len(s.clients) > 0 {
		s.broadcast(&Message{
			Type:     TypeClientLeave,
			ClientID: c.ID,
			UserID:   c.UserID,
			Username: c.Username,
		}, "")
		return
	}

	_ = s.persistIfDirty(versioning.TriggerLeave, c.UserID)
	if !s.closed {
		if err := s.setStatus(db.StatusPaused); err != nil {
			s.log.Warn("failed to pause session", zap.Error(err))
		}
	}
}

// dropClient removes a client, closes its outbound channel and releases its
// participant row when it was the user's last present connection.
func (s *Session) dropClient(c *Client) {
	delete(s.clients, c.ID)
	s.reg.mu.Lock()
	delete(s.reg.clients, c.ID)
	s.reg.mu.Unlock()
	close(c.send)

	p := s.participants[c.UserID]
	p.conns--
	if c.presence != PresenceAway {
		p.present--
		if p.present == 0 {
			s.deactivate(c.UserID, p)
		}
	}
}

// Close persists unsaved changes, marks the session completed and
// disconnects its clients. The actor is released by the next eviction sweep.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	s := r.lookup(sessionID)
	if s == nil {
		meta, err := r.store.GetSessionBySessionID(ctx, sessionID)
		if err != nil {
			return err
		}
		if meta.Status == db.StatusCompleted {
			return nil
		}
		status := db.StatusCompleted
		ts := r.now()
		return r.store.UpdateSession(ctx, sessionID, &db.SessionPatch{Status: &status, LastActivity: &ts})
	}

	var closeErr error
	err := s.do(ctx, func() { closeErr = s.close() })
	if errors.Is(err, errStopped) {
		return r.Close(ctx, sessionID)
	}
	if err != nil {
		return err
	}
	return closeErr
}

func (s *Session) close() error {
	if err := s.persistIfDirty(versioning.TriggerClose, ""); err != nil {
		return err
	}
	if err := s.setStatus(db.StatusCompleted); err != nil {
		return err
	}
	s.closed = true

	s.broadcast(&Message{Type: TypeClosed}, "")
	for _, c := range s.clients {
		s.dropClient(c)
	}
	s.touch()
	s.log.Info("session closed")
	return nil
}
