package session

import (
	"context"
	"encoding/json"

	"collab-sync/pkg/db"

	"go.uber.org/zap"
)

// PresenceState is a client's declared online state.
type PresenceState string

const (
	PresenceActive   PresenceState = "active"
	PresenceInactive PresenceState = "inactive"
	PresenceAway     PresenceState = "away"
)

// Valid reports whether p is a known presence state.
func (p PresenceState) Valid() bool {
	switch p {
	case PresenceActive, PresenceInactive, PresenceAway:
		return true
	}
	return false
}

// Cursor records a client's cursor and selection and relays them to the other
// clients. Cursor data is opaque and never touches document state.
func (r *Registry) Cursor(ctx context.Context, clientID string, position, selection json.RawMessage) error {
	c, err := r.client(clientID)
	if err != nil {
		return err
	}
	s := c.session
	return r.onClient(ctx, c, func() {
		c.position = position
		c.selection = selection
		c.lastActivity = r.now()
		s.touch()
		s.broadcast(&Message{
			Type:      TypeCursor,
			ClientID:  c.ID,
			UserID:    c.UserID,
			Position:  position,
			Selection: selection,
		}, c.ID)
		s.record(c.UserID, c.ID, db.EventCursor, map[string]interface{}{
			"position":  rawValue(position),
			"selection": rawValue(selection),
		})
	})
}

// Presence changes a client's presence state. Going away releases the user's
// participant row the way a disconnect does while the connection stays open;
// coming back claims it again.
func (r *Registry) Presence(ctx context.Context, clientID string, state PresenceState) error {
	if !state.Valid() {
		return ErrInvalidPresence
	}
	c, err := r.client(clientID)
	if err != nil {
		return err
	}
	s := c.session
	return r.onClient(ctx, c, func() {
		prev := c.presence
		c.presence = state
		c.lastActivity = r.now()
		s.touch()

		p := s.participants[c.UserID]
		switch {
		case state == PresenceAway && prev != PresenceAway:
			p.present--
			if p.present == 0 {
				s.deactivate(c.UserID, p)
			}
		case state != PresenceAway && prev == PresenceAway:
			p.present++
			if p.present == 1 {
				s.reactivate(p)
			}
		}

		s.broadcast(&Message{
			Type:     TypePresence,
			ClientID: c.ID,
			UserID:   c.UserID,
			State:    presenceField(state),
		}, c.ID)
		s.record(c.UserID, c.ID, db.EventPresence, map[string]interface{}{"state": string(state), "previous": string(prev)})
	})
}

// deactivate marks the user's participant row inactive.
func (s *Session) deactivate(userID string, p *participant) {
	ctx, cancel := s.storeContext()
	defer cancel()

	inactive := false
	left := s.reg.now()
	if err := s.reg.store.UpdateParticipant(ctx, p.id, &db.ParticipantPatch{IsActive: &inactive, LeftAt: &left}); err != nil {
		s.log.Warn("failed to deactivate participant", zap.String("user_id", userID), zap.Error(err))
	}
}

// reactivate marks an existing participant row active again.
func (s *Session) reactivate(p *participant) {
	ctx, cancel := s.storeContext()
	defer cancel()

	active := true
	if err := s.reg.store.UpdateParticipant(ctx, p.id, &db.ParticipantPatch{IsActive: &active, ClearLeftAt: true}); err != nil {
		s.log.Warn("failed to reactivate participant", zap.String("participant_id", p.id), zap.Error(err))
	}
}

func rawValue(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
