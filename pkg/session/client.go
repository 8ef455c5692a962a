package session

import (
	"encoding/json"
	"time"
)

// Client is one connection to a session. Identity fields are immutable; the
// rest is owned by the session actor.
type Client struct {
	ID       string
	UserID   string
	Username string
	Color    string

	session *Session
	send    chan []byte

	presence     PresenceState
	position     json.RawMessage
	selection    json.RawMessage
	lastActivity time.Time
	// lagged is set when a frame was dropped; the next update is replaced by
	// a full-state sync frame.
	lagged bool
}

// Outbound returns the frames to write to the connection. It is closed when
// the client leaves or the session is closed.
func (c *Client) Outbound() <-chan []byte {
	return c.send
}

// SessionID returns the session the client belongs to.
func (c *Client) SessionID() string {
	return c.session.id
}

func (c *Client) info() ClientInfo {
	return ClientInfo{
		ClientID:  c.ID,
		UserID:    c.UserID,
		Username:  c.Username,
		Color:     c.Color,
		Presence:  c.presence,
		Position:  c.position,
		Selection: c.selection,
	}
}
