package session

import (
	"encoding/base64"
	"encoding/json"
)

// Frame types exchanged over the websocket.
const (
	TypeInitialState = "initialState"
	TypeClientList   = "clientList"
	TypeUpdate       = "update"
	TypeCursor       = "cursor"
	TypePresence     = "presence"
	TypeClientJoin   = "clientJoin"
	TypeClientLeave  = "clientLeave"
	TypeComment      = "comment"
	TypeSync         = "sync"
	TypeClosed       = "closed"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
)

// Message is the websocket frame in both directions. Binary payloads are
// base64 encoded. State carries the encoded document on initialState and sync
// frames and the presence state string on presence frames.
type Message struct {
	Type      string          `json:"type"`
	ClientID  string          `json:"clientId,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Color     string          `json:"color,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
	Update    []byte          `json:"update,omitempty"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
	Text      string          `json:"text,omitempty"`
	Range     json.RawMessage `json:"range,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      string          `json:"code,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ClientInfo describes a connected client in roster frames and REST
// responses.
type ClientInfo struct {
	ClientID  string          `json:"clientId"`
	UserID    string          `json:"userId"`
	Username  string          `json:"username"`
	Color     string          `json:"color"`
	Presence  PresenceState   `json:"presence"`
	Position  json.RawMessage `json:"position,omitempty"`
	Selection json.RawMessage `json:"selection,omitempty"`
}

// ClientList is the roster frame sent right after initialState.
type ClientList struct {
	Type    string       `json:"type"`
	Clients []ClientInfo `json:"clients"`
}

func encodedState(b []byte) json.RawMessage {
	raw, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return raw
}

func presenceField(p PresenceState) json.RawMessage {
	raw, _ := json.Marshal(string(p))
	return raw
}

// PresenceOf decodes the state field of an inbound presence frame.
func PresenceOf(m *Message) (PresenceState, error) {
	var s string
	if err := json.Unmarshal(m.State, &s); err != nil {
		return "", ErrInvalidPresence
	}
	return PresenceState(s), nil
}

// ErrorFrame encodes an error frame.
func ErrorFrame(msg, code string) []byte {
	data, _ := json.Marshal(Message{Type: TypeError, Error: msg, Code: code})
	return data
}
