package session

import (
	"encoding/json"

	"go.uber.org/zap"
)

// broadcast delivers a frame to every client except exclude, in the order the
// actor produces frames. A full send buffer drops the frame for that client
// only.
func (s *Session) broadcast(m *Message, exclude string) {
	data, err := json.Marshal(m)
	if err != nil {
		s.log.Error("failed to encode frame", zap.String("type", m.Type), zap.Error(err))
		return
	}
	for id, c := range s.clients {
		if id == exclude {
			continue
		}
		s.deliver(c, m.Type, data)
	}
}

// deliver sends one encoded frame to a client without blocking. A client that
// missed a frame gets a full-state sync frame before anything else; that frame
// already contains any update being delivered.
func (s *Session) deliver(c *Client, frameType string, data []byte) {
	if c.lagged {
		if !s.resync(c) {
			return
		}
		if frameType == TypeUpdate {
			return
		}
	}

	select {
	case c.send <- data:
	default:
		c.lagged = true
		s.log.Warn("client send buffer full, dropping frame",
			zap.String("client_id", c.ID),
			zap.String("type", frameType))
	}
}

func (s *Session) resync(c *Client) bool {
	data, err := json.Marshal(&Message{Type: TypeSync, State: encodedState(s.state.Encode())})
	if err != nil {
		s.log.Error("failed to encode sync frame", zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		c.lagged = false
		s.log.Info("client resynced", zap.String("client_id", c.ID))
		return true
	default:
		return false
	}
}

// sendTo delivers a frame to a single client.
func (s *Session) sendTo(c *Client, v interface{}, frameType string) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	s.deliver(c, frameType, data)
}
