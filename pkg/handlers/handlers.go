package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/document"
	"collab-sync/pkg/mobilesync"
	"collab-sync/pkg/session"
	"collab-sync/pkg/versioning"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	opTimeout  = 10 * time.Second
)

// Handlers contains all HTTP and WebSocket handlers
type Handlers struct {
	registry        *session.Registry
	versions        *versioning.Service
	store           db.Store
	mobile          *mobilesync.Adapter
	log             *zap.Logger
	maxMessageBytes int64
}

// NewHandlers creates a new handlers instance
func NewHandlers(registry *session.Registry, versions *versioning.Service, store db.Store, mobile *mobilesync.Adapter, logger *zap.Logger, maxMessageBytes int64) *Handlers {
	return &Handlers{
		registry:        registry,
		versions:        versions,
		store:           store,
		mobile:          mobile,
		log:             logger,
		maxMessageBytes: maxMessageBytes,
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/ws/{sessionId}", h.HandleWebSocket)

	r.HandleFunc("/api/sessions", h.CreateSession).Methods("POST")
	r.HandleFunc("/api/sessions/{sessionId}", h.GetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}", h.CloseSession).Methods("DELETE")
	r.HandleFunc("/api/sessions/{sessionId}/users", h.GetSessionUsers).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/participants", h.ListParticipants).Methods("GET")
	r.HandleFunc("/api/sessions/{sessionId}/events", h.ListEvents).Methods("GET")
	r.HandleFunc("/api/documents/{documentType}/{documentId}/versions", h.ListVersions).Methods("GET")
	r.HandleFunc("/api/documents/{documentType}/{documentId}/text", h.GetDocumentText).Methods("GET")

	r.HandleFunc("/sync", h.Sync).Methods("POST")
	r.HandleFunc("/sync/{documentId}", h.GetSync).Methods("GET")

	r.HandleFunc("/healthz", h.Health).Methods("GET")
}

// WebSocket upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// connection is one websocket bound to a session client. direct carries
// replies that bypass the session (pong, error frames).
type connection struct {
	conn   *websocket.Conn
	client *session.Client
	direct chan []byte
	log    *zap.Logger
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// HandleWebSocket joins the session and starts the read and write pumps.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = uuid.New().String()
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = "Anonymous"
	}

	joined, err := h.registry.Join(r.Context(), sessionID, userID, username)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		ctx, cancel := opContext()
		defer cancel()
		_ = h.registry.Leave(ctx, joined.Client.ID)
		return
	}

	c := &connection{
		conn:   conn,
		client: joined.Client,
		direct: make(chan []byte, 16),
		log: h.log.With(
			zap.String("session_id", sessionID),
			zap.String("client_id", joined.Client.ID),
			zap.String("user_id", userID)),
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump handles reading messages from the WebSocket
func (h *Handlers) readPump(c *connection) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in readPump", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		ctx, cancel := opContext()
		defer cancel()
		if err := h.registry.Leave(ctx, c.client.ID); err != nil && !errors.Is(err, session.ErrClientNotFound) {
			c.log.Warn("leave failed", zap.Error(err))
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(h.maxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Info("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg session.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("invalid frame", zap.Error(err))
			c.reply(session.ErrorFrame("invalid frame", "invalid_frame"))
			continue
		}

		if err := h.dispatch(c, &msg); err != nil {
			if errors.Is(err, session.ErrClientNotFound) {
				return
			}
			status, code := classify(err)
			if status >= http.StatusInternalServerError {
				c.log.Error("frame handling failed", zap.String("type", msg.Type), zap.Error(err))
			}
			c.reply(session.ErrorFrame(err.Error(), code))
		}
	}
}

func (h *Handlers) dispatch(c *connection, msg *session.Message) error {
	ctx, cancel := opContext()
	defer cancel()

	id := c.client.ID
	switch msg.Type {
	case session.TypeUpdate:
		if len(msg.Update) == 0 {
			return document.ErrMalformedUpdate
		}
		return h.registry.ApplyUpdate(ctx, id, msg.Update)
	case session.TypeCursor:
		return h.registry.Cursor(ctx, id, msg.Position, msg.Selection)
	case session.TypePresence:
		state, err := session.PresenceOf(msg)
		if err != nil {
			return err
		}
		return h.registry.Presence(ctx, id, state)
	case session.TypeComment:
		return h.registry.Comment(ctx, id, msg.Text, msg.Position, msg.Range)
	case session.TypePing:
		c.reply([]byte(`{"type":"pong"}`))
		return nil
	default:
		c.log.Debug("unknown frame type", zap.String("type", msg.Type))
		c.reply(session.ErrorFrame("unknown frame type "+msg.Type, "unknown_type"))
		return nil
	}
}

// reply queues a frame outside the session stream, dropping it if the
// connection is backed up.
func (c *connection) reply(data []byte) {
	select {
	case c.direct <- data:
	default:
		c.log.Warn("reply dropped, connection backed up")
	}
}

// writePump handles writing messages to the WebSocket
func (h *Handlers) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.client.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// session released the client: send close and return
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case message := <-c.direct:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
