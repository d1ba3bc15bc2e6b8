package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zot/sandbox/internal/config"
	"github.com/zot/sandbox/internal/sandbox"
	"github.com/zot/sandbox/internal/session"
)

const (
	writeWait   = 10 * time.Second
	outboxDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketEndpoint bridges websockets to session clients.
type WebSocketEndpoint struct {
	config      *config.Config
	logger      *zap.Logger
	sessions    *session.Manager
	connections map[string]*wsConnection
	mu          sync.Mutex
}

// wsConnection is one live websocket bound to a session client.
type wsConnection struct {
	id      string
	conn    *websocket.Conn
	client  *session.Client
	outbox  chan string
	done    chan struct{}
	closing sync.Once
}

// NewWebSocketEndpoint creates a new WebSocket endpoint.
func NewWebSocketEndpoint(cfg *config.Config, sessions *session.Manager) *WebSocketEndpoint {
	return &WebSocketEndpoint{
		config:      cfg,
		logger:      cfg.Logger(),
		sessions:    sessions,
		connections: make(map[string]*wsConnection),
	}
}

// Log logs a message via the config.
func (ws *WebSocketEndpoint) Log(level int, format string, args ...any) {
	ws.config.Log(level, format, args...)
}

// HandleWebSocket attaches a websocket to sess. The session must not have
// a client already; that case is answered with 409 before upgrading.
func (ws *WebSocketEndpoint) HandleWebSocket(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	c := &wsConnection{
		id:     "conn-" + uuid.NewString(),
		outbox: make(chan string, outboxDepth),
		done:   make(chan struct{}),
	}
	client, err := sess.Connect(c.deliver)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, sandbox.ErrOpenToAnotherClient) {
			status = http.StatusConflict
		} else if errors.Is(err, session.ErrSessionClosed) {
			status = http.StatusGone
		}
		http.Error(w, err.Error(), status)
		return
	}
	c.client = client

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", zap.Error(err))
		client.Close()
		return
	}
	c.conn = conn

	ws.mu.Lock()
	ws.connections[c.id] = c
	ws.mu.Unlock()
	ws.Log(1, "WebSocket connected: session=%s conn=%s dialect=%s", sess.ID, c.id, sess.Dialect)

	go ws.writePump(c)
	go ws.readPump(c, sess)
}

// deliver queues a frame for the write pump. It runs on the session loop
// and drops frames once the connection is gone.
func (c *wsConnection) deliver(data string) {
	select {
	case c.outbox <- data:
	case <-c.done:
	}
}

// readPump hands every text frame to the session client.
func (ws *WebSocketEndpoint) readPump(c *wsConnection, sess *session.Session) {
	defer ws.disconnect(c, sess)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				ws.logger.Warn("websocket read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		ws.Log(2, "[IN] session=%s data=%s", sess.ID, message)
		if err := c.client.Send(message); err != nil {
			if errors.Is(err, session.ErrSessionClosed) || errors.Is(err, sandbox.ErrConnectionClosed) {
				return
			}
			// Unknown operations and malformed frames are the client's
			// problem; the socket stays up.
			ws.logger.Warn("frame rejected", zap.String("session", sess.ID), zap.Error(err))
		}
	}
}

// writePump writes queued frames until the connection closes.
func (ws *WebSocketEndpoint) writePump(c *wsConnection) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbox:
			ws.Log(3, "[OUT] conn=%s data=%s", c.id, data)
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
				ws.logger.Warn("websocket write failed", zap.String("conn", c.id), zap.Error(err))
				c.conn.Close()
				return
			}
		}
	}
}

func (ws *WebSocketEndpoint) disconnect(c *wsConnection, sess *session.Session) {
	c.closing.Do(func() {
		close(c.done)
		c.client.Close()
		c.conn.Close()
		ws.mu.Lock()
		delete(ws.connections, c.id)
		ws.mu.Unlock()
		ws.Log(1, "WebSocket disconnected: session=%s conn=%s", sess.ID, c.id)
	})
}

// Count returns the number of live websockets.
func (ws *WebSocketEndpoint) Count() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.connections)
}

// CloseAll closes every live websocket. Their read pumps detach the
// clients.
func (ws *WebSocketEndpoint) CloseAll() {
	ws.mu.Lock()
	conns := make([]*wsConnection, 0, len(ws.connections))
	for _, c := range ws.connections {
		conns = append(conns, c)
	}
	ws.mu.Unlock()
	for _, c := range conns {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}
