package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/GovThePPL/candid-sub002/internal/logging"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Connection is a single WebSocket connection. UserID is empty until
// the hello handshake binds it.
type Connection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	mu     sync.Mutex
}

// Hub tracks live connections and routes frames to users. A user may
// hold several connections at once; a frame for a user goes to all of
// them.
type Hub struct {
	connections map[string]*Connection
	users       map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *userFrame

	mu sync.RWMutex
}

type userFrame struct {
	UserID string
	Data   []byte
}

func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		users:       make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *userFrame, 256),
	}
}

// Run is the hub's main loop. It owns all membership changes and frame
// routing until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	log := logging.Named("hub")
	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.UserID != "" {
				if h.users[conn.UserID] == nil {
					h.users[conn.UserID] = make(map[string]bool)
				}
				h.users[conn.UserID][conn.ID] = true
			}
			h.mu.Unlock()
			log.Debug("connection registered", "conn_id", conn.ID, "user_id", conn.UserID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if conn.UserID != "" && h.users[conn.UserID] != nil {
					delete(h.users[conn.UserID], conn.ID)
					if len(h.users[conn.UserID]) == 0 {
						delete(h.users, conn.UserID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Debug("connection unregistered", "conn_id", conn.ID)

		case frame := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.users[frame.UserID] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- frame.Data:
				default:
					log.Warn("send buffer full, dropping connection", "conn_id", connID)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps an upgraded socket. The caller registers it once
// ready to receive.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// BindUser attaches a connection to an authenticated user.
func (h *Hub) BindUser(conn *Connection, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.UserID != "" && h.users[conn.UserID] != nil {
		delete(h.users[conn.UserID], conn.ID)
		if len(h.users[conn.UserID]) == 0 {
			delete(h.users, conn.UserID)
		}
	}

	conn.UserID = userID
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]bool)
	}
	h.users[userID][conn.ID] = true
}

// Broadcast sends a frame to every connection of a user.
func (h *Hub) Broadcast(userID string, data []byte) {
	h.broadcast <- &userFrame{UserID: userID, Data: data}
}

// BroadcastJSON marshals v and sends it to every connection of a user.
func (h *Hub) BroadcastJSON(userID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(userID, data)
	return nil
}

// SendToConnection sends a frame to one connection without blocking.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection marshals v and sends it to one connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount reports the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WriteMessage writes to the socket with the connection's write lock
// held.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

func (c *Connection) Close() error {
	return c.Conn.Close()
}
