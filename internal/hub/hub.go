// Package hub fans change notifications out to WebSocket subscribers, one channel per
// session resource.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents a single WebSocket connection.
type Connection struct {
	ID      string
	Channel string
	Conn    *websocket.Conn
	Send    chan []byte
	hub     *Hub
	mu      sync.Mutex

	// registered is closed once the hub has recorded the connection.
	registered chan struct{}
}

// Hub manages all WebSocket connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Channels maps a channel key to the set of subscribed connection IDs
	channels map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection

	// Broadcasts are processed in order, which keeps each channel FIFO.
	broadcast chan *ChannelMessage

	done   chan struct{}
	logger *slog.Logger
	mu     sync.RWMutex
}

// ChannelMessage is used to broadcast a frame to a channel.
type ChannelMessage struct {
	Channel string
	Data    []byte
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		connections: make(map[string]*Connection),
		channels:    make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *ChannelMessage, 256),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.Channel != "" {
				h.bindLocked(conn, conn.Channel)
			}
			h.mu.Unlock()
			close(conn.registered)
			h.logger.Debug("connection registered", "conn_id", conn.ID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				h.unbindLocked(conn)
				close(conn.Send)
			}
			h.mu.Unlock()
			h.logger.Debug("connection unregistered", "conn_id", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.channels[msg.Channel] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.Data:
				default:
					// Buffer full, drop the subscriber; it reconnects and re-syncs.
					h.logger.Warn("connection buffer full, closing", "conn_id", connID, "channel", msg.Channel)
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.connections {
		delete(h.connections, id)
		h.unbindLocked(conn)
		close(conn.Send)
	}
}

// NewConnection creates a new connection. Call Register to add it to the hub.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
		hub:  h,

		registered: make(chan struct{}),
	}
}

// Register registers a connection with the hub and returns once it is recorded.
func (h *Hub) Register(conn *Connection) {
	select {
	case h.register <- conn:
		<-conn.registered
	case <-h.done:
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Bind subscribes a connection to a channel, replacing any previous binding.
func (h *Hub) Bind(conn *Connection, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn)
	h.bindLocked(conn, channel)
}

func (h *Hub) bindLocked(conn *Connection, channel string) {
	conn.Channel = channel
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[string]bool)
	}
	h.channels[channel][conn.ID] = true
}

func (h *Hub) unbindLocked(conn *Connection) {
	if conn.Channel == "" || h.channels[conn.Channel] == nil {
		return
	}
	delete(h.channels[conn.Channel], conn.ID)
	if len(h.channels[conn.Channel]) == 0 {
		delete(h.channels, conn.Channel)
	}
}

// Broadcast sends a frame to all connections subscribed to channel.
func (h *Hub) Broadcast(channel string, data []byte) {
	select {
	case h.broadcast <- &ChannelMessage{Channel: channel, Data: data}:
	case <-h.done:
	}
}

// BroadcastJSON sends a JSON frame to all connections subscribed to channel.
func (h *Hub) BroadcastJSON(channel string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(channel, data)
	return nil
}

// SendToConnection sends a frame to a specific connection. Send is closed under
// h.mu when a connection is unregistered, so the registration check and the send
// happen under the same lock.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.connections[conn.ID] != conn {
		return ErrConnectionClosed
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON frame to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// Subscribers returns how many connections are bound to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrConnectionClosed is returned when sending to an unregistered connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrBufferFull is returned when the send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a buffer full error.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}
