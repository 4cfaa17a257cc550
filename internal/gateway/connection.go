package gateway

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single WebSocket client connection with its
// associated matchmaking identity and a write mutex for serializing
// outbound frames.
type Connection struct {
	ID        string   // connection ID (UUID)
	Conn      net.Conn // underlying TCP connection
	CreatedAt time.Time

	mu           sync.Mutex
	userID       string             // engine user ID once joined, "" before
	cancelSearch context.CancelFunc // stops the active search loop, nil when idle
	writeMu      sync.Mutex
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// UserID returns the engine user ID bound to this connection, or "".
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// BindUser associates the connection with an engine user ID after a
// successful join, replacing any previous binding.
func (c *Connection) BindUser(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// StartSearch registers a cancel func for a new search loop, cancelling
// any loop already running for this connection. Returns false if the
// same cancel is already installed.
func (c *Connection) StartSearch(cancel context.CancelFunc) {
	c.mu.Lock()
	prev := c.cancelSearch
	c.cancelSearch = cancel
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// StopSearch cancels the active search loop, if any.
func (c *Connection) StopSearch() {
	c.mu.Lock()
	cancel := c.cancelSearch
	c.cancelSearch = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ConnectionManager is a thread-safe registry of live connections by
// connection ID. Push routing happens through per-connection NATS
// subscriptions, so no user-keyed index is needed.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, stops its search loop, and closes
// the underlying network connection. Returns true if the connection was
// found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.StopSearch()
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given connection ID, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice
// is safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
