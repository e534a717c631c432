package relay

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one client connected to the relay.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	lastSeen atomic.Int64 // unix nanos of the last frame received
	writeMu  sync.Mutex   // serializes writes to this connection

	mu   sync.RWMutex
	room string // set by the join frame; "" until then
}

func newConnection(id string, conn net.Conn) *Connection {
	c := &Connection{ID: id, Conn: conn, CreatedAt: time.Now()}
	c.touch()
	return c
}

// Room returns the room this connection joined, or "".
func (c *Connection) Room() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.room
}

func (c *Connection) setRoom(room string) {
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
}

// LastSeen returns when a frame was last received.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is a goroutine-safe set of live connections keyed by ID.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.mu.Unlock()
}

// Remove unregisters a connection and closes it. It returns false if the
// connection was already gone, so concurrent removals clean up once.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()

	if ok {
		_ = c.Close()
	}
	return ok
}

// Get returns the connection for id, or nil.
func (r *Registry) Get(id string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}

// InRoom returns a snapshot of the connections that joined room.
func (r *Registry) InRoom(room string) []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0)
	for _, c := range r.byID {
		if c.Room() == room {
			conns = append(conns, c)
		}
	}
	r.mu.RUnlock()
	return conns
}
