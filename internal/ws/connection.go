package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one upgraded client socket. Outbound frames go through a
// bounded send queue drained by a single writer goroutine, so Enqueue never
// blocks the caller.
type Connection struct {
	ID        string    // connection id (UUID), also the session id
	Addr      string    // client address used for admission and bans
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for poller lookups, -1 when unused
	CreatedAt time.Time // when the connection was established

	lastSeen     atomic.Int64 // unix nanos of the last frame read
	processing   int32        // atomic flag: 0 = idle, 1 = being read
	writeMu      sync.Mutex   // serializes frame writes
	writeTimeout time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(id, addr string, conn net.Conn, sendBuffer int, writeTimeout time.Duration) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	now := time.Now()
	c := &Connection{
		ID:           id,
		Addr:         addr,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    now,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
	}
	c.Touch(now)
	return c
}

// Touch records activity on the connection.
func (c *Connection) Touch(t time.Time) {
	c.lastSeen.Store(t.UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// Enqueue queues data for delivery. It reports false if the connection is
// closed or its send queue is full.
func (c *Connection) Enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// writeLoop drains the send queue until the connection closes. onError is
// called once if a write fails.
func (c *Connection) writeLoop(onError func(error)) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if err := c.WriteMessage(data); err != nil {
				onError(err)
				return
			}
		}
	}
}

// WriteMessage writes a text frame to the socket directly, bypassing the
// send queue.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close stops the writer and closes the socket. It is safe to call more than
// once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of live connections indexed by
// id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers conn.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters the connection with id and closes it. It returns the
// removed connection, or nil if it was already gone.
func (cm *ConnectionManager) Remove(id string) *Connection {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if !ok {
		return nil
	}
	_ = conn.Close()
	return conn
}

// Get returns the connection for id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of the live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
