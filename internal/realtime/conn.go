package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"bustrack/internal/model"
)

var (
	ErrClosed        = errors.New("connection closed")
	ErrIdentityBound = errors.New("connection already authenticated as another identity")
)

// Transport is the write side of a duplex connection. *websocket.Conn
// satisfies it; tests substitute in-memory fakes.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Conn is one accepted duplex connection. Writes are serialised because the
// websocket library allows a single concurrent writer per connection.
type Conn struct {
	id string
	t  Transport

	wmu       sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	released  atomic.Bool

	smu    sync.RWMutex
	role   model.Role
	userID model.ID
	authed bool
}

func newConn(id string, t Transport) *Conn { return &Conn{id: id, t: t} }

// ID returns the connection identifier assigned at accept time.
func (c *Conn) ID() string { return c.id }

// Open reports whether the transport is still usable.
func (c *Conn) Open() bool { return !c.closed.Load() }

// Identity returns the bound role and user once the connection authenticated.
func (c *Conn) Identity() (model.Role, model.ID, bool) {
	c.smu.RLock()
	defer c.smu.RUnlock()
	return c.role, c.userID, c.authed
}

// bind sets the identity. Role and user are immutable once set; binding the
// same identity again is a no-op.
func (c *Conn) bind(role model.Role, userID model.ID) error {
	c.smu.Lock()
	defer c.smu.Unlock()
	if c.authed {
		if c.role == role && c.userID == userID {
			return nil
		}
		return ErrIdentityBound
	}
	c.role, c.userID, c.authed = role, userID, true
	return nil
}

// Send writes one text frame. A failed write marks the connection closed so
// later fan-outs skip it.
func (c *Conn) Send(b []byte) error {
	return c.write(websocket.TextMessage, b)
}

func (c *Conn) ping() error {
	return c.write(websocket.PingMessage, nil)
}

func (c *Conn) write(messageType int, b []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.t.WriteMessage(messageType, b); err != nil {
		c.closed.Store(true)
		return err
	}
	return nil
}

// Close marks the connection closed and releases the transport once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.wmu.Lock()
		defer c.wmu.Unlock()
		err = c.t.Close()
	})
	return err
}

// wsTransport applies a write deadline to every frame written to a
// websocket connection.
type wsTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (w *wsTransport) WriteMessage(messageType int, data []byte) error {
	if w.writeWait > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeWait))
	}
	return w.conn.WriteMessage(messageType, data)
}

func (w *wsTransport) Close() error {
	if w.writeWait > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeWait))
	}
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return w.conn.Close()
}
