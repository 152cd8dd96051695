// Package client is a reconnecting client for the bustrack duplex channel.
// It re-authenticates after every reconnect and dispatches server messages
// to per-type handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"bustrack/internal/model"
)

var (
	ErrMaxAttempts  = errors.New("max reconnection attempts reached")
	ErrNotConnected = errors.New("not connected")
)

// Socket is the subset of *websocket.Conn the client uses.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a socket to the server.
type DialFunc func(ctx context.Context) (Socket, error)

// Identity is sent as an auth message after every successful connect.
type Identity struct {
	UserID model.ID
	Role   model.Role
}

// Message is one server message passed to handlers.
type Message struct {
	Type string
	// Data is the envelope's data field, if any.
	Data json.RawMessage
	// Raw is the whole frame.
	Raw []byte
}

type HandlerFunc func(Message)

type Options struct {
	URL      string
	Identity *Identity
	Backoff  Backoff
	Logger   zerolog.Logger

	// Dial overrides the websocket dialer.
	Dial DialFunc
	// After overrides time.After for reconnect delays.
	After func(time.Duration) <-chan time.Time
}

type handlerEntry struct {
	id int
	fn HandlerFunc
}

type Client struct {
	opts  Options
	log   zerolog.Logger
	dial  DialFunc
	after func(time.Duration) <-chan time.Time

	mu       sync.Mutex
	sock     Socket
	identity *Identity
	handlers map[string]handlerEntry
	nextID   int

	closeOnce sync.Once
	done      chan struct{}
}

func New(opts Options) *Client {
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	c := &Client{
		opts:     opts,
		log:      opts.Logger,
		dial:     opts.Dial,
		after:    opts.After,
		identity: opts.Identity,
		handlers: map[string]handlerEntry{},
		done:     make(chan struct{}),
	}
	if c.dial == nil {
		url := opts.URL
		c.dial = func(ctx context.Context) (Socket, error) {
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				return nil, err
			}
			return ws, nil
		}
	}
	if c.after == nil {
		c.after = time.After
	}
	return c
}

// Run connects and keeps the connection alive until Close is called, ctx
// ends, or the reconnect budget is spent. A successful connect resets the
// attempt counter.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		sock, err := c.dial(ctx)
		if err == nil {
			attempt = 0
			c.serve(ctx, sock)
		} else {
			c.log.Debug().Err(err).Msg("dial failed")
		}

		select {
		case <-c.done:
			return nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt >= c.opts.Backoff.MaxAttempts {
			c.log.Error().Int("attempts", attempt).Msg("giving up reconnecting")
			return ErrMaxAttempts
		}
		d := c.opts.Backoff.Delay(attempt)
		attempt++
		c.log.Info().Dur("delay", d).Int("attempt", attempt).Msg("reconnecting")
		select {
		case <-c.after(d):
		case <-c.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serve owns sock until it fails or the client stops.
func (c *Client) serve(ctx context.Context, sock Socket) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		_ = sock.Close()
		return
	default:
	}
	c.sock = sock
	id := c.identity
	c.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		case <-stop:
			return
		}
		_ = sock.Close()
	}()

	c.log.Info().Msg("connected")
	if id != nil {
		if err := c.Send(authMessage(*id)); err != nil {
			c.log.Warn().Err(err).Msg("send auth")
		}
	}

	for {
		_, raw, err := sock.ReadMessage()
		if err != nil {
			c.log.Debug().Err(err).Msg("connection closed")
			break
		}
		c.dispatch(raw)
	}

	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
	}
	c.mu.Unlock()
	_ = sock.Close()
}

func (c *Client) dispatch(raw []byte) {
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn().Err(err).Msg("undecodable server message")
		return
	}
	c.mu.Lock()
	h, ok := c.handlers[env.Type]
	c.mu.Unlock()
	if ok {
		h.fn(Message{Type: env.Type, Data: env.Data, Raw: raw})
	}
}

// Handle sets the handler for a server message type, replacing any earlier
// one. The returned func removes it.
func (c *Client) Handle(msgType string, fn HandlerFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[msgType] = handlerEntry{id: id, fn: fn}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if h, ok := c.handlers[msgType]; ok && h.id == id {
			delete(c.handlers, msgType)
		}
	}
}

// SetIdentity changes the identity used on the next connect.
func (c *Client) SetIdentity(id Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &id
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

// Send encodes v as a text frame. It fails with ErrNotConnected between
// connections; nothing is queued.
func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil {
		return ErrNotConnected
	}
	return c.sock.WriteMessage(websocket.TextMessage, b)
}

// UpdateLocation reports the driver's position.
func (c *Client) UpdateLocation(loc model.GeoPoint) error {
	return c.Send(map[string]any{"type": "updateLocation", "location": loc})
}

// StopUpdate reports that the driver's bus reached a stop.
func (c *Client) StopUpdate(busID model.ID, currentStop int) error {
	return c.Send(map[string]any{"type": "stopUpdate", "busId": busID, "currentStop": currentStop})
}

// Close stops reconnecting and closes the socket. Run returns nil.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		sock := c.sock
		c.sock = nil
		c.mu.Unlock()
		if sock != nil {
			_ = sock.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = sock.Close()
		}
	})
	return err
}

func authMessage(id Identity) map[string]any {
	return map[string]any{"type": "auth", "userId": id.UserID, "role": id.Role}
}
