package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultAuthTimeout    = 30 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultPingPeriod     = 20 * time.Second
	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 1 << 20
)

// HandlerConfig tunes the duplex endpoint. Zero values take the defaults.
type HandlerConfig struct {
	// AuthTimeout closes connections that have not authenticated in time.
	AuthTimeout    time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	CheckOrigin    func(*http.Request) bool
}

func (c *HandlerConfig) defaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = defaultPongWait
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = defaultPingPeriod
	}
	if c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait / 3
	}
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(*http.Request) bool { return true }
	}
}

// Handler upgrades HTTP requests to the duplex channel served by a Hub.
type Handler struct {
	hub      *Hub
	cfg      HandlerConfig
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, cfg HandlerConfig) *Handler {
	cfg.defaults()
	return &Handler{
		hub:      hub,
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: cfg.CheckOrigin},
	}
}

// ServeHTTP runs one connection until the peer goes away. The registry
// record is dropped on every exit path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	c := h.hub.Accept(&wsTransport{conn: ws, writeWait: h.cfg.WriteWait})
	defer h.hub.Disconnect(c)

	authTimer := time.AfterFunc(h.cfg.AuthTimeout, func() {
		if _, _, ok := c.Identity(); !ok {
			h.hub.log.Debug().Str("conn", c.ID()).Msg("auth timeout")
			h.hub.Disconnect(c)
		}
	})
	defer authTimer.Stop()

	ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait)) })

	done := make(chan struct{})
	defer close(done)
	go h.keepalive(c, done)

	for {
		mt, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.hub.log.Debug().Err(err).Str("conn", c.ID()).Msg("read")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		h.hub.Handle(c, raw)
	}
}

func (h *Handler) keepalive(c *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}
