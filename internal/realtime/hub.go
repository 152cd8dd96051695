package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bustrack/internal/metrics"
	"bustrack/internal/model"
	"bustrack/internal/store"
)

// Inbound results recorded in ws_inbound_total.
const (
	resultOK      = "ok"
	resultIgnored = "ignored"
	resultInvalid = "invalid"
	resultFailed  = "failed"
)

const defaultStoreTimeout = 5 * time.Second

type Options struct {
	// StoreTimeout bounds every store call made on behalf of a message.
	StoreTimeout time.Duration
	Logger       zerolog.Logger
	// NewID generates connection ids; uuid.NewString when nil.
	NewID func() string
}

// Hub runs the per-connection session logic: authentication, snapshots,
// location ingest and notification fan-out.
type Hub struct {
	base    context.Context
	store   store.Store
	reg     *Registry
	router  *Router
	timeout time.Duration
	log     zerolog.Logger
	newID   func() string

	mu       sync.Mutex
	accepted map[*Conn]struct{}
	shutdown bool
}

// NewHub builds a hub. Store calls derive from ctx rather than from the
// connection, so a write still completes after its sender disconnects.
func NewHub(ctx context.Context, st store.Store, reg *Registry, opts Options) *Hub {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Hub{
		base:     ctx,
		store:    st,
		reg:      reg,
		router:   NewRouter(reg, opts.Logger),
		timeout:  opts.StoreTimeout,
		log:      opts.Logger,
		newID:    opts.NewID,
		accepted: make(map[*Conn]struct{}),
	}
}

func (h *Hub) Registry() *Registry { return h.reg }
func (h *Hub) Router() *Router     { return h.router }

// Accept wraps a freshly opened transport and greets the peer. The
// connection stays unregistered until it authenticates.
func (h *Hub) Accept(t Transport) *Conn {
	c := newConn(h.newID(), t)
	metrics.WSOpen.Inc()
	h.mu.Lock()
	if h.shutdown {
		h.mu.Unlock()
		h.Disconnect(c)
		return c
	}
	h.accepted[c] = struct{}{}
	h.mu.Unlock()
	if err := sendTo(c, connected()); err != nil {
		h.log.Debug().Err(err).Str("conn", c.ID()).Msg("greeting failed")
	}
	return c
}

// Disconnect closes the transport and drops the registry record. Safe to
// call more than once. The released flag is set before Unregister takes the
// registry lock, and Register checks it under that lock.
func (h *Hub) Disconnect(c *Conn) {
	if !c.released.CompareAndSwap(false, true) {
		return
	}
	metrics.WSOpen.Dec()
	h.mu.Lock()
	delete(h.accepted, c)
	h.mu.Unlock()
	_ = c.Close()
	if h.reg.Unregister(c.ID()) {
		role, userID, _ := c.Identity()
		h.log.Info().Str("conn", c.ID()).Str("role", string(role)).Str("user", userID.String()).Msg("client disconnected")
	}
}

// Shutdown disconnects every accepted connection, authenticated or not, and
// refuses new ones. http.Server.Shutdown does not close hijacked
// connections, so the caller runs this after it.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shutdown = true
	conns := make([]*Conn, 0, len(h.accepted))
	for c := range h.accepted {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.Disconnect(c)
	}
	h.log.Info().Int("connections", len(conns)).Msg("realtime hub shut down")
}

// Handle processes one inbound text frame. Messages from a connection must be
// handled sequentially in receipt order; the read loop guarantees that.
func (h *Hub) Handle(c *Conn, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error().Str("conn", c.ID()).Interface("panic", rec).Msg("message handler panicked")
		}
	}()
	in, err := ParseInbound(raw)
	if err != nil {
		kind := string(in.Type)
		if kind == "" || errors.Is(err, ErrUnknownType) {
			kind = "unknown"
		}
		metrics.WSInbound.WithLabelValues(kind, resultInvalid).Inc()
		h.log.Debug().Err(err).Str("conn", c.ID()).Msg("rejected message")
		h.reply(c, errorMessage(err.Error()))
		return
	}
	switch in.Type {
	case InboundAuth:
		h.handleAuth(c, in)
	case InboundUpdateLocation:
		h.handleUpdateLocation(c, in)
	case InboundStopUpdate:
		h.handleStopUpdate(c, in)
	}
}

func (h *Hub) handleAuth(c *Conn, in Inbound) {
	if role, userID, ok := c.Identity(); ok && (role != in.Role || userID != in.UserID) {
		h.fail(c, in.Type, resultInvalid, ErrIdentityBound.Error())
		return
	}
	ctx, cancel := h.storeCtx()
	defer cancel()
	u, err := h.store.GetUser(ctx, in.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.fail(c, in.Type, resultInvalid, "unknown user")
		return
	case err != nil:
		h.log.Error().Err(err).Str("user", in.UserID.String()).Msg("lookup user")
		h.fail(c, in.Type, resultFailed, "authentication failed")
		return
	case u.Role != in.Role:
		h.fail(c, in.Type, resultInvalid, "role does not match user")
		return
	}
	if err := c.bind(in.Role, in.UserID); err != nil {
		h.fail(c, in.Type, resultInvalid, err.Error())
		return
	}
	if !h.reg.Register(c.ID(), in.Role, in.UserID, c) {
		metrics.WSInbound.WithLabelValues(string(in.Type), resultIgnored).Inc()
		h.log.Debug().Str("conn", c.ID()).Msg("auth after disconnect")
		return
	}
	metrics.WSInbound.WithLabelValues(string(in.Type), resultOK).Inc()
	h.log.Info().Str("conn", c.ID()).Str("role", string(in.Role)).Str("user", in.UserID.String()).Msg("client authenticated")

	h.reply(c, authSuccess(in.UserID, in.Role))
	h.sendSnapshot(ctx, c, in.Role, in.UserID)
}

// sendSnapshot pushes the role's initial state. Query failures are logged
// and leave the client without a snapshot.
func (h *Hub) sendSnapshot(ctx context.Context, c *Conn, role model.Role, userID model.ID) {
	switch role {
	case model.RolePassenger:
		buses, err := h.store.ListActiveBuses(ctx)
		if err != nil {
			h.log.Error().Err(err).Str("conn", c.ID()).Msg("passenger snapshot")
			return
		}
		h.reply(c, Outbound{Type: OutboundBusLocations, Data: buses})
	case model.RoleDriver:
		bus, err := h.store.FindDriverRouteWithStops(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			h.log.Error().Err(err).Str("conn", c.ID()).Msg("driver snapshot")
			return
		}
		h.reply(c, Outbound{Type: OutboundBusRoute, Data: bus})
	case model.RoleAdmin:
	}
}

func (h *Hub) handleUpdateLocation(c *Conn, in Inbound) {
	driverID, ok := h.driver(c, in.Type)
	if !ok {
		return
	}
	ctx, cancel := h.storeCtx()
	defer cancel()
	bus, err := h.store.FindBusByDriver(ctx, driverID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.WSInbound.WithLabelValues(string(in.Type), resultIgnored).Inc()
		h.log.Debug().Str("conn", c.ID()).Str("driver", driverID.String()).Msg("driver has no bus")
		return
	}
	if err != nil {
		metrics.WSInbound.WithLabelValues(string(in.Type), resultFailed).Inc()
		h.log.Error().Err(err).Str("driver", driverID.String()).Msg("find bus")
		return
	}
	loc := *in.Location
	if err := h.store.UpdateBusLocation(ctx, bus.ID, loc); err != nil {
		metrics.WSInbound.WithLabelValues(string(in.Type), resultFailed).Inc()
		h.log.Error().Err(err).Str("bus", bus.ID.String()).Msg("update bus location")
		return
	}
	metrics.WSInbound.WithLabelValues(string(in.Type), resultOK).Inc()
	h.router.SendToRoles(Outbound{
		Type: OutboundBusLocationUpdate,
		Data: model.LocationUpdate{BusID: bus.ID, Location: loc},
	}, model.RolePassenger, model.RoleAdmin)
}

func (h *Hub) handleStopUpdate(c *Conn, in Inbound) {
	driverID, ok := h.driver(c, in.Type)
	if !ok {
		return
	}
	ctx, cancel := h.storeCtx()
	defer cancel()
	bus, err := h.store.FindBusByDriver(ctx, driverID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && in.BusID != "" && in.BusID != bus.ID) {
		metrics.WSInbound.WithLabelValues(string(in.Type), resultIgnored).Inc()
		h.log.Debug().Str("conn", c.ID()).Str("bus", in.BusID.String()).Msg("stop update for a bus the driver does not own")
		return
	}
	if err != nil {
		metrics.WSInbound.WithLabelValues(string(in.Type), resultFailed).Inc()
		h.log.Error().Err(err).Str("driver", driverID.String()).Msg("find bus")
		return
	}
	if err := h.store.UpdateBusStop(ctx, bus.ID, *in.CurrentStop); err != nil {
		metrics.WSInbound.WithLabelValues(string(in.Type), resultFailed).Inc()
		h.log.Error().Err(err).Str("bus", bus.ID.String()).Msg("update bus stop")
		return
	}
	metrics.WSInbound.WithLabelValues(string(in.Type), resultOK).Inc()
	h.NotifyStopUpdate(bus.ID, *in.CurrentStop)
}

// driver returns the sender's user id when it is an authenticated driver.
// Anything else is ignored without a reply.
func (h *Hub) driver(c *Conn, kind InboundKind) (model.ID, bool) {
	role, userID, ok := c.Identity()
	if !ok || role != model.RoleDriver {
		metrics.WSInbound.WithLabelValues(string(kind), resultIgnored).Inc()
		h.log.Debug().Str("conn", c.ID()).Str("type", string(kind)).Str("role", string(role)).Msg("ignored: sender is not an authenticated driver")
		return "", false
	}
	return userID, true
}

// NotifyIncident alerts every admin connection.
func (h *Hub) NotifyIncident(inc model.Incident) int {
	return h.router.SendToRole(model.RoleAdmin, Outbound{Type: OutboundNewIncident, Data: inc})
}

// NotifyStopUpdate tells passengers and admins that a bus reached a stop.
func (h *Hub) NotifyStopUpdate(busID model.ID, currentStop int) int {
	return h.router.SendToRoles(Outbound{
		Type: OutboundStopUpdate,
		Data: model.StopUpdate{BusID: busID, CurrentStop: currentStop},
	}, model.RolePassenger, model.RoleAdmin)
}

func (h *Hub) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.base, h.timeout)
}

func (h *Hub) fail(c *Conn, kind InboundKind, result, msg string) {
	metrics.WSInbound.WithLabelValues(string(kind), result).Inc()
	h.log.Debug().Str("conn", c.ID()).Str("type", string(kind)).Msg(msg)
	h.reply(c, errorMessage(msg))
}

func (h *Hub) reply(c *Conn, out Outbound) {
	if err := sendTo(c, out); err != nil {
		h.log.Debug().Err(err).Str("conn", c.ID()).Str("type", string(out.Type)).Msg("reply failed")
	}
}
