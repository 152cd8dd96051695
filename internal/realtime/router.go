package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"bustrack/internal/metrics"
	"bustrack/internal/model"
)

// Router delivers envelopes to an audience selected from the registry.
// Delivery is best effort and at most once: connections whose transport is
// not open are skipped, and nothing is queued or retried.
type Router struct {
	reg *Registry
	log zerolog.Logger
}

func NewRouter(reg *Registry, log zerolog.Logger) *Router {
	return &Router{reg: reg, log: log}
}

// SendToRole delivers out to every registered connection with role and
// returns the number of connections written to.
func (r *Router) SendToRole(role model.Role, out Outbound) int {
	return r.SendToRoles(out, role)
}

// SendToRoles delivers out to every registered connection whose role is in
// roles. The envelope is encoded once.
func (r *Router) SendToRoles(out Outbound, roles ...model.Role) int {
	b, err := json.Marshal(out)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(out.Type)).Msg("encode envelope")
		return 0
	}
	n := 0
	for _, role := range roles {
		n += r.deliver(r.reg.ListByRole(role), out.Type, b)
	}
	return n
}

// SendToUser delivers out to every connection bound to userID.
func (r *Router) SendToUser(userID model.ID, out Outbound) int {
	b, err := json.Marshal(out)
	if err != nil {
		r.log.Error().Err(err).Str("type", string(out.Type)).Msg("encode envelope")
		return 0
	}
	return r.deliver(r.reg.ListByUser(userID), out.Type, b)
}

// SendToConnection replies to a single registered connection.
func (r *Router) SendToConnection(id string, out Outbound) error {
	rec, ok := r.reg.Get(id)
	if !ok {
		return fmt.Errorf("connection %s: %w", id, ErrClosed)
	}
	return sendTo(rec.Conn, out)
}

func (r *Router) deliver(recs []Record, kind OutboundKind, b []byte) int {
	n := 0
	for _, rec := range recs {
		if !rec.Conn.Open() {
			metrics.WSMessagesSkipped.WithLabelValues(string(kind)).Inc()
			continue
		}
		if err := rec.Conn.Send(b); err != nil {
			metrics.WSMessagesSkipped.WithLabelValues(string(kind)).Inc()
			r.log.Debug().Err(err).Str("conn", rec.ID).Str("type", string(kind)).Msg("skip send")
			continue
		}
		metrics.WSMessagesSent.WithLabelValues(string(kind)).Inc()
		n++
	}
	return n
}

// sendTo writes out to a single connection, registered or not.
func sendTo(c *Conn, out Outbound) error {
	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if err := c.Send(b); err != nil {
		metrics.WSMessagesSkipped.WithLabelValues(string(out.Type)).Inc()
		return err
	}
	metrics.WSMessagesSent.WithLabelValues(string(out.Type)).Inc()
	return nil
}
