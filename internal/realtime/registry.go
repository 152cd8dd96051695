// Package realtime implements the duplex location fan-out service: the
// connection registry, role-based routing, and the per-connection session
// logic for drivers, passengers and admins.
package realtime

import (
	"sync"

	"bustrack/internal/metrics"
	"bustrack/internal/model"
)

// Record is a registered (authenticated) connection.
type Record struct {
	ID     string
	Role   model.Role
	UserID model.ID
	Conn   *Conn
}

// Registry maps live authenticated connections to their role and identity.
// Connections that never authenticate are not registered.
type Registry struct {
	mu   sync.RWMutex
	recs map[string]Record
}

func NewRegistry() *Registry {
	return &Registry{recs: map[string]Record{}}
}

// Register inserts or updates the record for id. Idempotent per id. A
// connection already released by Hub.Disconnect is refused, so a late auth
// cannot leave a record behind its own disconnect.
func (r *Registry) Register(id string, role model.Role, userID model.ID, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn != nil && conn.released.Load() {
		return false
	}
	if old, ok := r.recs[id]; ok {
		if old.Role != role {
			metrics.WSConnections.WithLabelValues(string(old.Role)).Dec()
			metrics.WSConnections.WithLabelValues(string(role)).Inc()
		}
	} else {
		metrics.WSConnections.WithLabelValues(string(role)).Inc()
	}
	r.recs[id] = Record{ID: id, Role: role, UserID: userID, Conn: conn}
	return true
}

// Unregister removes the record for id and reports whether one existed.
// Unknown ids are a no-op.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.recs[id]
	if !ok {
		return false
	}
	delete(r.recs, id)
	metrics.WSConnections.WithLabelValues(string(old.Role)).Dec()
	return true
}

// Get returns the record for id.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.recs[id]
	return rec, ok
}

// ListByRole returns a point-in-time copy of the records with the given
// role. Callers may iterate it while connections register or close.
func (r *Registry) ListByRole(role model.Role) []Record {
	return r.list(func(rec Record) bool { return rec.Role == role })
}

// ListByUser returns a copy of the records bound to userID.
func (r *Registry) ListByUser(userID model.ID) []Record {
	return r.list(func(rec Record) bool { return rec.UserID == userID })
}

func (r *Registry) list(match func(Record) bool) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.recs))
	for _, rec := range r.recs {
		if match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.recs)
}

// CountByRole returns the number of registered connections per role.
func (r *Registry) CountByRole() map[model.Role]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[model.Role]int, len(model.Roles))
	for _, role := range model.Roles {
		out[role] = 0
	}
	for _, rec := range r.recs {
		out[rec.Role]++
	}
	return out
}
