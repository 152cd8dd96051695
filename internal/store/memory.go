package store

import (
	"context"
	"sort"
	"sync"

	"bustrack/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu     sync.Mutex
	users  map[model.ID]model.User
	buses  map[model.ID]model.Bus
	routes map[model.ID]model.Route
	order  []model.ID // bus ids in insertion order
}

func NewMemory() *Memory {
	return &Memory{
		users:  map[model.ID]model.User{},
		buses:  map[model.ID]model.Bus{},
		routes: map[model.ID]model.Route{},
	}
}

// PutUser inserts or replaces a user.
func (m *Memory) PutUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutRoute inserts or replaces a route together with its stops.
func (m *Memory) PutRoute(r model.Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Stops = append([]model.Stop(nil), r.Stops...)
	m.routes[r.ID] = r
}

// PutBus inserts or replaces a bus.
func (m *Memory) PutBus(b model.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[b.ID]; !ok {
		m.order = append(m.order, b.ID)
	}
	b.Driver, b.Route = nil, nil
	m.buses[b.ID] = copyBus(b)
}

func (m *Memory) GetUser(ctx context.Context, userID model.ID) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) FindBusByDriver(ctx context.Context, driverID model.ID) (model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.busByDriverLocked(driverID)
	if !ok {
		return model.Bus{}, ErrNotFound
	}
	return copyBus(b), nil
}

func (m *Memory) UpdateBusLocation(ctx context.Context, busID model.ID, loc model.GeoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[busID]
	if !ok {
		return ErrNotFound
	}
	b.CurrentLocation = &loc
	m.buses[busID] = b
	return nil
}

func (m *Memory) UpdateBusStop(ctx context.Context, busID model.ID, currentStop int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buses[busID]
	if !ok {
		return ErrNotFound
	}
	b.CurrentStop = currentStop
	m.buses[busID] = b
	return nil
}

func (m *Memory) ListActiveBuses(ctx context.Context) ([]model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.Bus{}
	for _, id := range m.order {
		b := m.buses[id]
		if b.Status != model.BusStatusActive {
			continue
		}
		b = copyBus(b)
		if u, ok := m.users[b.DriverID]; ok {
			b.Driver = &u
		}
		if r, ok := m.routes[b.RouteID]; ok {
			// summary only; stops are part of the driver snapshot
			b.Route = &model.Route{ID: r.ID, Name: r.Name, Description: r.Description, Status: r.Status}
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) FindDriverRouteWithStops(ctx context.Context, driverID model.ID) (model.Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.busByDriverLocked(driverID)
	if !ok {
		return model.Bus{}, ErrNotFound
	}
	b = copyBus(b)
	if r, ok := m.routes[b.RouteID]; ok {
		r.Stops = sortedStops(r.Stops)
		b.Route = &r
	}
	return b, nil
}

func (m *Memory) busByDriverLocked(driverID model.ID) (model.Bus, bool) {
	if driverID == "" {
		return model.Bus{}, false
	}
	for _, id := range m.order {
		if b := m.buses[id]; b.DriverID == driverID {
			return b, true
		}
	}
	return model.Bus{}, false
}

func copyBus(b model.Bus) model.Bus {
	if b.CurrentLocation != nil {
		loc := *b.CurrentLocation
		b.CurrentLocation = &loc
	}
	return b
}

func sortedStops(in []model.Stop) []model.Stop {
	out := append([]model.Stop(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
