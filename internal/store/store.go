package store

import (
	"context"
	"errors"

	"bustrack/internal/model"
)

// Store is the persistence interface consumed by the real-time service.
// Users, buses, routes and stops are owned by the CRUD layer; this service
// only reads them and writes the transient bus position/stop fields.
type Store interface {
	// Identity
	GetUser(ctx context.Context, userID model.ID) (model.User, error)

	// Buses
	FindBusByDriver(ctx context.Context, driverID model.ID) (model.Bus, error)
	UpdateBusLocation(ctx context.Context, busID model.ID, loc model.GeoPoint) error
	UpdateBusStop(ctx context.Context, busID model.ID, currentStop int) error

	// Snapshots
	ListActiveBuses(ctx context.Context) ([]model.Bus, error)
	FindDriverRouteWithStops(ctx context.Context, driverID model.ID) (model.Bus, error)
}

var ErrNotFound = errors.New("not found")
