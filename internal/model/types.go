package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Role is the identity class of a connected user.
type Role string

const (
	RoleDriver    Role = "driver"
	RolePassenger Role = "passenger"
	RoleAdmin     Role = "admin"
)

// Roles lists every known role in a stable order.
var Roles = []Role{RoleDriver, RolePassenger, RoleAdmin}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleDriver, RolePassenger, RoleAdmin:
		return true
	}
	return false
}

// ID is an external identifier. Clients send ids either as JSON strings
// (document ids) or as JSON numbers (serial ids); both decode to the same
// string form and always encode as a JSON string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Valid reports whether the point is a finite coordinate within range.
func (p GeoPoint) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type User struct {
	ID       ID     `json:"id" yaml:"id"`
	Username string `json:"username,omitempty" yaml:"username"`
	FullName string `json:"fullName,omitempty" yaml:"fullName"`
	Email    string `json:"email,omitempty" yaml:"email"`
	Role     Role   `json:"role" yaml:"role"`
}

type Stop struct {
	ID                 ID       `json:"id" yaml:"id"`
	Name               string   `json:"name" yaml:"name"`
	Description        string   `json:"description,omitempty" yaml:"description"`
	Location           GeoPoint `json:"location" yaml:"location"`
	Order              int      `json:"order" yaml:"order"`
	ScheduledArrival   string   `json:"scheduledArrival,omitempty" yaml:"scheduledArrival"`
	ScheduledDeparture string   `json:"scheduledDeparture,omitempty" yaml:"scheduledDeparture"`
}

type Route struct {
	ID          ID     `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	Status      string `json:"status,omitempty" yaml:"status"`
	Stops       []Stop `json:"stops,omitempty" yaml:"stops"`
}

// BusStatusActive marks buses currently in service.
const BusStatusActive = "active"

type Bus struct {
	ID              ID        `json:"id" yaml:"id"`
	BusNumber       string    `json:"busNumber" yaml:"busNumber"`
	Capacity        int       `json:"capacity,omitempty" yaml:"capacity"`
	Status          string    `json:"status" yaml:"status"`
	CurrentLocation *GeoPoint `json:"currentLocation,omitempty" yaml:"currentLocation"`
	CurrentStop     int       `json:"currentStop" yaml:"currentStop"`
	DriverID        ID        `json:"driverId,omitempty" yaml:"driverId"`
	RouteID         ID        `json:"routeId,omitempty" yaml:"routeId"`

	// Populated by snapshot queries only.
	Driver *User  `json:"driver,omitempty" yaml:"-"`
	Route  *Route `json:"route,omitempty" yaml:"-"`
}

type Incident struct {
	ID           ID        `json:"id"`
	BusID        ID        `json:"busId,omitempty"`
	ReportedBy   ID        `json:"reportedBy,omitempty"`
	Description  string    `json:"description"`
	IncidentType string    `json:"incidentType,omitempty"`
	Status       string    `json:"status,omitempty"`
	Location     *GeoPoint `json:"location,omitempty"`
	CreatedAt    time.Time `json:"createdAt,omitzero"`
}

// LocationUpdate is the payload of a busLocationUpdate broadcast.
type LocationUpdate struct {
	BusID    ID       `json:"busId"`
	Location GeoPoint `json:"location"`
}

// StopUpdate is the payload of a stopUpdate broadcast.
type StopUpdate struct {
	BusID       ID  `json:"busId"`
	CurrentStop int `json:"currentStop"`
}
