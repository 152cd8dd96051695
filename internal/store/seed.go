package store

import (
	_ "embed"
	"fmt"
	"os"

	"bustrack/internal/model"
	yaml "gopkg.in/yaml.v3"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the fixture format used to populate the in-memory store.
type Seed struct {
	Users  []model.User  `yaml:"users"`
	Routes []model.Route `yaml:"routes"`
	Buses  []model.Bus   `yaml:"buses"`
}

// ParseSeed decodes and checks a YAML fixture.
func ParseSeed(data []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	users := map[model.ID]model.Role{}
	for _, u := range s.Users {
		if u.ID == "" {
			return Seed{}, fmt.Errorf("seed user %q: missing id", u.Username)
		}
		if !u.Role.Valid() {
			return Seed{}, fmt.Errorf("seed user %s: invalid role %q", u.ID, u.Role)
		}
		users[u.ID] = u.Role
	}
	drivers := map[model.ID]model.ID{}
	for _, b := range s.Buses {
		if b.DriverID == "" {
			continue
		}
		if users[b.DriverID] != model.RoleDriver {
			return Seed{}, fmt.Errorf("seed bus %s: driver %s is not a driver", b.ID, b.DriverID)
		}
		// one driver owns at most one bus
		if other, dup := drivers[b.DriverID]; dup {
			return Seed{}, fmt.Errorf("seed bus %s: driver %s already assigned to bus %s", b.ID, b.DriverID, other)
		}
		drivers[b.DriverID] = b.ID
	}
	return s, nil
}

// Apply loads the fixture into the store.
func (m *Memory) Apply(s Seed) {
	for _, u := range s.Users {
		m.PutUser(u)
	}
	for _, r := range s.Routes {
		m.PutRoute(r)
	}
	for _, b := range s.Buses {
		m.PutBus(b)
	}
}

// NewSeededMemory returns a Memory populated from the fixture at path, or
// from the embedded demo fixture when path is empty.
func NewSeededMemory(path string) (*Memory, error) {
	data := defaultSeed
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed: %w", err)
		}
		data = b
	}
	s, err := ParseSeed(data)
	if err != nil {
		return nil, err
	}
	m := NewMemory()
	m.Apply(s)
	return m, nil
}
