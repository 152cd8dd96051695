package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bustrack/internal/model"
	"bustrack/internal/store"
)

func TestAcceptGreets(t *testing.T) {
	hub, _ := newTestHub(t)
	c, ft := open(t, hub, "", "")
	msgs := ft.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, OutboundConnection, msgs[0].Type)
	assert.Equal(t, "connected", msgs[0].Status)
	assert.NotEmpty(t, c.ID())
}

func TestAuthPassengerSnapshot(t *testing.T) {
	hub, _ := newTestHub(t)
	_, ft := open(t, hub, "u_passenger", "passenger")

	msgs := ft.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, OutboundAuthSuccess, msgs[1].Type)
	assert.Equal(t, model.ID("u_passenger"), msgs[1].UserID)
	assert.Equal(t, model.RolePassenger, msgs[1].Role)

	raw := ft.ofType(t, OutboundBusLocations)
	require.Len(t, raw, 1)
	var buses []model.Bus
	require.NoError(t, json.Unmarshal(raw[0], &buses))
	require.Len(t, buses, 2, "maintenance bus is not active")
	assert.Equal(t, "B-101", buses[0].BusNumber)
	require.NotNil(t, buses[0].Driver)
	assert.Equal(t, "John Driver", buses[0].Driver.FullName)
	require.NotNil(t, buses[0].Route)
	assert.Empty(t, buses[0].Route.Stops)
}

func TestAuthDriverSnapshot(t *testing.T) {
	hub, _ := newTestHub(t)
	_, ft := open(t, hub, "u_driver1", "driver")

	raw := ft.ofType(t, OutboundBusRoute)
	require.Len(t, raw, 1)
	var bus model.Bus
	require.NoError(t, json.Unmarshal(raw[0], &bus))
	assert.Equal(t, model.ID("b_101"), bus.ID)
	require.NotNil(t, bus.Route)
	require.Len(t, bus.Route.Stops, 3)
	for i, s := range bus.Route.Stops {
		assert.Equal(t, i+1, s.Order)
	}
}

func TestAuthDriverWithoutBus(t *testing.T) {
	hub, mem := newTestHub(t)
	mem.PutUser(model.User{ID: "u_spare", Role: model.RoleDriver})
	_, ft := open(t, hub, "u_spare", "driver")
	assert.Empty(t, ft.ofType(t, OutboundBusRoute))
	assert.Len(t, ft.ofType(t, OutboundAuthSuccess), 1)
}

func TestAuthAdminNoSnapshot(t *testing.T) {
	hub, _ := newTestHub(t)
	_, ft := open(t, hub, "u_admin", "admin")
	msgs := ft.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, OutboundAuthSuccess, msgs[1].Type)
}

func TestAuthNumericUserID(t *testing.T) {
	hub, mem := newTestHub(t)
	mem.PutUser(model.User{ID: "42", Role: model.RoleAdmin})
	c, _ := open(t, hub, "", "")
	hub.Handle(c, []byte(`{"type":"auth","userId":42,"role":"admin"}`))
	_, userID, ok := c.Identity()
	assert.True(t, ok)
	assert.Equal(t, model.ID("42"), userID)
}

func TestAuthFailures(t *testing.T) {
	cases := []struct {
		name string
		msg  string
	}{
		{"unknown user", `{"type":"auth","userId":"nobody","role":"passenger"}`},
		{"role mismatch", `{"type":"auth","userId":"u_passenger","role":"admin"}`},
		{"unknown role", `{"type":"auth","userId":"u_passenger","role":"pilot"}`},
		{"missing user", `{"type":"auth","role":"passenger"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hub, _ := newTestHub(t)
			c, ft := open(t, hub, "", "")
			hub.Handle(c, []byte(tc.msg))
			msgs := ft.messages(t)
			require.Len(t, msgs, 2)
			assert.Equal(t, OutboundError, msgs[1].Type)
			assert.NotEmpty(t, msgs[1].Message)
			assert.True(t, c.Open())
			assert.Equal(t, 0, hub.Registry().Len())
		})
	}
}

func TestReauth(t *testing.T) {
	hub, _ := newTestHub(t)
	c, ft := open(t, hub, "u_admin", "admin")
	ft.reset()

	hub.Handle(c, []byte(`{"type":"auth","userId":"u_admin","role":"admin"}`))
	assert.Len(t, ft.ofType(t, OutboundAuthSuccess), 1)
	assert.Equal(t, 1, hub.Registry().Len())

	hub.Handle(c, []byte(`{"type":"auth","userId":"u_passenger","role":"passenger"}`))
	assert.Len(t, ft.ofType(t, OutboundError), 1)
	role, userID, _ := c.Identity()
	assert.Equal(t, model.RoleAdmin, role)
	assert.Equal(t, model.ID("u_admin"), userID)
}

func TestMalformedMessagesKeepConnectionOpen(t *testing.T) {
	hub, _ := newTestHub(t)
	c, ft := open(t, hub, "u_driver1", "driver")
	ft.reset()
	for _, raw := range []string{
		`not json`,
		`{"type":"teleport"}`,
		`{}`,
		`{"type":"updateLocation"}`,
		`{"type":"updateLocation","location":{"lat":91,"lng":0}}`,
		`{"type":"stopUpdate","busId":"b_101"}`,
	} {
		hub.Handle(c, []byte(raw))
	}
	assert.Len(t, ft.ofType(t, OutboundError), 6)
	assert.True(t, c.Open())
	assert.Equal(t, 1, hub.Registry().Len())
}

func TestLocationFanOut(t *testing.T) {
	hub, mem := newTestHub(t)
	driver, _ := open(t, hub, "u_driver1", "driver")
	mem.PutUser(model.User{ID: "u_passenger2", Role: model.RolePassenger})
	_, p1 := open(t, hub, "u_passenger", "passenger")
	_, p2 := open(t, hub, "u_passenger2", "passenger")
	_, adm := open(t, hub, "u_admin", "admin")
	_, d2 := open(t, hub, "u_driver2", "driver")

	hub.Handle(driver, []byte(`{"type":"updateLocation","location":{"lat":1,"lng":2}}`))

	for _, ft := range []*fakeTransport{p1, p2, adm} {
		raw := ft.ofType(t, OutboundBusLocationUpdate)
		require.Len(t, raw, 1)
		var lu model.LocationUpdate
		require.NoError(t, json.Unmarshal(raw[0], &lu))
		assert.Equal(t, model.LocationUpdate{BusID: "b_101", Location: model.GeoPoint{Lat: 1, Lng: 2}}, lu)
	}
	assert.Empty(t, d2.ofType(t, OutboundBusLocationUpdate))

	bus, err := mem.FindBusByDriver(context.Background(), "u_driver1")
	require.NoError(t, err)
	assert.Equal(t, &model.GeoPoint{Lat: 1, Lng: 2}, bus.CurrentLocation)
}

func TestLocationIgnoredFromNonDrivers(t *testing.T) {
	hub, _ := newTestHub(t)
	anon, anonT := open(t, hub, "", "")
	pass, passT := open(t, hub, "u_passenger", "passenger")
	_, adm := open(t, hub, "u_admin", "admin")
	passT.reset()
	anonT.reset()

	hub.Handle(pass, []byte(`{"type":"updateLocation","location":{"lat":1,"lng":2}}`))
	hub.Handle(anon, []byte(`{"type":"updateLocation","location":{"lat":1,"lng":2}}`))

	assert.Empty(t, adm.ofType(t, OutboundBusLocationUpdate))
	assert.Empty(t, passT.messages(t), "ignored silently")
	assert.Empty(t, anonT.messages(t), "ignored silently")
}

type failingStore struct {
	store.Store
}

func (failingStore) UpdateBusLocation(context.Context, model.ID, model.GeoPoint) error {
	return errors.New("db down")
}

func (failingStore) ListActiveBuses(context.Context) ([]model.Bus, error) {
	return nil, errors.New("db down")
}

func TestLocationPersistFailureSkipsFanOut(t *testing.T) {
	mem, err := store.NewSeededMemory("")
	require.NoError(t, err)
	hub := NewHub(context.Background(), failingStore{mem}, NewRegistry(), Options{Logger: zerolog.Nop()})
	driver, dT := open(t, hub, "u_driver1", "driver")
	_, adm := open(t, hub, "u_admin", "admin")
	_, pass := open(t, hub, "u_passenger", "passenger")
	dT.reset()

	hub.Handle(driver, []byte(`{"type":"updateLocation","location":{"lat":1,"lng":2}}`))
	assert.Empty(t, adm.ofType(t, OutboundBusLocationUpdate))
	assert.Empty(t, dT.messages(t))
	// snapshot failure leaves the passenger with auth_success only
	assert.Empty(t, pass.ofType(t, OutboundBusLocations))
	assert.Len(t, pass.ofType(t, OutboundAuthSuccess), 1)
}

func TestDriverStopUpdate(t *testing.T) {
	hub, mem := newTestHub(t)
	driver, _ := open(t, hub, "u_driver1", "driver")
	_, pass := open(t, hub, "u_passenger", "passenger")
	_, adm := open(t, hub, "u_admin", "admin")

	hub.Handle(driver, []byte(`{"type":"stopUpdate","busId":"b_202","currentStop":2}`))
	assert.Empty(t, pass.ofType(t, OutboundStopUpdate), "not the driver's bus")

	hub.Handle(driver, []byte(`{"type":"stopUpdate","busId":"b_101","currentStop":2}`))
	for _, ft := range []*fakeTransport{pass, adm} {
		raw := ft.ofType(t, OutboundStopUpdate)
		require.Len(t, raw, 1)
		var su model.StopUpdate
		require.NoError(t, json.Unmarshal(raw[0], &su))
		assert.Equal(t, model.StopUpdate{BusID: "b_101", CurrentStop: 2}, su)
	}
	bus, err := mem.FindBusByDriver(context.Background(), "u_driver1")
	require.NoError(t, err)
	assert.Equal(t, 2, bus.CurrentStop)
}

func TestNotifyIncidentAdminsOnly(t *testing.T) {
	hub, _ := newTestHub(t)
	_, adm := open(t, hub, "u_admin", "admin")
	_, pass := open(t, hub, "u_passenger", "passenger")
	_, drv := open(t, hub, "u_driver1", "driver")

	n := hub.NotifyIncident(model.Incident{ID: "i1", BusID: "b_101", Description: "flat tyre"})
	assert.Equal(t, 1, n)
	raw := adm.ofType(t, OutboundNewIncident)
	require.Len(t, raw, 1)
	var inc model.Incident
	require.NoError(t, json.Unmarshal(raw[0], &inc))
	assert.Equal(t, "flat tyre", inc.Description)
	assert.Empty(t, pass.ofType(t, OutboundNewIncident))
	assert.Empty(t, drv.ofType(t, OutboundNewIncident))
}

type panickyStore struct{ store.Store }

func (panickyStore) GetUser(context.Context, model.ID) (model.User, error) { panic("boom") }

func TestHandleRecoversPanics(t *testing.T) {
	hub := NewHub(context.Background(), panickyStore{}, NewRegistry(), Options{Logger: zerolog.Nop()})
	c := hub.Accept(&fakeTransport{})
	assert.NotPanics(t, func() {
		hub.Handle(c, []byte(`{"type":"auth","userId":"x","role":"admin"}`))
	})
	assert.True(t, c.Open())
}

func TestAuthAfterDisconnectLeavesNoRecord(t *testing.T) {
	hub, _ := newTestHub(t)
	ft := &fakeTransport{}
	c := hub.Accept(ft)

	// Auth timer fires while the auth frame is still being handled.
	hub.Disconnect(c)
	hub.Handle(c, []byte(`{"type":"auth","userId":"u_passenger","role":"passenger"}`))
	hub.Disconnect(c)

	assert.Equal(t, 0, hub.Registry().Len())
	assert.Zero(t, hub.Registry().CountByRole()[model.RolePassenger])
	_, ok := hub.Registry().Get(c.ID())
	assert.False(t, ok)
}

func TestShutdownClosesEveryConnection(t *testing.T) {
	hub, _ := newTestHub(t)
	_, pass := open(t, hub, "u_passenger", "passenger")
	_, drv := open(t, hub, "u_driver1", "driver")
	anon, anonFT := open(t, hub, "", "")
	require.Equal(t, 2, hub.Registry().Len())

	hub.Shutdown()

	assert.Equal(t, 0, hub.Registry().Len())
	for _, ft := range []*fakeTransport{pass, drv, anonFT} {
		ft.mu.Lock()
		assert.True(t, ft.closed)
		ft.mu.Unlock()
	}
	assert.False(t, anon.Open())

	late := &fakeTransport{}
	c := hub.Accept(late)
	assert.False(t, c.Open())
	hub.Handle(c, []byte(`{"type":"auth","userId":"u_admin","role":"admin"}`))
	assert.Equal(t, 0, hub.Registry().Len())
}
