package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routecast/internal/events"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []events.Outbound
	full   bool
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev events.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) received() []events.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.Outbound, len(c.events))
	copy(out, c.events)
	return out
}

func location(vehicle, route string, lat float64) events.LocationUpdate {
	return events.LocationUpdate{VehicleID: vehicle, RouteID: route, Lat: lat, Timestamp: time.Unix(1700000000, 0)}
}

func TestSubscribeSnapshotOffline(t *testing.T) {
	r := New()
	c := newConn("c1")
	r.Subscribe(c, "r1")

	assert.Equal(t, []events.Outbound{events.Status{RouteID: "r1"}}, c.received())
}

func TestSubscribeSnapshotWhileSharing(t *testing.T) {
	r := New()
	driver := newConn("d1")
	_, err := r.RegisterSession(driver, "bus-1", "r1")
	require.NoError(t, err)

	r.Publish("r1", events.Status{VehicleID: "bus-1", RouteID: "r1", Sharing: true}, nil)
	last := location("bus-1", "r1", 1)
	r.Publish("r1", last, nil)

	rider := newConn("rider")
	r.Subscribe(rider, "r1")
	assert.Equal(t, []events.Outbound{
		events.Status{VehicleID: "bus-1", RouteID: "r1", Sharing: true},
		last,
	}, rider.received())

	next := location("bus-1", "r1", 2)
	r.Publish("r1", next, nil)
	got := rider.received()
	require.Len(t, got, 3)
	assert.Equal(t, next, got[2])
}

func TestSubscribeIsIdempotent(t *testing.T) {
	r := New()
	c := newConn("c1")
	r.Subscribe(c, "r1")
	r.Subscribe(c, "r1")

	st, ok := r.Route("r1")
	require.True(t, ok)
	assert.Equal(t, 1, st.Subscribers)

	r.Publish("r1", events.RiderWaiting{RouteID: "r1", StopID: "s"}, nil)
	waiting := 0
	for _, ev := range c.received() {
		if _, ok := ev.(events.RiderWaiting); ok {
			waiting++
		}
	}
	assert.Equal(t, 1, waiting)
}

func TestStopClearsSnapshotLocation(t *testing.T) {
	r := New()
	driver := newConn("d1")
	_, _ = r.RegisterSession(driver, "bus-1", "r1")
	r.Publish("r1", events.Status{VehicleID: "bus-1", RouteID: "r1", Sharing: true}, nil)
	r.Publish("r1", location("bus-1", "r1", 1), nil)
	r.Publish("r1", events.Status{VehicleID: "bus-1", RouteID: "r1", Sharing: false}, nil)

	rider := newConn("rider")
	r.Subscribe(rider, "r1")
	assert.Equal(t, []events.Outbound{events.Status{VehicleID: "bus-1", RouteID: "r1"}}, rider.received())
}

func TestRegisterSessionConflicts(t *testing.T) {
	r := New()
	a, b := newConn("a"), newConn("b")

	_, err := r.RegisterSession(a, "bus-1", "r1")
	require.NoError(t, err)

	_, err = r.RegisterSession(a, "bus-1", "r1")
	assert.NoError(t, err, "same binding again")

	_, err = r.RegisterSession(b, "bus-2", "r1")
	assert.ErrorIs(t, err, ErrSessionActive, "route held by another vehicle")

	_, err = r.RegisterSession(b, "bus-1", "r1")
	assert.ErrorIs(t, err, ErrSessionActive, "live connection still owns the route")

	_, err = r.RegisterSession(b, "bus-1", "r2")
	assert.ErrorIs(t, err, ErrSessionActive, "vehicle already sharing elsewhere")

	_, err = r.RegisterSession(a, "bus-1", "r2")
	assert.ErrorIs(t, err, ErrSessionActive, "connection already bound")
}

func TestConcurrentRegisterExactlyOneWins(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := New()
		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				c := newConn(string(rune('a' + i)))
				_, errs[i] = r.RegisterSession(c, string(rune('A'+i)), "r1")
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				require.True(t, errors.Is(err, ErrSessionActive))
			}
		}
		require.Equal(t, 1, wins)
	}
}

func TestDetachAndResume(t *testing.T) {
	r := New()
	old := newConn("old")
	_, err := r.RegisterSession(old, "bus-1", "r1")
	require.NoError(t, err)
	r.Subscribe(old, "r2")

	b, ok := r.RemoveConn("old")
	require.True(t, ok)
	assert.Equal(t, Binding{VehicleID: "bus-1", RouteID: "r1", ConnID: "old", Detached: true}, b)
	_, ok = r.Lookup("old")
	assert.False(t, ok)
	_, ok = r.Route("r2")
	assert.False(t, ok, "route without subscribers or session is disposed")

	st, ok := r.Route("r1")
	require.True(t, ok)
	assert.True(t, st.Detached)

	other := newConn("other")
	_, err = r.RegisterSession(other, "bus-2", "r1")
	assert.ErrorIs(t, err, ErrSessionActive, "detached route is still held")

	fresh := newConn("fresh")
	resumed, err := r.RegisterSession(fresh, "bus-1", "r1")
	require.NoError(t, err)
	assert.True(t, resumed)
	got, ok := r.Lookup("fresh")
	require.True(t, ok)
	assert.False(t, got.Detached)
}

func TestReleaseSession(t *testing.T) {
	r := New()
	c := newConn("c")
	_, _ = r.RegisterSession(c, "bus-1", "r1")

	r.ReleaseSession("bus-2", "r1")
	_, ok := r.Lookup("c")
	assert.True(t, ok, "other vehicle cannot release")

	r.ReleaseSession("bus-1", "r1")
	_, ok = r.Lookup("c")
	assert.False(t, ok)
	_, ok = r.Route("r1")
	assert.False(t, ok)

	_, err := r.RegisterSession(newConn("d"), "bus-2", "r1")
	assert.NoError(t, err)
}

func TestReleaseDetachedSession(t *testing.T) {
	r := New()
	c := newConn("c")
	_, _ = r.RegisterSession(c, "bus-1", "r1")
	_, _ = r.RemoveConn("c")
	r.ReleaseSession("bus-1", "r1")
	assert.Empty(t, r.Routes())
}

func TestFleetReceivesEnrichedEventsAndSnapshot(t *testing.T) {
	r := New()
	driver := newConn("d1")
	_, _ = r.RegisterSession(driver, "bus-1", "r1")
	status := events.Status{VehicleID: "bus-1", RouteID: "r1", Sharing: true}
	r.Publish("r1", status, status)
	lu := location("bus-1", "r1", 1)
	flu := events.FleetLocationUpdate{LocationUpdate: lu, DistanceTraveledKm: 2}
	r.Publish("r1", lu, flu)

	observer := newConn("ops")
	r.JoinFleet(observer)
	assert.Equal(t, []events.Outbound{status, flu}, observer.received())

	waiting := events.RiderWaiting{RouteID: "r1", StopID: "s1"}
	r.Publish("r1", waiting, nil)
	assert.Len(t, observer.received(), 2, "route-only event skips the fleet")

	alert := events.EmergencyAlert{RouteID: "r9", Message: "help"}
	delivered, _ := r.Publish("r9", alert, alert)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, alert, observer.received()[2])

	r.LeaveFleet(observer)
	r.Publish("r9", alert, alert)
	assert.Len(t, observer.received(), 3)
}

func TestPublishCountsDrops(t *testing.T) {
	r := New()
	ok, full := newConn("ok"), newConn("full")
	r.Subscribe(ok, "r1")
	r.Subscribe(full, "r1")
	full.mu.Lock()
	full.full = true
	full.mu.Unlock()

	delivered, dropped := r.Publish("r1", events.RiderWaiting{RouteID: "r1"}, nil)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, dropped)
}

func TestRoutesSorted(t *testing.T) {
	r := New()
	r.Subscribe(newConn("a"), "r2")
	r.Subscribe(newConn("b"), "r1")
	routes := r.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "r1", routes[0].RouteID)
	assert.Equal(t, "r2", routes[1].RouteID)
	n, fleet := r.Counts()
	assert.Equal(t, 2, n)
	assert.Zero(t, fleet)
}
