package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"routecast/internal/events"
)

var (
	// ErrSessionActive is returned when a route (or vehicle) already has a
	// live session bound to another connection.
	ErrSessionActive = errors.New("registry: session already active")
	// ErrNotBound is returned when a connection acts on a session it does not own.
	ErrNotBound = errors.New("registry: connection is not bound to this session")
)

// Conn is a client connection. Send must not block; it reports false when
// the event was dropped.
type Conn interface {
	ID() string
	Send(ev events.Outbound) bool
}

// Binding ties a vehicle session on a route to the connection that owns it.
type Binding struct {
	VehicleID string
	RouteID   string
	ConnID    string
	Detached  bool
}

// RouteState is a copy of a route channel's current state.
type RouteState struct {
	RouteID     string                      `json:"routeId"`
	VehicleID   string                      `json:"vehicleId,omitempty"`
	Sharing     bool                        `json:"sharing"`
	Detached    bool                        `json:"detached"`
	Last        *events.LocationUpdate      `json:"lastLocation,omitempty"`
	LastFleet   *events.FleetLocationUpdate `json:"-"`
	Subscribers int                         `json:"subscribers"`
}

type routeChannel struct {
	mu          sync.Mutex
	id          string
	subscribers map[string]Conn
	session     *Binding
	vehicleID   string
	sharing     bool
	last        *events.LocationUpdate
	lastFleet   *events.FleetLocationUpdate
}

// Registry tracks route channels, the fleet channel and session bindings.
// Lock order: Registry.mu, then routeChannel.mu, then fleet.mu.
type Registry struct {
	mu       sync.RWMutex
	routes   map[string]*routeChannel
	bindings map[string]*Binding            // connID -> binding
	subs     map[string]map[string]struct{} // connID -> routeIDs

	fleetMu sync.Mutex
	fleet   map[string]Conn
}

func New() *Registry {
	return &Registry{
		routes:   make(map[string]*routeChannel),
		bindings: make(map[string]*Binding),
		subs:     make(map[string]map[string]struct{}),
		fleet:    make(map[string]Conn),
	}
}

// Subscribe adds conn to routeID and sends it the route's current state.
// The snapshot and the membership change happen under the route lock, so the
// subscriber sees every later event exactly once and none before it.
func (r *Registry) Subscribe(conn Conn, routeID string) {
	r.mu.Lock()
	rc := r.routeLocked(routeID)
	set, ok := r.subs[conn.ID()]
	if !ok {
		set = make(map[string]struct{})
		r.subs[conn.ID()] = set
	}
	set[routeID] = struct{}{}
	rc.mu.Lock()
	r.mu.Unlock()
	defer rc.mu.Unlock()

	rc.subscribers[conn.ID()] = conn
	conn.Send(events.Status{VehicleID: rc.vehicleID, RouteID: rc.id, Sharing: rc.sharing})
	if rc.sharing && rc.last != nil {
		conn.Send(*rc.last)
	}
}

func (r *Registry) Unsubscribe(conn Conn, routeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[conn.ID()]; ok {
		delete(set, routeID)
		if len(set) == 0 {
			delete(r.subs, conn.ID())
		}
	}
	rc, ok := r.routes[routeID]
	if !ok {
		return
	}
	rc.mu.Lock()
	delete(rc.subscribers, conn.ID())
	r.disposeLocked(rc)
	rc.mu.Unlock()
}

// JoinFleet adds conn to the fleet channel and sends the state of every
// sharing route.
func (r *Registry) JoinFleet(conn Conn) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.routes[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			r.routes[id].mu.Unlock()
		}
	}()

	r.fleetMu.Lock()
	defer r.fleetMu.Unlock()
	r.fleet[conn.ID()] = conn
	for _, id := range ids {
		rc := r.routes[id]
		if !rc.sharing {
			continue
		}
		conn.Send(events.Status{VehicleID: rc.vehicleID, RouteID: rc.id, Sharing: true})
		if rc.lastFleet != nil {
			conn.Send(*rc.lastFleet)
		}
	}
}

func (r *Registry) LeaveFleet(conn Conn) { r.leaveFleet(conn.ID()) }

// RegisterSession binds conn as the active session of vehicleID on routeID.
// A route held by a detached connection of the same vehicle is taken over
// and reported as resumed.
func (r *Registry) RegisterSession(conn Conn, vehicleID, routeID string) (resumed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.bindings[conn.ID()]; ok {
		if b.VehicleID == vehicleID && b.RouteID == routeID {
			return false, nil
		}
		return false, fmt.Errorf("%w: connection already shares %s on %s", ErrSessionActive, b.VehicleID, b.RouteID)
	}
	for _, b := range r.bindings {
		if b.VehicleID == vehicleID && b.RouteID != routeID {
			return false, fmt.Errorf("%w: vehicle %s is sharing on %s", ErrSessionActive, vehicleID, b.RouteID)
		}
	}

	rc := r.routeLocked(routeID)
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if s := rc.session; s != nil {
		if s.VehicleID != vehicleID || !s.Detached {
			return false, fmt.Errorf("%w: route %s is held by %s", ErrSessionActive, routeID, s.VehicleID)
		}
		s.ConnID = conn.ID()
		s.Detached = false
		r.bindings[conn.ID()] = s
		return true, nil
	}
	b := &Binding{VehicleID: vehicleID, RouteID: routeID, ConnID: conn.ID()}
	rc.session = b
	r.bindings[conn.ID()] = b
	return false, nil
}

// ReleaseSession drops the binding of vehicleID on routeID, whether or not
// its connection is still attached.
func (r *Registry) ReleaseSession(vehicleID, routeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.routes[routeID]
	if !ok {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	s := rc.session
	if s == nil || s.VehicleID != vehicleID {
		return
	}
	if !s.Detached {
		delete(r.bindings, s.ConnID)
	}
	rc.session = nil
	r.disposeLocked(rc)
}

// RemoveConn forgets a closed connection. Its subscriptions are dropped and
// a session it owned is marked detached; the detached binding is returned so
// the caller can schedule the forced stop.
func (r *Registry) RemoveConn(connID string) (Binding, bool) {
	r.leaveFleet(connID)

	r.mu.Lock()
	defer r.mu.Unlock()
	for routeID := range r.subs[connID] {
		if rc, ok := r.routes[routeID]; ok {
			rc.mu.Lock()
			delete(rc.subscribers, connID)
			r.disposeLocked(rc)
			rc.mu.Unlock()
		}
	}
	delete(r.subs, connID)

	b, ok := r.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	delete(r.bindings, connID)
	if rc, ok := r.routes[b.RouteID]; ok {
		rc.mu.Lock()
		b.Detached = true
		rc.mu.Unlock()
	}
	return *b, true
}

func (r *Registry) leaveFleet(connID string) {
	r.fleetMu.Lock()
	delete(r.fleet, connID)
	r.fleetMu.Unlock()
}

// Lookup returns the session binding owned by connID.
func (r *Registry) Lookup(connID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[connID]
	if !ok {
		return Binding{}, false
	}
	return *b, true
}

// Publish delivers routeEv to the subscribers of routeID and fleetEv to the
// fleet channel. A nil event skips that audience. Status and location events
// are folded into the route state used for snapshots.
func (r *Registry) Publish(routeID string, routeEv, fleetEv events.Outbound) (delivered, dropped int) {
	r.mu.RLock()
	rc := r.routes[routeID]
	r.mu.RUnlock()

	if rc != nil {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		rc.fold(routeEv, fleetEv)
		if routeEv != nil {
			for _, c := range rc.subscribers {
				if c.Send(routeEv) {
					delivered++
				} else {
					dropped++
				}
			}
		}
	}
	if fleetEv != nil {
		r.fleetMu.Lock()
		for _, c := range r.fleet {
			if c.Send(fleetEv) {
				delivered++
			} else {
				dropped++
			}
		}
		r.fleetMu.Unlock()
	}
	return delivered, dropped
}

// Routes returns a copy of every route's state ordered by route id.
func (r *Registry) Routes() []RouteState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteState, 0, len(r.routes))
	for _, rc := range r.routes {
		rc.mu.Lock()
		out = append(out, rc.state())
		rc.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

func (r *Registry) Route(routeID string) (RouteState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.routes[routeID]
	if !ok {
		return RouteState{}, false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state(), true
}

// Counts reports the number of live route channels and fleet observers.
func (r *Registry) Counts() (routes, fleet int) {
	r.mu.RLock()
	routes = len(r.routes)
	r.mu.RUnlock()
	r.fleetMu.Lock()
	fleet = len(r.fleet)
	r.fleetMu.Unlock()
	return routes, fleet
}

func (r *Registry) routeLocked(routeID string) *routeChannel {
	rc, ok := r.routes[routeID]
	if !ok {
		rc = &routeChannel{id: routeID, subscribers: make(map[string]Conn)}
		r.routes[routeID] = rc
	}
	return rc
}

// disposeLocked removes rc once nobody listens and no session holds it.
// Caller holds r.mu and rc.mu.
func (r *Registry) disposeLocked(rc *routeChannel) {
	if len(rc.subscribers) == 0 && rc.session == nil {
		delete(r.routes, rc.id)
	}
}

func (rc *routeChannel) fold(routeEv, fleetEv events.Outbound) {
	for _, ev := range []events.Outbound{routeEv, fleetEv} {
		switch e := ev.(type) {
		case events.Status:
			rc.vehicleID = e.VehicleID
			rc.sharing = e.Sharing
			rc.last = nil
			rc.lastFleet = nil
		case events.LocationUpdate:
			l := e
			rc.last = &l
		case events.FleetLocationUpdate:
			l := e
			rc.lastFleet = &l
		}
	}
}

func (rc *routeChannel) state() RouteState {
	st := RouteState{
		RouteID:     rc.id,
		VehicleID:   rc.vehicleID,
		Sharing:     rc.sharing,
		Subscribers: len(rc.subscribers),
	}
	if rc.session != nil {
		st.Detached = rc.session.Detached
	}
	if rc.last != nil {
		l := *rc.last
		st.Last = &l
	}
	if rc.lastFleet != nil {
		l := *rc.lastFleet
		st.LastFleet = &l
	}
	return st
}
