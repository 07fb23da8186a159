package db

import (
	"context"
	"fmt"
	"sync"

	"routecast/internal/geo"
)

// MemoryStore is an in-process store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	routes    map[string][]geo.Stop
	locations map[string]geo.Location
}

func NewMemoryStore(routes ...Route) *MemoryStore {
	m := &MemoryStore{
		routes:    make(map[string][]geo.Stop, len(routes)),
		locations: make(map[string]geo.Location),
	}
	for _, r := range routes {
		m.routes[r.ID] = r.Snapshot()
	}
	return m
}

func (m *MemoryStore) RouteSnapshot(_ context.Context, routeID string) ([]geo.Stop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stops, ok := m.routes[routeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, routeID)
	}
	out := make([]geo.Stop, len(stops))
	copy(out, stops)
	return out, nil
}

func (m *MemoryStore) SetLastKnownLocation(_ context.Context, vehicleID string, loc geo.Location) error {
	m.mu.Lock()
	m.locations[vehicleID] = loc
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) LastKnownLocation(_ context.Context, vehicleID string) (geo.Location, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[vehicleID]
	return loc, ok, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
