package sim

import (
	"context"
	"log"
	"sync"
	"time"

	"routecast/internal/db"
	"routecast/internal/geo"
)

// Publisher sends device telemetry for a simulated vehicle.
type Publisher interface {
	PublishStatus(vehicleID, routeID string, sharing bool) error
	PublishLocation(vehicleID, routeID string, lat, lng float64, at time.Time) error
}

// Manager drives one simulated vehicle per route along the route's stops at
// a constant speed, publishing telemetry on every tick.
type Manager struct {
	pub             Publisher
	publishInterval time.Duration
	speedKmh        float64
	speedMultiplier float64
	vehiclePrefix   string

	mu      sync.Mutex
	running map[string]context.CancelFunc // routeID -> cancel
	wg      sync.WaitGroup
}

func NewManager(pub Publisher, publishInterval time.Duration, speedKmh, speedMultiplier float64, vehiclePrefix string) *Manager {
	return &Manager{
		pub:             pub,
		publishInterval: publishInterval,
		speedKmh:        speedKmh,
		speedMultiplier: speedMultiplier,
		vehiclePrefix:   vehiclePrefix,
		running:         make(map[string]context.CancelFunc),
	}
}

func VehicleID(prefix, routeID string) string { return prefix + "-" + routeID }

func (m *Manager) Start(ctx context.Context, routes []db.Route) {
	for _, r := range routes {
		if len(r.Stops) < 2 {
			log.Printf("skipping route %s: needs at least two stops", r.ID)
			continue
		}
		m.startRoute(ctx, r)
	}
}

func (m *Manager) startRoute(parent context.Context, r db.Route) {
	m.mu.Lock()
	if _, exists := m.running[r.ID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.running[r.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	vehicleID := VehicleID(m.vehiclePrefix, r.ID)
	log.Printf("starting vehicle %s on route %s (%d stops)", vehicleID, r.ID, len(r.Stops))
	go func() {
		defer m.wg.Done()
		if err := m.runRoute(ctx, vehicleID, r); err != nil && ctx.Err() == nil {
			log.Printf("vehicle %s error: %v", vehicleID, err)
		}
		m.mu.Lock()
		delete(m.running, r.ID)
		m.mu.Unlock()
	}()
}

func (m *Manager) runRoute(ctx context.Context, vehicleID string, r db.Route) error {
	pts := geo.Positions(r.Snapshot())
	cum := geo.CumulativeKm(pts)
	total := cum[len(cum)-1]
	if total == 0 {
		return nil
	}

	if err := m.pub.PublishStatus(vehicleID, r.ID, true); err != nil {
		return err
	}
	defer func() {
		if err := m.pub.PublishStatus(vehicleID, r.ID, false); err != nil {
			log.Printf("vehicle %s stop status: %v", vehicleID, err)
		}
	}()

	start := time.Now()
	if err := m.publishAt(vehicleID, r.ID, pts, cum, 0, start); err != nil {
		log.Printf("publish error for %s: %v", vehicleID, err)
	}

	tick := time.NewTicker(m.publishInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			km := now.Sub(start).Hours() * m.speedKmh * m.speedMultiplier
			if km > total {
				km = total
			}
			if err := m.publishAt(vehicleID, r.ID, pts, cum, km, now); err != nil {
				log.Printf("publish error for %s: %v", vehicleID, err)
			}
			if km == total {
				log.Printf("vehicle %s finished route %s (%.2f km)", vehicleID, r.ID, total)
				return nil
			}
		}
	}
}

func (m *Manager) publishAt(vehicleID, routeID string, pts []geo.Coordinate, cum []float64, km float64, at time.Time) error {
	pos, _ := geo.InterpolateAlong(pts, cum, km)
	return m.pub.PublishLocation(vehicleID, routeID, pos.Lat, pos.Lng, at)
}

// Running reports the number of vehicles still on their route.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cancel := range m.running {
		cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
