package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"routecast/internal/geo"
	"routecast/internal/metrics"
)

// persister writes last-known locations in the background. Only the newest
// pending location of each vehicle is kept, so a slow store never backs up
// the workers.
type persister struct {
	store   Store
	timeout time.Duration
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string]geo.Location

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newPersister(store Store, timeout time.Duration, m *metrics.Collector) *persister {
	return &persister{
		store:   store,
		timeout: timeout,
		metrics: m,
		pending: make(map[string]geo.Location),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (p *persister) save(vehicleID string, loc geo.Location) {
	p.mu.Lock()
	p.pending[vehicleID] = loc
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.flush()
		case <-p.quit:
			p.flush()
			return
		}
	}
}

func (p *persister) stop() {
	close(p.quit)
	<-p.done
}

func (p *persister) flush() {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]geo.Location, len(batch))
	p.mu.Unlock()

	for vehicleID, loc := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		start := time.Now()
		err := p.store.SetLastKnownLocation(ctx, vehicleID, loc)
		cancel()
		if p.metrics != nil {
			p.metrics.PersistDuration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			log.Printf("persist location for vehicle %s: %v", vehicleID, err)
			if p.metrics != nil {
				p.metrics.PersistErrors.Inc()
			}
		}
	}
}
