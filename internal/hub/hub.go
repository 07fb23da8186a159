package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"routecast/internal/db"
	"routecast/internal/events"
	"routecast/internal/geo"
	"routecast/internal/metrics"
	"routecast/internal/progress"
	"routecast/internal/registry"
	"routecast/internal/session"
)

var ErrClosed = errors.New("hub: closed")

// Store is the persistence the hub needs: route snapshots at session start
// and the last-known location of each vehicle.
type Store interface {
	RouteSnapshot(ctx context.Context, routeID string) ([]geo.Stop, error)
	SetLastKnownLocation(ctx context.Context, vehicleID string, loc geo.Location) error
}

// Relay forwards published events to an external bus.
type Relay interface {
	Relay(ev events.Outbound) error
}

// AlertExporter hands emergency alerts to an external system.
type AlertExporter interface {
	ExportEmergency(ctx context.Context, ev events.EmergencyAlert) error
}

type Options struct {
	Estimator        *progress.Estimator
	HeartbeatTimeout time.Duration
	DisconnectGrace  time.Duration
	PersistTimeout   time.Duration
	AlertTimeout     time.Duration
	InboxSize        int

	Relay   Relay
	Alerts  AlertExporter
	Metrics *metrics.Collector
	Now     func() time.Time
}

// Hub owns every vehicle session. Operations on one vehicle run in order on
// that vehicle's worker goroutine; different vehicles never wait on each
// other.
type Hub struct {
	reg     *registry.Registry
	store   Store
	est     *progress.Estimator
	opts    Options
	metrics *metrics.Collector
	now     func() time.Time
	persist *persister

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*worker // vehicleID -> worker
	closed  bool
	wg      sync.WaitGroup // workers
	bg      sync.WaitGroup // eta lookups and alert exports
}

func New(reg *registry.Registry, store Store, opts Options) *Hub {
	if opts.Estimator == nil {
		opts.Estimator = progress.NewEstimator(progress.DefaultThresholdKm, progress.DefaultThrottle, progress.DefaultTimeout, nil)
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 2 * time.Second
	}
	if opts.AlertTimeout <= 0 {
		opts.AlertTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		reg:     reg,
		store:   store,
		est:     opts.Estimator,
		opts:    opts,
		metrics: opts.Metrics,
		now:     opts.Now,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
	h.persist = newPersister(store, opts.PersistTimeout, opts.Metrics)
	go h.persist.run()
	return h
}

// Handle dispatches one decoded inbound event from conn.
func (h *Hub) Handle(ctx context.Context, conn registry.Conn, in events.Inbound) error {
	if h.metrics != nil {
		h.metrics.EventsIn.WithLabelValues(in.Type()).Inc()
	}
	switch ev := in.(type) {
	case events.SubscribeRoute:
		h.reg.Subscribe(conn, ev.RouteID)
	case events.UnsubscribeRoute:
		h.reg.Unsubscribe(conn, ev.RouteID)
	case events.JoinFleetChannel:
		h.reg.JoinFleet(conn)
	case events.StartSharing:
		return h.StartSharing(ctx, conn, ev.VehicleID, ev.RouteID)
	case events.StopSharing:
		return h.StopSharing(ctx, conn, ev.VehicleID, ev.RouteID)
	case events.LocationSample:
		return h.Ingest(ctx, conn, ev)
	case events.SignalWaiting:
		h.SignalWaiting(ev.RouteID, ev.StopID, ev.RiderIdentity)
	case events.TriggerEmergency:
		h.TriggerEmergency(ev.RouteID, ev.Message)
	case events.Heartbeat:
		h.Touch(conn)
	default:
		return &events.ValidationError{Field: "type", Reason: "unsupported event " + in.Type()}
	}
	return nil
}

// StartSharing begins (or re-confirms, or resumes) the session of vehicleID
// on routeID owned by conn. A route held by another live session is
// rejected with registry.ErrSessionActive.
func (h *Hub) StartSharing(ctx context.Context, conn registry.Conn, vehicleID, routeID string) error {
	return h.do(ctx, vehicleID, func(w *worker) error { return w.start(ctx, conn, routeID) })
}

// StopSharing ends the session. Stopping an offline vehicle is a no-op.
func (h *Hub) StopSharing(ctx context.Context, conn registry.Conn, vehicleID, routeID string) error {
	return h.do(ctx, vehicleID, func(w *worker) error { return w.stop(conn, routeID) })
}

// Ingest applies a location sample from the connection owning the session.
func (h *Hub) Ingest(ctx context.Context, conn registry.Conn, sample events.LocationSample) error {
	return h.do(ctx, sample.VehicleID, func(w *worker) error { return w.ingest(conn, sample) })
}

// Touch records a liveness signal from conn.
func (h *Hub) Touch(conn registry.Conn) {
	b, ok := h.reg.Lookup(conn.ID())
	if !ok {
		return
	}
	h.post(b.VehicleID, func(w *worker) {
		if w.sess.State() == session.Sharing && w.connID == conn.ID() {
			w.armLiveness()
		}
	})
}

// Disconnect forgets conn. A session it owned is stopped once the
// disconnect grace period passes without a resume.
func (h *Hub) Disconnect(conn registry.Conn) {
	b, ok := h.reg.RemoveConn(conn.ID())
	if !ok {
		return
	}
	h.post(b.VehicleID, func(w *worker) {
		if w.sess.State() != session.Sharing || w.connID != conn.ID() {
			return
		}
		w.connID = ""
		if w.h.opts.DisconnectGrace <= 0 {
			w.terminate("disconnect")
			return
		}
		log.Printf("vehicle %s lost connection %s, stopping in %s unless resumed", w.vehicleID, conn.ID(), w.h.opts.DisconnectGrace)
		w.arm(w.h.opts.DisconnectGrace, "disconnect")
	})
}

// SignalWaiting tells the route channel a rider is waiting at a stop.
func (h *Hub) SignalWaiting(routeID, stopID, riderIdentity string) {
	ev := events.RiderWaiting{RouteID: routeID, StopID: stopID, RiderIdentity: riderIdentity, Timestamp: h.now()}
	h.publish(routeID, ev, nil)
}

// TriggerEmergency broadcasts an alert to the route and the fleet whatever
// the session state, and exports it when an exporter is configured.
func (h *Hub) TriggerEmergency(routeID, message string) {
	ev := events.EmergencyAlert{RouteID: routeID, Message: message, Timestamp: h.now()}
	h.publish(routeID, ev, ev)
	log.Printf("emergency on route %s: %s", routeID, message)

	if h.opts.Alerts == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.bg.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.AlertTimeout)
		defer cancel()
		err := h.opts.Alerts.ExportEmergency(ctx, ev)
		if err != nil {
			log.Printf("export emergency for route %s: %v", routeID, err)
		}
		if h.metrics != nil {
			h.metrics.AlertExported(err)
		}
	}()
}

// Close stops every worker, announcing the end of active sessions, and
// flushes pending location writes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
	h.bg.Wait()
	h.persist.stop()
}

// Workers returns the number of live vehicle workers.
func (h *Hub) Workers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers)
}

func (h *Hub) publish(routeID string, routeEv, fleetEv events.Outbound) {
	_, dropped := h.reg.Publish(routeID, routeEv, fleetEv)
	if dropped > 0 && h.metrics != nil {
		h.metrics.SendsDropped.Add(float64(dropped))
	}
	if h.opts.Relay == nil {
		return
	}
	ev := fleetEv
	if ev == nil {
		ev = routeEv
	}
	if err := h.opts.Relay.Relay(ev); err != nil {
		log.Printf("relay %s for route %s: %v", ev.Type(), routeID, err)
	}
}

// post queues op on the worker of vehicleID, starting one if needed.
func (h *Hub) post(vehicleID string, op func(w *worker)) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	w, ok := h.workers[vehicleID]
	if !ok {
		w = newWorker(h, vehicleID)
		h.workers[vehicleID] = w
		h.wg.Add(1)
		go w.run()
		if h.metrics != nil {
			h.metrics.Workers.Set(float64(len(h.workers)))
		}
	}
	w.pending++
	h.mu.Unlock()

	select {
	case w.inbox <- op:
		return true
	case <-h.ctx.Done():
		h.mu.Lock()
		w.pending--
		h.mu.Unlock()
		return false
	}
}

// do runs op on the worker of vehicleID and waits for its result.
func (h *Hub) do(ctx context.Context, vehicleID string, op func(w *worker) error) error {
	res := make(chan error, 1)
	if !h.post(vehicleID, func(w *worker) { res <- op(w) }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return ErrClosed
	}
}

// ErrorEvent maps an error returned by the hub to the event sent back to the
// connection that caused it.
func ErrorEvent(err error) events.Error {
	var verr *events.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, session.ErrInvalidCoordinate):
		return events.Error{Code: events.CodeValidation, Message: err.Error()}
	case errors.Is(err, registry.ErrSessionActive), errors.Is(err, registry.ErrNotBound), errors.Is(err, session.ErrRouteMismatch):
		return events.Error{Code: events.CodeConflict, Message: err.Error()}
	case errors.Is(err, session.ErrNotSharing):
		return events.Error{Code: events.CodeNotSharing, Message: err.Error()}
	case errors.Is(err, db.ErrRouteNotFound):
		return events.Error{Code: events.CodeNotFound, Message: err.Error()}
	default:
		return events.Error{Code: events.CodeInternal, Message: "internal error"}
	}
}
