package hub

import (
	"context"
	"fmt"
	"log"
	"time"

	"routecast/internal/events"
	"routecast/internal/progress"
	"routecast/internal/registry"
	"routecast/internal/session"
)

type worker struct {
	h         *Hub
	vehicleID string
	inbox     chan func(w *worker)
	pending   int // guarded by h.mu

	sess     *session.Session
	connID   string // owning connection, empty while detached
	timer    *time.Timer
	timerGen uint64
}

func newWorker(h *Hub, vehicleID string) *worker {
	return &worker{
		h:         h,
		vehicleID: vehicleID,
		inbox:     make(chan func(w *worker), h.opts.InboxSize),
		sess:      session.New(vehicleID),
	}
}

func (w *worker) run() {
	defer w.h.wg.Done()
	for {
		select {
		case op := <-w.inbox:
			op(w)
			if w.retire() {
				return
			}
		case <-w.h.ctx.Done():
			w.terminate("shutdown")
			return
		}
	}
}

// retire removes an idle worker. It runs under h.mu so that a concurrent
// post either sees the worker gone or is counted in pending.
func (w *worker) retire() bool {
	h := w.h
	h.mu.Lock()
	defer h.mu.Unlock()
	w.pending--
	if w.pending > 0 || w.sess.State() == session.Sharing || w.timer != nil {
		return false
	}
	delete(h.workers, w.vehicleID)
	if h.metrics != nil {
		h.metrics.Workers.Set(float64(len(h.workers)))
	}
	return true
}

func (w *worker) start(ctx context.Context, conn registry.Conn, routeID string) error {
	h := w.h
	if w.sess.State() == session.Sharing {
		if w.sess.RouteID() != routeID {
			return fmt.Errorf("%w: vehicle %s is sharing on route %s", registry.ErrSessionActive, w.vehicleID, w.sess.RouteID())
		}
		resumed, err := h.reg.RegisterSession(conn, w.vehicleID, routeID)
		if err != nil {
			return err
		}
		if resumed {
			log.Printf("vehicle %s resumed route %s on connection %s", w.vehicleID, routeID, conn.ID())
		}
		w.connID = conn.ID()
		w.armLiveness()
		return nil
	}

	stops, err := h.store.RouteSnapshot(ctx, routeID)
	if err != nil {
		return fmt.Errorf("load route %s: %w", routeID, err)
	}
	if _, err := h.reg.RegisterSession(conn, w.vehicleID, routeID); err != nil {
		return err
	}
	if _, err := w.sess.Start(routeID, stops, h.now()); err != nil {
		h.reg.ReleaseSession(w.vehicleID, routeID)
		return err
	}
	w.connID = conn.ID()
	w.armLiveness()

	status := events.Status{VehicleID: w.vehicleID, RouteID: routeID, Sharing: true}
	h.publish(routeID, status, status)
	if h.metrics != nil {
		h.metrics.SessionsStarted.Inc()
		h.metrics.ActiveSessions.Inc()
	}
	log.Printf("vehicle %s started sharing on route %s (%d stops)", w.vehicleID, routeID, len(stops))
	return nil
}

func (w *worker) stop(conn registry.Conn, routeID string) error {
	if w.sess.State() != session.Sharing {
		return nil
	}
	if w.connID != conn.ID() {
		return registry.ErrNotBound
	}
	if routeID != w.sess.RouteID() {
		return fmt.Errorf("%w: stop for %s while sharing on %s", session.ErrRouteMismatch, routeID, w.sess.RouteID())
	}
	w.terminate("explicit")
	return nil
}

func (w *worker) ingest(conn registry.Conn, sample events.LocationSample) error {
	h := w.h
	if w.sess.State() != session.Sharing {
		return session.ErrNotSharing
	}
	if w.connID != conn.ID() {
		return registry.ErrNotBound
	}
	now := h.now()
	u, req, err := w.sess.Ingest(sample.RouteID, sample.Location(now), h.est, now)
	if err != nil {
		return err
	}
	w.armLiveness()

	routeID := w.sess.RouteID()
	lu := events.LocationUpdate{
		VehicleID: w.vehicleID,
		RouteID:   routeID,
		Lat:       u.Location.Lat,
		Lng:       u.Location.Lng,
		Timestamp: u.Location.Timestamp,
		Progress:  u.Progress,
	}
	h.publish(routeID, lu, events.FleetLocationUpdate{
		LocationUpdate:     lu,
		DistanceDeltaKm:    u.DeltaKm,
		DistanceTraveledKm: u.TraveledKm,
		ElapsedSeconds:     u.Elapsed.Seconds(),
	})
	h.persist.save(w.vehicleID, u.Location)
	if req != nil {
		w.lookupETA(*req)
	}
	return nil
}

// terminate stops the session and announces it. Later calls are no-ops, so
// explicit stops, timeouts and disconnects broadcast status(false) once.
func (w *worker) terminate(reason string) {
	h := w.h
	routeID := w.sess.RouteID()
	if !w.sess.Stop() {
		return
	}
	w.stopTimer()
	w.connID = ""

	status := events.Status{VehicleID: w.vehicleID, RouteID: routeID, Sharing: false}
	h.publish(routeID, status, status)
	h.reg.ReleaseSession(w.vehicleID, routeID)
	if h.metrics != nil {
		h.metrics.SessionsStopped.WithLabelValues(reason).Inc()
		h.metrics.ActiveSessions.Dec()
	}
	log.Printf("vehicle %s stopped sharing on route %s (%s)", w.vehicleID, routeID, reason)
}

// lookupETA resolves req off the worker and feeds the result back in order
// with the other operations of this vehicle.
func (w *worker) lookupETA(req progress.ETARequest) {
	h := w.h
	sess := w.sess
	h.bg.Add(1)
	go func() {
		defer h.bg.Done()
		start := time.Now()
		res := h.est.Resolve(h.ctx, req)
		if h.metrics != nil {
			h.metrics.RoutingDuration.Observe(time.Since(start).Seconds())
		}
		if res.Err != nil {
			log.Printf("eta lookup for vehicle %s failed: %v", w.vehicleID, res.Err)
			if h.metrics != nil {
				h.metrics.ETARequests.WithLabelValues("error").Inc()
			}
		}
		h.post(w.vehicleID, func(cur *worker) {
			if cur.sess != sess {
				return
			}
			applied := cur.sess.ApplyETA(res)
			if h.metrics != nil && res.Err == nil {
				if applied {
					h.metrics.ETARequests.WithLabelValues("ok").Inc()
				} else {
					h.metrics.ETARequests.WithLabelValues("discarded").Inc()
				}
			}
		})
	}()
}

func (w *worker) armLiveness() {
	if w.connID == "" {
		return
	}
	w.arm(w.h.opts.HeartbeatTimeout, "heartbeat")
}

// arm replaces the pending timer. When it fires the session is terminated
// unless the timer was replaced or stopped in the meantime.
func (w *worker) arm(d time.Duration, reason string) {
	w.stopTimer()
	if d <= 0 {
		return
	}
	gen := w.timerGen
	w.timer = time.AfterFunc(d, func() {
		w.h.post(w.vehicleID, func(cur *worker) {
			if cur != w || cur.timerGen != gen || cur.timer == nil {
				return
			}
			cur.timer = nil
			cur.terminate(reason)
		})
	})
}

func (w *worker) stopTimer() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerGen++
}
