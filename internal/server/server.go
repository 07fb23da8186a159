package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"routecast/internal/db"
	"routecast/internal/geo"
	"routecast/internal/gtfs"
	"routecast/internal/metrics"
	"routecast/internal/registry"
)

// RouteLookup resolves the stops of a route and the last stored position of
// a vehicle.
type RouteLookup interface {
	RouteSnapshot(ctx context.Context, routeID string) ([]geo.Stop, error)
	LastKnownLocation(ctx context.Context, vehicleID string) (geo.Location, bool, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	AllowedOrigins []string
	SendQueueSize  int
	Metrics        *metrics.Collector
	Checks         map[string]HealthCheck
	Now            func() time.Time
}

type Server struct {
	hub      Hub
	reg      *registry.Registry
	routes   RouteLookup
	opts     Options
	upgrader websocket.Upgrader
	baseCtx  context.Context
}

func New(ctx context.Context, h Hub, reg *registry.Registry, routes RouteLookup, opts Options) *Server {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = 64
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{hub: h, reg: reg, routes: routes, opts: opts, baseCtx: ctx}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: !slices.Contains(s.opts.AllowedOrigins, "*"),
	}))

	r.Get("/ws", s.serveWS)
	r.Get("/healthz", s.health)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}
	r.Get("/api/routes", s.listRoutes)
	r.Get("/api/routes/{routeID}/state", s.routeState)
	r.Get("/api/vehicles/{vehicleID}/location", s.vehicleLocation)
	r.Get("/gtfs-rt/vehicle-positions.pb", s.vehiclePositions)
	return r
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.opts.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(s.opts.AllowedOrigins, origin)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}
	c := newWSConn(uuid.NewString(), ws, s.hub, s.opts.SendQueueSize, s.opts.Metrics)
	if m := s.opts.Metrics; m != nil {
		m.Connections.Inc()
		defer m.Connections.Dec()
	}
	c.serve(s.baseCtx)
}

type dependency struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]dependency, len(s.opts.Checks))
	for name, check := range s.opts.Checks {
		if err := check(ctx); err != nil {
			deps[name] = dependency{Status: "down", Error: err.Error()}
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = dependency{Status: "up"}
	}
	routes, fleet := s.reg.Counts()

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	writeJSON(w, status, map[string]any{
		"status":         overall,
		"dependencies":   deps,
		"routeChannels":  routes,
		"fleetObservers": fleet,
		"timestamp":      s.opts.Now().UTC(),
	})
}

func (s *Server) listRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Routes())
}

type routeStateResponse struct {
	registry.RouteState
	Stops []geo.Stop `json:"stops"`
}

func (s *Server) routeState(w http.ResponseWriter, r *http.Request) {
	routeID := chi.URLParam(r, "routeID")
	stops, err := s.routes.RouteSnapshot(r.Context(), routeID)
	if errors.Is(err, db.ErrRouteNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
		return
	}
	if err != nil {
		log.Printf("route %s snapshot: %v", routeID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	st, ok := s.reg.Route(routeID)
	if !ok {
		st = registry.RouteState{RouteID: routeID}
	}
	writeJSON(w, http.StatusOK, routeStateResponse{RouteState: st, Stops: stops})
}

type vehicleLocationResponse struct {
	VehicleID string `json:"vehicleId"`
	geo.Location
}

func (s *Server) vehicleLocation(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleID")
	loc, ok, err := s.routes.LastKnownLocation(r.Context(), vehicleID)
	if err != nil {
		log.Printf("vehicle %s location: %v", vehicleID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no known location"})
		return
	}
	writeJSON(w, http.StatusOK, vehicleLocationResponse{VehicleID: vehicleID, Location: loc})
}

func (s *Server) vehiclePositions(w http.ResponseWriter, r *http.Request) {
	b, err := gtfs.MarshalVehiclePositions(s.reg.Routes(), s.opts.Now())
	if err != nil {
		log.Printf("gtfs-rt marshal: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
