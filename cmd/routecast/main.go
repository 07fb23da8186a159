package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"routecast/internal/config"
	"routecast/internal/db"
	"routecast/internal/geo"
	"routecast/internal/hub"
	"routecast/internal/logging"
	"routecast/internal/metrics"
	"routecast/internal/progress"
	"routecast/internal/publisher"
	"routecast/internal/registry"
	"routecast/internal/routing"
	"routecast/internal/server"
	"routecast/internal/telemetry"
)

// routeStore is what the hub and the HTTP API need from the backing store.
type routeStore interface {
	RouteSnapshot(ctx context.Context, routeID string) ([]geo.Stop, error)
	SetLastKnownLocation(ctx context.Context, vehicleID string, loc geo.Location) error
	LastKnownLocation(ctx context.Context, vehicleID string) (geo.Location, bool, error)
	Ping(ctx context.Context) error
}

func main() {
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer closeStore()

	mcol := metrics.NewCollector(cfg.ArrivalThresholdKm, cfg.ETAThrottle, cfg.HeartbeatTimeout, cfg.DisconnectGrace)
	if cfg.MetricsAddr != "" {
		msrv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(msrv)
	}

	var router progress.Router
	if cfg.RoutingURL != "" {
		router = routing.NewClient(cfg.RoutingURL, cfg.RoutingTimeout)
		log.Printf("routing service %s", cfg.RoutingURL)
	} else {
		log.Printf("ROUTING_URL not set; ETA disabled")
	}

	checks := map[string]server.HealthCheck{"store": store.Ping}
	opts := hub.Options{
		Estimator:        progress.NewEstimator(cfg.ArrivalThresholdKm, cfg.ETAThrottle, cfg.RoutingTimeout, router),
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		DisconnectGrace:  cfg.DisconnectGrace,
		PersistTimeout:   cfg.PersistTimeout,
		Metrics:          mcol,
	}

	if cfg.NATSURL != "" {
		relay, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, mcol)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer relay.Close()
		opts.Relay = relay
		checks["nats"] = relay.Check
	}

	if cfg.AMQPURL != "" {
		alerts, err := publisher.DialAlertPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatalf("rabbitmq error: %v", err)
		}
		defer alerts.Close()
		opts.Alerts = alerts
		checks["rabbitmq"] = alerts.Check
	}

	reg := registry.New()
	h := hub.New(reg, store, opts)

	var bridge *telemetry.Bridge
	if cfg.MQTTBroker != "" {
		client, err := telemetry.Connect(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			log.Fatalf("mqtt error: %v", err)
		}
		defer client.Disconnect(250)
		bridge = telemetry.NewBridge(client, cfg.MQTTTopicPrefix, h, mcol)
		if err := bridge.Start(); err != nil {
			log.Fatalf("telemetry bridge error: %v", err)
		}
		checks["mqtt"] = mqttCheck(client)
	}

	srv := server.New(ctx, h, reg, store, server.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		SendQueueSize:  cfg.SendQueueSize,
		Metrics:        mcol,
		Checks:         checks,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("routecast listening on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")
	if bridge != nil {
		bridge.Stop()
	}
	shutdown(httpSrv)
	// Ends every session and tells the remaining subscribers.
	h.Close()
	log.Println("shutdown complete")
}

func openStore(ctx context.Context, cfg *config.Config) (routeStore, func(), error) {
	var routes []db.Route
	if cfg.RoutesFile != "" {
		var err error
		if routes, err = db.LoadRoutesFile(cfg.RoutesFile); err != nil {
			return nil, nil, err
		}
		log.Printf("loaded %d routes from %s", len(routes), cfg.RoutesFile)
	}

	var dsn string
	switch cfg.StoreDriver {
	case db.DriverMemory:
		return db.NewMemoryStore(routes...), func() {}, nil
	case db.DriverPostgres:
		dsn = cfg.DatabaseURL
	case db.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, nil, fmt.Errorf("sqlite dir: %w", err)
		}
		dsn = db.SQLiteDSN(cfg.SQLitePath)
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}

	sqlDB, err := db.Open(cfg.StoreDriver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	s := db.NewSQLStore(sqlDB, cfg.StoreDriver)
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	if len(routes) > 0 {
		if err := s.SeedRoutes(ctx, routes); err != nil {
			s.Close()
			return nil, nil, err
		}
	}
	log.Printf("using %s store", cfg.StoreDriver)
	return s, func() { _ = s.Close() }, nil
}

func mqttCheck(client mqtt.Client) server.HealthCheck {
	return func(context.Context) error {
		if !client.IsConnectionOpen() {
			return errors.New("mqtt not connected")
		}
		return nil
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
