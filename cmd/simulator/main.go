package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"routecast/internal/config"
	"routecast/internal/db"
	"routecast/internal/logging"
	"routecast/internal/publisher"
	"routecast/internal/sim"
)

// simulator drives one vehicle per route over MQTT, the same way an on-board
// unit would, so a routecast server can be exercised without real devices.
func main() {
	logging.Init()

	cfg, err := config.LoadSimulator()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	routes, err := db.LoadRoutesFile(cfg.RoutesFile)
	if err != nil {
		log.Fatalf("routes error: %v", err)
	}
	if len(routes) == 0 {
		log.Printf("no routes in %s", cfg.RoutesFile)
	}

	pub, client, err := publisher.DialTelemetryPublisher(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix)
	if err != nil {
		log.Fatalf("mqtt error: %v", err)
	}
	defer client.Disconnect(250)

	mgr := sim.NewManager(pub, cfg.PublishInterval, cfg.SpeedKmh, cfg.SpeedMultiplier, cfg.VehiclePrefix)
	mgr.Start(ctx, routes)
	log.Printf("simulating %d vehicles", mgr.Running())

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	log.Println("shutdown complete")
}
