package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	ActiveSessions prometheus.Gauge
	Connections    prometheus.Gauge
	Workers        prometheus.Gauge

	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec // reason label: explicit|disconnect|heartbeat|shutdown

	EventsIn     *prometheus.CounterVec // type label
	EventsOut    *prometheus.CounterVec // type label
	SendsDropped prometheus.Counter
	Rejected     *prometheus.CounterVec // code label

	ETARequests     *prometheus.CounterVec // result label: ok|error|discarded
	RoutingDuration prometheus.Histogram

	PersistErrors   prometheus.Counter
	PersistDuration prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	AlertExports *prometheus.CounterVec // result label: ok|error
	MQTTMessages *prometheus.CounterVec // kind label: location|status|invalid

	ArrivalThresholdKm prometheus.Gauge
	ETAThrottle        prometheus.Gauge // seconds
	HeartbeatTimeout   prometheus.Gauge // seconds
	DisconnectGrace    prometheus.Gauge // seconds
}

func NewCollector(arrivalThresholdKm float64, etaThrottle, heartbeatTimeout, disconnectGrace time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_active_sessions",
			Help: "Number of vehicle sessions currently sharing.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_connections",
			Help: "Number of open client connections.",
		}),
		Workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_vehicle_workers",
			Help: "Number of running per-vehicle worker goroutines.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecast_sessions_started_total",
			Help: "Total sessions started.",
		}),
		SessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecast_sessions_stopped_total",
			Help: "Total sessions stopped, by reason.",
		}, []string{"reason"}),
		EventsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecast_events_in_total",
			Help: "Inbound events accepted at the boundary.",
		}, []string{"type"}),
		EventsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecast_events_out_total",
			Help: "Outbound events queued to connections.",
		}, []string{"type"}),
		SendsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecast_sends_dropped_total",
			Help: "Outbound events dropped because a connection queue was full.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecast_rejected_total",
			Help: "Inbound events rejected, by error code.",
		}, []string{"code"}),
		ETARequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecast_eta_requests_total",
			Help: "ETA lookups against the routing service, by result.",
		}, []string{"result"}),
		RoutingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routecast_routing_duration_seconds",
			Help:    "Duration of routing service calls.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecast_persist_errors_total",
			Help: "Failed last-known location writes.",
		}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routecast_persist_duration_seconds",
			Help:    "Duration of last-known location writes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecast_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "routecast_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "routecast_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		AlertExports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecast_alert_exports_total",
			Help: "Emergency alerts exported to AMQP, by result.",
		}, []string{"result"}),
		MQTTMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "routecast_mqtt_messages_total",
			Help: "Telemetry messages received over MQTT, by kind.",
		}, []string{"kind"}),
		ArrivalThresholdKm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_arrival_threshold_km",
			Help: "Distance under which a stop counts as reached.",
		}),
		ETAThrottle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_eta_throttle_seconds",
			Help: "Minimum interval between ETA lookups per session.",
		}),
		HeartbeatTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_heartbeat_timeout_seconds",
			Help: "Liveness timeout for sharing connections.",
		}),
		DisconnectGrace: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "routecast_disconnect_grace_seconds",
			Help: "Grace period before a dropped connection stops its session.",
		}),
	}

	reg.MustRegister(
		c.ActiveSessions, c.Connections, c.Workers,
		c.SessionsStarted, c.SessionsStopped,
		c.EventsIn, c.EventsOut, c.SendsDropped, c.Rejected,
		c.ETARequests, c.RoutingDuration,
		c.PersistErrors, c.PersistDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.AlertExports, c.MQTTMessages,
		c.ArrivalThresholdKm, c.ETAThrottle, c.HeartbeatTimeout, c.DisconnectGrace,
	)

	c.ArrivalThresholdKm.Set(arrivalThresholdKm)
	c.ETAThrottle.Set(etaThrottle.Seconds())
	c.HeartbeatTimeout.Set(heartbeatTimeout.Seconds())
	c.DisconnectGrace.Set(disconnectGrace.Seconds())

	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}

// The methods below let publishers depend on small interfaces instead of the
// collector itself.

func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}
func (c *Collector) AlertExported(err error) {
	if err != nil {
		c.AlertExports.WithLabelValues("error").Inc()
		return
	}
	c.AlertExports.WithLabelValues("ok").Inc()
}
func (c *Collector) MQTTMessage(kind string) { c.MQTTMessages.WithLabelValues(kind).Inc() }
