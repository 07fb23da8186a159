package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"routecast/internal/events"
	"routecast/internal/registry"
)

const (
	KindStatus   = "status"
	KindLocation = "location"
)

// StatusMessage is published on <prefix>/<vehicleId>/status to start or stop
// sharing.
type StatusMessage struct {
	RouteID string `json:"routeId"`
	Sharing bool   `json:"sharing"`
}

// LocationMessage is published on <prefix>/<vehicleId>/location. A zero
// timestamp means the sample is stamped on receipt.
type LocationMessage struct {
	RouteID   string  `json:"routeId"`
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// Connect opens an MQTT client that reconnects on its own.
func Connect(broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mqtt connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return client, nil
}

func Topic(prefix, vehicleID, kind string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(prefix, "/"), vehicleID, kind)
}

func parseTopic(prefix, topic string) (vehicleID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, strings.TrimRight(prefix, "/")+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Handler is the part of the hub the bridge drives.
type Handler interface {
	Handle(ctx context.Context, conn registry.Conn, in events.Inbound) error
	Disconnect(conn registry.Conn)
}

type Metrics interface {
	MQTTMessage(kind string)
}

// Bridge turns MQTT device telemetry into hub events. Each vehicle gets a
// stable pseudo connection, so a device owns its session the same way a
// websocket client does.
type Bridge struct {
	client  mqtt.Client
	prefix  string
	handler Handler
	metrics Metrics
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]*deviceConn // vehicleID -> conn
}

func NewBridge(client mqtt.Client, prefix string, h Handler, m Metrics) *Bridge {
	return &Bridge{
		client:  client,
		prefix:  prefix,
		handler: h,
		metrics: m,
		timeout: 5 * time.Second,
		conns:   make(map[string]*deviceConn),
	}
}

func (b *Bridge) filter() string { return Topic(b.prefix, "+", "+") }

func (b *Bridge) Start() error {
	token := b.client.Subscribe(b.filter(), 1, b.handleMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", b.filter(), err)
	}
	log.Printf("telemetry bridge subscribed to %s", b.filter())
	return nil
}

// Stop unsubscribes and releases every device connection.
func (b *Bridge) Stop() {
	if b.client != nil {
		token := b.client.Unsubscribe(b.filter())
		token.WaitTimeout(2 * time.Second)
	}
	b.mu.Lock()
	conns := b.conns
	b.conns = make(map[string]*deviceConn)
	b.mu.Unlock()
	for _, c := range conns {
		b.handler.Disconnect(c)
	}
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	vehicleID, kind, ok := parseTopic(b.prefix, msg.Topic())
	if !ok {
		b.count("invalid")
		log.Printf("telemetry: unexpected topic %q", msg.Topic())
		return
	}
	in, err := decode(vehicleID, kind, msg.Payload())
	if err != nil {
		b.count("invalid")
		log.Printf("telemetry: vehicle %s %s: %v", vehicleID, kind, err)
		return
	}
	b.count(kind)

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.handler.Handle(ctx, b.conn(vehicleID), in); err != nil {
		log.Printf("telemetry: vehicle %s %s rejected: %v", vehicleID, in.Type(), err)
	}
}

func decode(vehicleID, kind string, payload []byte) (events.Inbound, error) {
	var in events.Inbound
	switch kind {
	case KindStatus:
		var m StatusMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		if m.Sharing {
			in = events.StartSharing{VehicleID: vehicleID, RouteID: m.RouteID}
		} else {
			in = events.StopSharing{VehicleID: vehicleID, RouteID: m.RouteID}
		}
	case KindLocation:
		var m LocationMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		s := events.LocationSample{VehicleID: vehicleID, RouteID: m.RouteID, Lat: &m.Lat, Lng: &m.Lng}
		if m.Timestamp > 0 {
			ts := time.Unix(m.Timestamp, 0)
			s.Timestamp = &ts
		}
		in = s
	default:
		return nil, errors.New("unknown message kind")
	}
	if err := events.Validate(in); err != nil {
		return nil, err
	}
	return in, nil
}

func (b *Bridge) conn(vehicleID string) *deviceConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[vehicleID]
	if !ok {
		c = &deviceConn{id: "mqtt:" + vehicleID}
		b.conns[vehicleID] = c
	}
	return c
}

func (b *Bridge) count(kind string) {
	if b.metrics != nil {
		b.metrics.MQTTMessage(kind)
	}
}

// deviceConn is a write-only device. It never subscribes, so nothing is
// delivered to it.
type deviceConn struct{ id string }

func (c *deviceConn) ID() string                { return c.id }
func (c *deviceConn) Send(events.Outbound) bool { return true }
