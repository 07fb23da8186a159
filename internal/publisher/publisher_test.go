package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routecast/internal/events"
	"routecast/internal/telemetry"
)

type natsMsg struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	msgs []natsMsg
	err  error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.msgs = append(f.msgs, natsMsg{subject, data})
	return f.err
}

type fakePubMetrics struct {
	published, errs, observed int
}

func (m *fakePubMetrics) NATSPublishedInc()            { m.published++ }
func (m *fakePubMetrics) NATSPublishErrInc()           { m.errs++ }
func (m *fakePubMetrics) PublishObserve(time.Duration) { m.observed++ }
func (m *fakePubMetrics) NATSSetConnected(bool)        {}

func TestNATSRelaySubjects(t *testing.T) {
	nc := &fakeNATS{}
	p := newNATSPublisher(nc, "", false, nil)

	tests := []struct {
		ev   events.Outbound
		want string
	}{
		{events.Status{VehicleID: "bus-1", RouteID: "r1", Sharing: true}, "routecast.r1.bus-1.status"},
		{events.FleetLocationUpdate{LocationUpdate: events.LocationUpdate{VehicleID: "bus 7", RouteID: "north.loop"}}, "routecast.north_loop.bus_7.fleetLocationUpdate"},
		{events.RiderWaiting{RouteID: "r1", StopID: "A"}, "routecast.r1._.riderWaiting"},
		{events.EmergencyAlert{RouteID: "r>1", Message: "x"}, "routecast.r_1._.emergencyAlert"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.NoError(t, p.Relay(tt.ev))
			got := nc.msgs[len(nc.msgs)-1]
			assert.Equal(t, tt.want, got.subject)

			var env struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(got.data, &env))
			assert.Equal(t, tt.ev.Type(), env.Type)
		})
	}
}

func TestNATSRelayMetrics(t *testing.T) {
	nc := &fakeNATS{}
	m := &fakePubMetrics{}
	p := newNATSPublisher(nc, "fleet", true, m)

	require.NoError(t, p.Relay(events.Status{VehicleID: "v", RouteID: "r"}))
	nc.err = errors.New("no responders")
	assert.Error(t, p.Relay(events.Status{VehicleID: "v", RouteID: "r"}))

	assert.Equal(t, 1, m.published)
	assert.Equal(t, 1, m.errs)
	assert.Equal(t, 2, m.observed)
	assert.Equal(t, "fleet.r.v.status", nc.msgs[0].subject)
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "_", subjectToken("  "))
	assert.Equal(t, "a_b_c_d", subjectToken("a.b*c/d"))
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	declared []string
	kind     string
	sent     []published
	declErr  error
	closed   bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = append(c.declared, name)
	c.kind = kind
	return c.declErr
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sent = append(c.sent, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestAlertPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p, err := newAlertPublisher(ch, "routecast.emergency")
	require.NoError(t, err)
	assert.Equal(t, []string{"routecast.emergency"}, ch.declared)
	assert.Equal(t, "fanout", ch.kind)

	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	require.NoError(t, p.ExportEmergency(context.Background(), events.EmergencyAlert{RouteID: "r1", Message: "engine fire", Timestamp: at}))
	require.Len(t, ch.sent, 1)
	sent := ch.sent[0]
	assert.Equal(t, "routecast.emergency", sent.exchange)
	assert.Equal(t, "application/json", sent.msg.ContentType)
	assert.JSONEq(t, `{"route_id":"r1","message":"engine fire","timestamp":1772438400}`, string(sent.msg.Body))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.ExportEmergency(ctx, events.EmergencyAlert{RouteID: "r1"}), context.Canceled)

	p.Close()
	assert.True(t, ch.closed)
}

func TestAlertPublisherDeclareError(t *testing.T) {
	_, err := newAlertPublisher(&fakeChannel{declErr: errors.New("access refused")}, "x")
	assert.ErrorContains(t, err, "declare exchange x")
}

type fakeToken struct{ err error }

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type mqttSent struct {
	topic   string
	payload []byte
}

type fakeMQTT struct {
	sent []mqttSent
	err  error
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.sent = append(f.sent, mqttSent{topic, payload.([]byte)})
	return &fakeToken{err: f.err}
}

func TestTelemetryPublisher(t *testing.T) {
	client := &fakeMQTT{}
	p := NewTelemetryPublisher(client, "routecast/vehicle")

	require.NoError(t, p.PublishStatus("bus-1", "r1", true))
	at := time.Unix(1767261600, 0)
	require.NoError(t, p.PublishLocation("bus-1", "r1", 41.38, 2.17, at))

	require.Len(t, client.sent, 2)
	assert.Equal(t, "routecast/vehicle/bus-1/status", client.sent[0].topic)
	var st telemetry.StatusMessage
	require.NoError(t, json.Unmarshal(client.sent[0].payload, &st))
	assert.Equal(t, telemetry.StatusMessage{RouteID: "r1", Sharing: true}, st)

	assert.Equal(t, "routecast/vehicle/bus-1/location", client.sent[1].topic)
	var loc telemetry.LocationMessage
	require.NoError(t, json.Unmarshal(client.sent[1].payload, &loc))
	assert.Equal(t, telemetry.LocationMessage{RouteID: "r1", Lat: 41.38, Lng: 2.17, Timestamp: 1767261600}, loc)

	client.err = errors.New("not connected")
	assert.Error(t, p.PublishStatus("bus-1", "r1", false))
}
