package publisher

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"routecast/internal/telemetry"
)

// mqttPublisher is the part of mqtt.Client the telemetry publisher uses.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// TelemetryPublisher sends device telemetry the way an on-board unit would.
type TelemetryPublisher struct {
	client  mqttPublisher
	prefix  string
	timeout time.Duration
}

func DialTelemetryPublisher(broker, clientID, prefix string) (*TelemetryPublisher, mqtt.Client, error) {
	client, err := telemetry.Connect(broker, clientID)
	if err != nil {
		return nil, nil, err
	}
	return NewTelemetryPublisher(client, prefix), client, nil
}

func NewTelemetryPublisher(client mqttPublisher, prefix string) *TelemetryPublisher {
	return &TelemetryPublisher{client: client, prefix: prefix, timeout: 5 * time.Second}
}

func (p *TelemetryPublisher) PublishStatus(vehicleID, routeID string, sharing bool) error {
	return p.publish(telemetry.Topic(p.prefix, vehicleID, telemetry.KindStatus),
		telemetry.StatusMessage{RouteID: routeID, Sharing: sharing})
}

func (p *TelemetryPublisher) PublishLocation(vehicleID, routeID string, lat, lng float64, at time.Time) error {
	return p.publish(telemetry.Topic(p.prefix, vehicleID, telemetry.KindLocation),
		telemetry.LocationMessage{RouteID: routeID, Lat: lat, Lng: lng, Timestamp: at.Unix()})
}

func (p *TelemetryPublisher) publish(topic string, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	return token.Error()
}
