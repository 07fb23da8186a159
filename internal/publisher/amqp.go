package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"routecast/internal/events"
)

// amqpChannel is the part of *amqp.Channel the alert publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AlertPublisher exports emergency alerts to a fanout exchange so dispatch
// systems can bind their own queues.
type AlertPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

type alertMessage struct {
	RouteID   string `json:"route_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

func DialAlertPublisher(url, exchange string) (*AlertPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	p, err := newAlertPublisher(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAlertPublisher(ch amqpChannel, exchange string) (*AlertPublisher, error) {
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AlertPublisher{ch: ch, exchange: exchange}, nil
}

func (p *AlertPublisher) ExportEmergency(ctx context.Context, ev events.EmergencyAlert) error {
	body, err := json.Marshal(alertMessage{
		RouteID:   ev.RouteID,
		Message:   ev.Message,
		Timestamp: ev.Timestamp.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    ev.Timestamp,
		Body:         body,
	})
}

// Check reports whether the broker connection is open.
func (p *AlertPublisher) Check(context.Context) error {
	if p.conn != nil && p.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (p *AlertPublisher) Close() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
