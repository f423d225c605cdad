package notify

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBackend publishes sync events to a RabbitMQ topic exchange.
// Connection is established lazily on first publish and re-dialed
// after a broker restart.
type AMQPBackend struct {
	url        string
	exchange   string
	routingKey string

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

func NewAMQPBackend(url, exchange, routingKey string) *AMQPBackend {
	return &AMQPBackend{
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
	}
}

func (a *AMQPBackend) Name() string {
	return "amqp"
}

func (a *AMQPBackend) Publish(ctx context.Context, payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("amqp backend closed")
	}
	if err := a.ensureChannelLocked(); err != nil {
		return err
	}

	err := a.ch.PublishWithContext(ctx, a.exchange, a.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	if err != nil {
		// Drop the connection so the next publish re-dials.
		a.teardownLocked()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (a *AMQPBackend) ensureChannelLocked() error {
	if a.ch != nil && !a.conn.IsClosed() {
		return nil
	}
	a.teardownLocked()

	conn, err := amqp.Dial(a.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(a.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("amqp exchange declare: %w", err)
	}

	a.conn = conn
	a.ch = ch
	return nil
}

func (a *AMQPBackend) teardownLocked() {
	if a.ch != nil {
		a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
}

func (a *AMQPBackend) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.teardownLocked()
	return nil
}
