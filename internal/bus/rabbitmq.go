package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const defaultExchangeType = "topic"

var (
	ErrChannelRequired  = errors.New("rabbitmq channel is required")
	ErrExchangeRequired = errors.New("exchange name is required")
)

// Channel is the subset of AMQP channel operations the publisher needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitPublisher publishes domain events to a durable topic exchange.
//
// The routing key is the partition key (firm id), so consumers binding per
// firm receive that firm's events in publish order. The AMQP MessageId
// carries the deduplication key and the Type field carries the event type.
type RabbitPublisher struct {
	ch       Channel
	exchange string
	log      *zap.Logger
}

// NewRabbitPublisher declares the exchange and returns a ready publisher.
func NewRabbitPublisher(ch Channel, exchange string, logger *zap.Logger) (*RabbitPublisher, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	if err := ch.ExchangeDeclare(exchange, defaultExchangeType, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	return &RabbitPublisher{ch: ch, exchange: exchange, log: logger}, nil
}

// Publish sends one event. Any error aborts this attempt only; the relay
// retries the row on its next tick.
func (p *RabbitPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey, dedupKey string) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dedupKey,
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	if err := p.ch.PublishWithContext(ctx, p.exchange, partitionKey, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	return nil
}

// Connect dials the broker and opens a dedicated publishing channel.
// The returned closer tears down both the channel and the connection.
func Connect(url, exchange string, logger *zap.Logger) (*RabbitPublisher, func(), error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	pub, err := NewRabbitPublisher(ch, exchange, logger)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return nil, nil, err
	}

	closer := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	return pub, closer, nil
}
