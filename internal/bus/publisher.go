// Package bus abstracts the external event bus behind a narrow publishing
// interface and provides the RabbitMQ implementation used in production.
package bus

import "context"

// Publisher delivers one committed domain event to the external bus.
//
// partitionKey lets a partitioned bus preserve per-firm ordering;
// dedupKey lets the bus or its consumers collapse redeliveries, which the
// outbox relay's at-least-once contract requires them to tolerate.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload []byte, partitionKey, dedupKey string) error
}
