package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Domain event types recorded to the outbox.
const (
	EventEntryDrafted   = "time_entry.drafted"
	EventEntrySubmitted = "time_entry.submitted"
	EventEntryApproved  = "time_entry.approved"
	EventEntryRejected  = "time_entry.rejected"
)

var (
	ErrOutboxEventInvalid        = errors.New("invalid outbox event")
	ErrOutboxPayloadNotJSON      = errors.New("outbox payload must be valid JSON")
	ErrOutboxPayloadTooLarge     = errors.New("outbox payload exceeds maximum allowed size")
	ErrOutboxEventAlreadyMarked  = errors.New("outbox event already published")
	ErrOutboxEventMissingPayload = errors.New("outbox payload is required")
)

// maxOutboxPayloadBytes bounds stored payloads (rows live in a JSONB column).
const maxOutboxPayloadBytes = 1 << 20

// OutboxEvent is a domain event persisted alongside the mutation that
// produced it, awaiting asynchronous delivery to the bus.
//
// PublishedAt is monotonic: it moves from nil to a timestamp exactly once
// and is never cleared. A nil PublishedAt means the row is pending.
type OutboxEvent struct {
	ID          uuid.UUID  `json:"id"`
	FirmID      string     `json:"firm_id"`
	AggregateID uuid.UUID  `json:"aggregate_id"`
	EventType   string     `json:"event_type"`
	EventKey    string     `json:"event_key"`
	Payload     []byte     `json:"payload"`
	OccurredAt  time.Time  `json:"occurred_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// NewOutboxEvent creates a validated pending event.
// The event key is derived from the aggregate id and event type so
// downstream consumers can collapse redeliveries of the same event.
func NewOutboxEvent(firmID string, aggregateID uuid.UUID, eventType string, payload []byte) (*OutboxEvent, error) {
	firmID = strings.TrimSpace(firmID)
	eventType = strings.TrimSpace(eventType)

	if firmID == "" {
		return nil, fmt.Errorf("%w: firm id required", ErrOutboxEventInvalid)
	}

	if aggregateID == uuid.Nil {
		return nil, fmt.Errorf("%w: aggregate id required", ErrOutboxEventInvalid)
	}

	if eventType == "" {
		return nil, fmt.Errorf("%w: event type required", ErrOutboxEventInvalid)
	}

	if len(payload) == 0 {
		return nil, ErrOutboxEventMissingPayload
	}

	if len(payload) > maxOutboxPayloadBytes {
		return nil, ErrOutboxPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrOutboxPayloadNotJSON
	}

	return &OutboxEvent{
		ID:          uuid.New(),
		FirmID:      firmID,
		AggregateID: aggregateID,
		EventType:   eventType,
		EventKey:    EventKey(aggregateID, eventType),
		Payload:     payload,
		OccurredAt:  time.Now().UTC(),
	}, nil
}

// EventKey derives the deterministic deduplication key for an event.
func EventKey(aggregateID uuid.UUID, eventType string) string {
	return aggregateID.String() + ":" + eventType
}

// Pending reports whether the event still awaits delivery.
func (e *OutboxEvent) Pending() bool {
	return e.PublishedAt == nil
}
