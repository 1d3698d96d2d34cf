package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/velasquezlegal/timeledger/internal/models"
	"github.com/velasquezlegal/timeledger/internal/tenant"
)

// AppendOutbox writes one pending event inside the caller's transaction.
//
// It deliberately takes the transaction rather than a connection: the row
// must commit or roll back together with the business mutation that caused
// it. That co-location is what turns "maybe delivered" into "delivered
// at least once after commit".
func AppendOutbox(ctx context.Context, tx pgx.Tx, event *models.OutboxEvent) error {
	if event == nil {
		return models.ErrOutboxEventInvalid
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events(id, firm_id, aggregate_id, event_type, event_key, payload, occurred_at, published_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULL)
	`, event.ID, event.FirmID, event.AggregateID, event.EventType, event.EventKey, event.Payload, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("append outbox event: %w", err)
	}

	return nil
}

// OutboxBatch is a claimed set of pending events. The claim holds row locks
// inside an open transaction until Complete commits (or rolls back), so a
// second relay instance skips these rows instead of double-publishing them.
type OutboxBatch struct {
	conn   *Conn
	tx     pgx.Tx
	events []models.OutboxEvent
	log    *zap.Logger
	done   bool
}

// ClaimPendingOutbox locks up to limit pending events in occurred_at order.
//
// The fetch runs on an unscoped session: the outbox spans all firms, so the
// checkout context is detached from any principal the caller might carry.
func (s *Store) ClaimPendingOutbox(ctx context.Context, limit int) (*OutboxBatch, error) {
	ctx = tenant.Detach(ctx)

	conn, err := s.Checkout(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("begin outbox claim: %w", err)
	}

	rows, err := tx.Query(ctx, `
		SELECT id, firm_id, aggregate_id, event_type, event_key, payload, occurred_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		_ = tx.Rollback(ctx)
		_ = conn.Close(ctx)

		return nil, fmt.Errorf("list pending outbox events: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent

	for rows.Next() {
		var ev models.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.FirmID, &ev.AggregateID, &ev.EventType, &ev.EventKey, &ev.Payload, &ev.OccurredAt); err != nil {
			_ = tx.Rollback(ctx)
			_ = conn.Close(ctx)

			return nil, fmt.Errorf("scan outbox event: %w", err)
		}

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		_ = conn.Close(ctx)

		return nil, fmt.Errorf("read pending outbox events: %w", err)
	}

	return &OutboxBatch{conn: conn, tx: tx, events: events, log: s.log}, nil
}

// Events returns the claimed events in causal order.
func (b *OutboxBatch) Events() []models.OutboxEvent {
	return b.events
}

// Complete marks the given events published and commits the claim. Rows not
// in publishedIDs stay pending and are retried on a later tick. The mark is
// a single statement inside the claim transaction, so it applies all or not
// at all; a failure leaves every row pending.
//
// Complete releases the claimed connection. It must be called exactly once
// per claimed batch; later calls are no-ops.
func (b *OutboxBatch) Complete(ctx context.Context, publishedIDs []uuid.UUID) error {
	if b.done {
		return nil
	}
	b.done = true

	// The claim must resolve even if the relay's context was cancelled
	// mid-tick, otherwise locked rows would linger until the session dies.
	ctx = context.WithoutCancel(ctx)

	defer func() {
		if err := b.conn.Close(ctx); err != nil {
			b.log.Error("outbox claim connection close failed", zap.Error(err))
		}
	}()

	if len(publishedIDs) == 0 {
		if err := b.tx.Rollback(ctx); err != nil {
			return fmt.Errorf("release outbox claim: %w", err)
		}

		return nil
	}

	_, err := b.tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = $1
		WHERE id = ANY($2) AND published_at IS NULL
	`, time.Now().UTC(), publishedIDs)
	if err != nil {
		_ = b.tx.Rollback(ctx)
		return fmt.Errorf("mark outbox events published: %w", err)
	}

	if err := b.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outbox claim: %w", err)
	}

	return nil
}
