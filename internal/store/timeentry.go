package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/velasquezlegal/timeledger/internal/models"
)

var (
	// ErrEntryNotFound covers both a missing row and a row outside the
	// caller's firm scope; row security makes the two indistinguishable.
	ErrEntryNotFound = errors.New("time entry not found")

	// ErrEntryConflict means the entry changed state between read and write.
	ErrEntryConflict = errors.New("time entry was modified concurrently")
)

const entryColumns = `id, firm_id, user_id, client_ref, matter_ref, work_date, duration_minutes, narrative, status, created_at, updated_at`

func scanEntry(row pgx.Row) (*models.TimeEntry, error) {
	var entry models.TimeEntry

	err := row.Scan(
		&entry.ID, &entry.FirmID, &entry.UserID, &entry.ClientRef, &entry.MatterRef,
		&entry.WorkDate, &entry.DurationMinutes, &entry.Narrative, &entry.Status,
		&entry.CreatedAt, &entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan time entry: %w", err)
	}

	return &entry, nil
}

// CreateDraft persists a new draft entry, its domain event, and (when the
// caller supplied an idempotency key) the idempotency record, all in one
// transaction. If any piece fails nothing is visible.
func (s *Store) CreateDraft(ctx context.Context, entry *models.TimeEntry, event *models.OutboxEvent, rec *models.IdempotencyRecord) error {
	return s.inTenantTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO time_entries(`+entryColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`, entry.ID, entry.FirmID, entry.UserID, entry.ClientRef, entry.MatterRef,
			entry.WorkDate, entry.DurationMinutes, entry.Narrative, entry.Status,
			entry.CreatedAt, entry.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert time entry: %w", err)
		}

		if err := AppendOutbox(ctx, tx, event); err != nil {
			return err
		}

		if rec != nil {
			return SaveIdempotencyRecord(ctx, tx, rec)
		}

		return nil
	})
}

// TransitionEntry moves an entry from one workflow status to another,
// appending the domain event and idempotency record in the same transaction.
// The previous status acts as an optimistic guard: if the row is no longer
// in `from`, the write touches nothing and ErrEntryConflict is returned.
func (s *Store) TransitionEntry(ctx context.Context, id uuid.UUID, from, to models.EntryStatus, event *models.OutboxEvent, rec *models.IdempotencyRecord) (*models.TimeEntry, error) {
	var updated *models.TimeEntry

	err := s.inTenantTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE time_entries
			SET status = $1, updated_at = $2
			WHERE id = $3 AND status = $4
			RETURNING `+entryColumns+`
		`, to, time.Now().UTC(), id, from)

		entry, err := scanEntry(row)
		if errors.Is(err, ErrEntryNotFound) {
			return ErrEntryConflict
		}
		if err != nil {
			return err
		}

		updated = entry

		if err := AppendOutbox(ctx, tx, event); err != nil {
			return err
		}

		if rec != nil {
			return SaveIdempotencyRecord(ctx, tx, rec)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// GetEntry fetches one entry within the caller's firm scope.
func (s *Store) GetEntry(ctx context.Context, id uuid.UUID) (*models.TimeEntry, error) {
	conn, err := s.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer s.closeConn(ctx, conn)

	return scanEntry(conn.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM time_entries
		WHERE id = $1
	`, id))
}

// ListEntries returns the firm's entries, optionally filtered by status,
// newest work first.
func (s *Store) ListEntries(ctx context.Context, status models.EntryStatus, limit int) ([]models.TimeEntry, error) {
	conn, err := s.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer s.closeConn(ctx, conn)

	rows, err := conn.Query(ctx, `
		SELECT `+entryColumns+`
		FROM time_entries
		WHERE ($1 = '' OR status = $1)
		ORDER BY work_date DESC, created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list time entries: %w", err)
	}
	defer rows.Close()

	var entries []models.TimeEntry

	for rows.Next() {
		var entry models.TimeEntry
		if err := rows.Scan(
			&entry.ID, &entry.FirmID, &entry.UserID, &entry.ClientRef, &entry.MatterRef,
			&entry.WorkDate, &entry.DurationMinutes, &entry.Narrative, &entry.Status,
			&entry.CreatedAt, &entry.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}

		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// inTenantTx runs fn inside a transaction on a tenant-bound connection.
func (s *Store) inTenantTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	conn, err := s.Checkout(ctx)
	if err != nil {
		return err
	}
	defer s.closeConn(ctx, conn)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// closeConn closes a handle; reset failures are operational alerts because
// each one permanently shrinks the pool by a connection.
func (s *Store) closeConn(ctx context.Context, conn *Conn) {
	if err := conn.Close(ctx); err != nil {
		s.log.Error("connection close failed", zap.Error(err))
	}
}
