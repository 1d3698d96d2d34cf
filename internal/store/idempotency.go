package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/velasquezlegal/timeledger/internal/models"
)

// ErrDuplicateIdempotencyKey reports that another execution already recorded
// this (operation, user, key) triple. Callers treat it as a race signal:
// re-find the record and return its result instead of failing the request.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")

// pgUniqueViolation is the Postgres error code for unique_violation.
const pgUniqueViolation = "23505"

// FindIdempotencyRecord looks up a prior execution of (op, userID, keyHash).
// Returns (nil, nil) when no live record exists; expired records count as
// absent but are left in place for the retention job to purge.
func (s *Store) FindIdempotencyRecord(ctx context.Context, op models.Operation, userID, keyHash string) (*models.IdempotencyRecord, error) {
	conn, err := s.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	defer s.closeConn(ctx, conn)

	var rec models.IdempotencyRecord

	err = conn.QueryRow(ctx, `
		SELECT id, operation, user_id, firm_id, key_hash, response_id, created_at, expires_at
		FROM idempotency_records
		WHERE operation = $1 AND user_id = $2 AND key_hash = $3
	`, op, userID, keyHash).Scan(
		&rec.ID, &rec.Operation, &rec.UserID, &rec.FirmID,
		&rec.KeyHash, &rec.ResponseID, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find idempotency record: %w", err)
	}

	if rec.Expired(time.Now().UTC()) {
		return nil, nil
	}

	return &rec, nil
}

// SaveIdempotencyRecord inserts the record inside the caller's transaction.
// A unique violation on (operation, user_id, key_hash) surfaces as
// ErrDuplicateIdempotencyKey.
func SaveIdempotencyRecord(ctx context.Context, tx pgx.Tx, rec *models.IdempotencyRecord) error {
	if rec == nil {
		return models.ErrIdempotencyRecordInvalid
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO idempotency_records(id, operation, user_id, firm_id, key_hash, response_id, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, rec.ID, rec.Operation, rec.UserID, rec.FirmID, rec.KeyHash, rec.ResponseID, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateIdempotencyKey, rec.Operation)
		}

		return fmt.Errorf("save idempotency record: %w", err)
	}

	return nil
}
