package models

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operation identifies a retriable write command guarded for idempotency.
type Operation string

const (
	OpDraftEntry   Operation = "time_entry.draft"
	OpSubmitEntry  Operation = "time_entry.submit"
	OpApproveEntry Operation = "time_entry.approve"
	OpRejectEntry  Operation = "time_entry.reject"
)

// IsValid reports whether the operation is a known guarded command.
func (op Operation) IsValid() bool {
	switch op {
	case OpDraftEntry, OpSubmitEntry, OpApproveEntry, OpRejectEntry:
		return true
	default:
		return false
	}
}

func (op Operation) String() string {
	return string(op)
}

var ErrIdempotencyRecordInvalid = errors.New("invalid idempotency record")

// IdempotencyRecord remembers that a user already executed a command with a
// given key, mapping the retry back to the original result.
//
// At most one record exists per (operation, user id, key hash); the store
// enforces that with a unique index. KeyHash is a one-way hash of the
// caller-supplied key, the raw key is never persisted.
type IdempotencyRecord struct {
	ID         uuid.UUID `json:"id"`
	Operation  Operation `json:"operation"`
	UserID     string    `json:"user_id"`
	FirmID     string    `json:"firm_id"`
	KeyHash    string    `json:"key_hash"`
	ResponseID uuid.UUID `json:"response_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NewIdempotencyRecord creates a validated record for a completed command.
func NewIdempotencyRecord(op Operation, userID, firmID, keyHash string, responseID uuid.UUID, ttl time.Duration) (*IdempotencyRecord, error) {
	userID = strings.TrimSpace(userID)
	firmID = strings.TrimSpace(firmID)
	keyHash = strings.TrimSpace(keyHash)

	switch {
	case !op.IsValid():
		return nil, fmt.Errorf("%w: unknown operation %q", ErrIdempotencyRecordInvalid, op)
	case userID == "":
		return nil, fmt.Errorf("%w: user id required", ErrIdempotencyRecordInvalid)
	case firmID == "":
		return nil, fmt.Errorf("%w: firm id required", ErrIdempotencyRecordInvalid)
	case keyHash == "":
		return nil, fmt.Errorf("%w: key hash required", ErrIdempotencyRecordInvalid)
	case responseID == uuid.Nil:
		return nil, fmt.Errorf("%w: response id required", ErrIdempotencyRecordInvalid)
	case ttl <= 0:
		return nil, fmt.Errorf("%w: ttl must be positive", ErrIdempotencyRecordInvalid)
	}

	now := time.Now().UTC()

	return &IdempotencyRecord{
		ID:         uuid.New(),
		Operation:  op,
		UserID:     userID,
		FirmID:     firmID,
		KeyHash:    keyHash,
		ResponseID: responseID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

// Expired reports whether the record has passed its retention deadline.
// Expired records are treated as absent; purging them is a retention job's
// concern, not this subsystem's.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// HashIdempotencyKey derives the stored hash from a caller-supplied key.
func HashIdempotencyKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
