// Package service holds the command layer: RBAC checks, the idempotency
// guard around retried writes, and construction of the domain events that
// ride the outbox.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/velasquezlegal/timeledger/internal/models"
	"github.com/velasquezlegal/timeledger/internal/store"
	"github.com/velasquezlegal/timeledger/internal/tenant"
)

var (
	// ErrUnauthenticated means no principal was attached to the request.
	ErrUnauthenticated = errors.New("no authenticated principal")

	// ErrForbidden means the principal's role does not allow the command.
	ErrForbidden = errors.New("operation not permitted for role")

	// ErrNotOwner means the entry belongs to a different user.
	ErrNotOwner = errors.New("time entry belongs to another user")
)

const defaultIdempotencyTTL = 24 * time.Hour

// Repository is the persistence surface the command layer drives.
// *store.Store satisfies it.
type Repository interface {
	CreateDraft(ctx context.Context, entry *models.TimeEntry, event *models.OutboxEvent, rec *models.IdempotencyRecord) error
	TransitionEntry(ctx context.Context, id uuid.UUID, from, to models.EntryStatus, event *models.OutboxEvent, rec *models.IdempotencyRecord) (*models.TimeEntry, error)
	GetEntry(ctx context.Context, id uuid.UUID) (*models.TimeEntry, error)
	ListEntries(ctx context.Context, status models.EntryStatus, limit int) ([]models.TimeEntry, error)
	FindIdempotencyRecord(ctx context.Context, op models.Operation, userID, keyHash string) (*models.IdempotencyRecord, error)
}

// TimeEntryService executes the draft/submit/approve/reject workflow.
type TimeEntryService struct {
	repo           Repository
	log            *zap.Logger
	idempotencyTTL time.Duration
}

// NewTimeEntryService wires the command layer. A non-positive TTL falls back
// to the default retention for idempotency records.
func NewTimeEntryService(repo Repository, logger *zap.Logger, idempotencyTTL time.Duration) *TimeEntryService {
	if logger == nil {
		logger = zap.NewNop()
	}

	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyTTL
	}

	return &TimeEntryService{repo: repo, log: logger, idempotencyTTL: idempotencyTTL}
}

// entryEventPayload is the JSON body of every time entry domain event.
type entryEventPayload struct {
	EntryID    string `json:"entry_id"`
	FirmID     string `json:"firm_id"`
	UserID     string `json:"user_id"`
	Status     string `json:"status"`
	OccurredAt string `json:"occurred_at"`
}

func entryEvent(entry *models.TimeEntry, eventType string) (*models.OutboxEvent, error) {
	payload, err := json.Marshal(entryEventPayload{
		EntryID:    entry.ID.String(),
		FirmID:     entry.FirmID,
		UserID:     entry.UserID,
		Status:     entry.Status.String(),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	return models.NewOutboxEvent(entry.FirmID, entry.ID, eventType, payload)
}

// Draft records a new draft time entry owned by the caller.
//
// With an idempotency key, a retried request resolves to the entry created
// by the first execution instead of a second entry.
func (s *TimeEntryService) Draft(ctx context.Context, req models.DraftEntryRequest, idempotencyKey string) (*models.EntryResponse, error) {
	principal, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}

	if principal.Role != tenant.RoleAttorney {
		return nil, fmt.Errorf("%w: %s cannot draft entries", ErrForbidden, principal.Role)
	}

	workDate, err := time.Parse("2006-01-02", req.WorkDate)
	if err != nil {
		return nil, fmt.Errorf("%w: work_date must be YYYY-MM-DD", models.ErrEntryValidation)
	}

	guard, err := s.beginIdempotent(ctx, models.OpDraftEntry, principal, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if guard.replayed != nil {
		return s.replay(ctx, guard.replayed)
	}

	entry, err := models.NewTimeEntry(principal.FirmID, principal.UserID, req.ClientRef, req.MatterRef, workDate, req.DurationMinutes, req.Narrative)
	if err != nil {
		return nil, err
	}

	event, err := entryEvent(entry, models.EventEntryDrafted)
	if err != nil {
		return nil, err
	}

	rec, err := guard.record(entry.ID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.CreateDraft(ctx, entry, event, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return s.resolveDuplicate(ctx, models.OpDraftEntry, principal, guard.keyHash)
		}

		return nil, err
	}

	return &models.EntryResponse{Entry: entry}, nil
}

// Submit moves the caller's draft (or rejected) entry into review.
func (s *TimeEntryService) Submit(ctx context.Context, id uuid.UUID, idempotencyKey string) (*models.EntryResponse, error) {
	return s.transition(ctx, id, idempotencyKey, transitionSpec{
		op:        models.OpSubmitEntry,
		to:        models.StatusSubmitted,
		eventType: models.EventEntrySubmitted,
		authorize: func(p tenant.Principal, entry *models.TimeEntry) error {
			if p.Role != tenant.RoleAttorney {
				return fmt.Errorf("%w: %s cannot submit entries", ErrForbidden, p.Role)
			}
			if entry.UserID != p.UserID {
				return ErrNotOwner
			}

			return nil
		},
	})
}

// Approve finalizes a submitted entry. Partners only.
func (s *TimeEntryService) Approve(ctx context.Context, id uuid.UUID, idempotencyKey string) (*models.EntryResponse, error) {
	return s.transition(ctx, id, idempotencyKey, transitionSpec{
		op:        models.OpApproveEntry,
		to:        models.StatusApproved,
		eventType: models.EventEntryApproved,
		authorize: requirePartner,
	})
}

// Reject sends a submitted entry back to its author. Partners only.
func (s *TimeEntryService) Reject(ctx context.Context, id uuid.UUID, idempotencyKey string) (*models.EntryResponse, error) {
	return s.transition(ctx, id, idempotencyKey, transitionSpec{
		op:        models.OpRejectEntry,
		to:        models.StatusRejected,
		eventType: models.EventEntryRejected,
		authorize: requirePartner,
	})
}

func requirePartner(p tenant.Principal, _ *models.TimeEntry) error {
	if p.Role != tenant.RolePartner {
		return fmt.Errorf("%w: %s cannot review entries", ErrForbidden, p.Role)
	}

	return nil
}

// Get fetches one entry in the caller's firm scope.
func (s *TimeEntryService) Get(ctx context.Context, id uuid.UUID) (*models.TimeEntry, error) {
	if _, ok := tenant.FromContext(ctx); !ok {
		return nil, ErrUnauthenticated
	}

	return s.repo.GetEntry(ctx, id)
}

// List returns the firm's entries, optionally filtered by status.
func (s *TimeEntryService) List(ctx context.Context, status models.EntryStatus, limit int) ([]models.TimeEntry, error) {
	if _, ok := tenant.FromContext(ctx); !ok {
		return nil, ErrUnauthenticated
	}

	if status != "" && !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", models.ErrEntryStatusInvalid, status)
	}

	if limit <= 0 || limit > 500 {
		limit = 100
	}

	return s.repo.ListEntries(ctx, status, limit)
}

type transitionSpec struct {
	op        models.Operation
	to        models.EntryStatus
	eventType string
	authorize func(p tenant.Principal, entry *models.TimeEntry) error
}

func (s *TimeEntryService) transition(ctx context.Context, id uuid.UUID, idempotencyKey string, spec transitionSpec) (*models.EntryResponse, error) {
	principal, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}

	guard, err := s.beginIdempotent(ctx, spec.op, principal, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if guard.replayed != nil {
		return s.replay(ctx, guard.replayed)
	}

	current, err := s.repo.GetEntry(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := spec.authorize(principal, current); err != nil {
		return nil, err
	}

	if !current.Status.CanTransitionTo(spec.to) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrEntryTransitionInvalid, current.Status, spec.to)
	}

	pending := *current
	pending.Status = spec.to

	event, err := entryEvent(&pending, spec.eventType)
	if err != nil {
		return nil, err
	}

	rec, err := guard.record(id)
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.TransitionEntry(ctx, id, current.Status, spec.to, event, rec)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			return s.resolveDuplicate(ctx, spec.op, principal, guard.keyHash)
		}

		return nil, err
	}

	return &models.EntryResponse{Entry: updated}, nil
}

// idempotencyGuard carries the state of one guarded command execution.
type idempotencyGuard struct {
	svc       *TimeEntryService
	op        models.Operation
	principal tenant.Principal
	keyHash   string
	replayed  *models.IdempotencyRecord
}

// beginIdempotent checks for a prior execution. With no key the guard is a
// pass-through: the command runs unprotected, matching callers that opt out.
func (s *TimeEntryService) beginIdempotent(ctx context.Context, op models.Operation, principal tenant.Principal, idempotencyKey string) (*idempotencyGuard, error) {
	guard := &idempotencyGuard{svc: s, op: op, principal: principal}

	if idempotencyKey == "" {
		return guard, nil
	}

	guard.keyHash = models.HashIdempotencyKey(idempotencyKey)

	prior, err := s.repo.FindIdempotencyRecord(ctx, op, principal.UserID, guard.keyHash)
	if err != nil {
		return nil, err
	}

	guard.replayed = prior

	return guard, nil
}

// record builds the idempotency record to persist with the command's
// transaction; nil when the caller supplied no key.
func (g *idempotencyGuard) record(responseID uuid.UUID) (*models.IdempotencyRecord, error) {
	if g.keyHash == "" {
		return nil, nil
	}

	return models.NewIdempotencyRecord(g.op, g.principal.UserID, g.principal.FirmID, g.keyHash, responseID, g.svc.idempotencyTTL)
}

// replay resolves a short-circuited retry to the originally produced entry.
func (s *TimeEntryService) replay(ctx context.Context, rec *models.IdempotencyRecord) (*models.EntryResponse, error) {
	entry, err := s.repo.GetEntry(ctx, rec.ResponseID)
	if err != nil {
		return nil, err
	}

	return &models.EntryResponse{Entry: entry, Replayed: true}, nil
}

// resolveDuplicate handles the save-time race: two concurrent retries passed
// the find check, the store's unique index let exactly one through, and this
// caller lost. Re-find and return the winner's result.
func (s *TimeEntryService) resolveDuplicate(ctx context.Context, op models.Operation, principal tenant.Principal, keyHash string) (*models.EntryResponse, error) {
	rec, err := s.repo.FindIdempotencyRecord(ctx, op, principal.UserID, keyHash)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		// The winner's record is gone (expired mid-race). Surface a retryable
		// failure rather than silently executing the command twice.
		return nil, store.ErrDuplicateIdempotencyKey
	}

	s.log.Info("idempotent retry resolved to prior result",
		zap.String("operation", op.String()),
		zap.String("user_id", principal.UserID),
	)

	return s.replay(ctx, rec)
}
