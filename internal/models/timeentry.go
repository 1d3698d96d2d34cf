package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryStatus is a time entry's position in the approval workflow.
type EntryStatus string

const (
	StatusDraft     EntryStatus = "DRAFT"
	StatusSubmitted EntryStatus = "SUBMITTED"
	StatusApproved  EntryStatus = "APPROVED"
	StatusRejected  EntryStatus = "REJECTED"
)

// maxEntryMinutes caps a single entry at one calendar day of billable time.
const maxEntryMinutes = 24 * 60

var (
	ErrEntryStatusInvalid     = errors.New("invalid time entry status")
	ErrEntryTransitionInvalid = errors.New("invalid time entry status transition")
	ErrEntryValidation        = errors.New("invalid time entry")
)

// ParseEntryStatus validates and converts a raw status string.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	status := EntryStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrEntryStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the entry lifecycle.
func (s EntryStatus) IsValid() bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// Approved is terminal; rejected entries may be corrected and resubmitted.
func (s EntryStatus) CanTransitionTo(next EntryStatus) bool {
	switch s {
	case StatusDraft:
		return next == StatusSubmitted
	case StatusSubmitted:
		return next == StatusApproved || next == StatusRejected
	case StatusRejected:
		return next == StatusSubmitted
	case StatusApproved:
		return false
	default:
		return false
	}
}

func (s EntryStatus) String() string {
	return string(s)
}

// TimeEntry is one unit of recorded billable work on a client matter.
type TimeEntry struct {
	ID              uuid.UUID   `json:"id"`
	FirmID          string      `json:"firm_id"`
	UserID          string      `json:"user_id"`
	ClientRef       string      `json:"client_ref"`
	MatterRef       string      `json:"matter_ref"`
	WorkDate        time.Time   `json:"work_date"`
	DurationMinutes int         `json:"duration_minutes"`
	Narrative       string      `json:"narrative"`
	Status          EntryStatus `json:"status"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// NewTimeEntry creates a validated draft entry owned by (firmID, userID).
func NewTimeEntry(firmID, userID, clientRef, matterRef string, workDate time.Time, durationMinutes int, narrative string) (*TimeEntry, error) {
	firmID = strings.TrimSpace(firmID)
	userID = strings.TrimSpace(userID)
	clientRef = strings.TrimSpace(clientRef)
	matterRef = strings.TrimSpace(matterRef)
	narrative = strings.TrimSpace(narrative)

	switch {
	case firmID == "":
		return nil, fmt.Errorf("%w: firm id required", ErrEntryValidation)
	case userID == "":
		return nil, fmt.Errorf("%w: user id required", ErrEntryValidation)
	case clientRef == "":
		return nil, fmt.Errorf("%w: client ref required", ErrEntryValidation)
	case matterRef == "":
		return nil, fmt.Errorf("%w: matter ref required", ErrEntryValidation)
	case workDate.IsZero():
		return nil, fmt.Errorf("%w: work date required", ErrEntryValidation)
	case durationMinutes <= 0:
		return nil, fmt.Errorf("%w: duration must be positive", ErrEntryValidation)
	case durationMinutes > maxEntryMinutes:
		return nil, fmt.Errorf("%w: duration exceeds %d minutes", ErrEntryValidation, maxEntryMinutes)
	case narrative == "":
		return nil, fmt.Errorf("%w: narrative required", ErrEntryValidation)
	}

	now := time.Now().UTC()

	return &TimeEntry{
		ID:              uuid.New(),
		FirmID:          firmID,
		UserID:          userID,
		ClientRef:       clientRef,
		MatterRef:       matterRef,
		WorkDate:        workDate.UTC(),
		DurationMinutes: durationMinutes,
		Narrative:       narrative,
		Status:          StatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
