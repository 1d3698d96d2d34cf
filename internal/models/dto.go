package models

// DraftEntryRequest is the POST /time-entries payload.
// Pass an Idempotency-Key header so retries resolve to the same entry.
type DraftEntryRequest struct {
	ClientRef       string `json:"client_ref"`
	MatterRef       string `json:"matter_ref"`
	WorkDate        string `json:"work_date"`
	DurationMinutes int    `json:"duration_minutes"`
	Narrative       string `json:"narrative"`
}

// EntryResponse is returned by the time entry endpoints.
// Replayed indicates idempotent success (a retry mapped to a prior result).
type EntryResponse struct {
	Entry    *TimeEntry `json:"entry"`
	Replayed bool       `json:"replayed,omitempty"`
}
