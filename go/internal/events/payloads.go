package events

import (
	"time"
)

// Event payload types shared between the finalization pipeline and outbox consumers

const (
	EventTypeAttemptFinalized     = "AttemptFinalized"
	EventTypeFinalizationDegraded = "FinalizationDegraded"
)

// AttemptFinalizedPayload is the payload for an AttemptFinalized event
type AttemptFinalizedPayload struct {
	AttemptID   string    `json:"attempt_id"`
	ModuleID    string    `json:"module_id"`
	UserID      string    `json:"user_id"`
	Reason      string    `json:"reason"`
	Score       float64   `json:"score"`
	Answered    int       `json:"answered"`
	Total       int       `json:"total"`
	DurationMS  int64     `json:"duration_ms"`
	FinalizedAt time.Time `json:"finalized_at"`
	TabID       string    `json:"tab_id"`
}

// FinalizationDegradedPayload is the payload for a FinalizationDegraded event.
// It is the operator-facing record of a finalization that could not be fully persisted.
type FinalizationDegradedPayload struct {
	AttemptID string    `json:"attempt_id"`
	ModuleID  string    `json:"module_id"`
	UserID    string    `json:"user_id"`
	Reason    string    `json:"reason"`
	Stage     string    `json:"stage"`
	Error     string    `json:"error"`
	Score     float64   `json:"score"`
	At        time.Time `json:"at"`
}
