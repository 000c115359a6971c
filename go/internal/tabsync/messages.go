package tabsync

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/examengine/go/internal/models"
)

// Topic is the single broadcast topic every session listens on.
const Topic = "exam-sync"

// MessageType identifies a cross-session message.
type MessageType string

const (
	MessageFinalGraceTrigger MessageType = "FINAL_GRACE_TRIGGER"
	MessageAttemptFinalized  MessageType = "ATTEMPT_FINALIZED"
)

// ResultSummary is the score summary carried by ATTEMPT_FINALIZED.
type ResultSummary struct {
	Score    float64 `json:"score"`
	Answered int     `json:"answered"`
	Total    int     `json:"total"`
}

// Message is the envelope sent on Topic. Receivers drop messages for other attempts.
type Message struct {
	Type               MessageType               `json:"type"`
	AttemptID          uuid.UUID                 `json:"attempt_id"`
	OriginTab          string                    `json:"origin_tab,omitempty"`
	FinalizationReason models.FinalizationReason `json:"finalization_reason,omitempty"`
	ResultSummary      *ResultSummary            `json:"result_summary,omitempty"`
	Timestamp          time.Time                 `json:"ts"`
}

// NewFinalGraceTrigger builds a FINAL_GRACE_TRIGGER message.
func NewFinalGraceTrigger(attemptID uuid.UUID, originTab string, at time.Time) Message {
	return Message{
		Type:      MessageFinalGraceTrigger,
		AttemptID: attemptID,
		OriginTab: originTab,
		Timestamp: at,
	}
}

// NewAttemptFinalized builds an ATTEMPT_FINALIZED message.
func NewAttemptFinalized(attemptID uuid.UUID, originTab string, reason models.FinalizationReason, summary ResultSummary, at time.Time) Message {
	return Message{
		Type:               MessageAttemptFinalized,
		AttemptID:          attemptID,
		OriginTab:          originTab,
		FinalizationReason: reason,
		ResultSummary:      &summary,
		Timestamp:          at,
	}
}
