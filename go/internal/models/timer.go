package models

import (
	"encoding/json"
	"time"
)

// TimerMode defines whether the countdown covers the whole module or each question.
type TimerMode string

const (
	TimerModePerModule   TimerMode = "per_module"
	TimerModePerQuestion TimerMode = "per_question"
)

// TimerState is the persisted snapshot of an attempt's countdown.
// StartUTC is the effective start: now minus elapsed at the time of the snapshot.
type TimerState struct {
	StartUTC           time.Time `json:"start_utc"`
	ExpectedDurationMS int64     `json:"expected_duration_ms"`
	ElapsedMS          int64     `json:"elapsed_ms"`
	Paused             bool      `json:"paused"`
	Mode               TimerMode `json:"mode"`
	QuestionID         string    `json:"question_id,omitempty"`
}

// Expected returns the configured duration.
func (s TimerState) Expected() time.Duration {
	return time.Duration(s.ExpectedDurationMS) * time.Millisecond
}

// ElapsedAt recomputes elapsed time at now. A paused timer keeps its recorded elapsed.
func (s TimerState) ElapsedAt(now time.Time) time.Duration {
	if s.Paused || s.StartUTC.IsZero() {
		return time.Duration(s.ElapsedMS) * time.Millisecond
	}
	elapsed := now.Sub(s.StartUTC)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// RemainingAt returns max(0, expected - elapsed) at now.
func (s TimerState) RemainingAt(now time.Time) time.Duration {
	remaining := s.Expected() - s.ElapsedAt(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UnmarshalJSON defaults a missing mode to per_module for records written before modes existed.
func (s *TimerState) UnmarshalJSON(data []byte) error {
	type alias TimerState
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	if a.Mode == "" {
		a.Mode = TimerModePerModule
	}
	*s = TimerState(a)
	return nil
}
