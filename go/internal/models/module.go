package models

import (
	"time"
)

// FocusPolicy defines how a module reacts when the learner leaves the exam tab.
type FocusPolicy string

const (
	FocusPolicyIgnore             FocusPolicy = "ignore"
	FocusPolicyAutosubmitQuestion FocusPolicy = "autosubmit_question"
	FocusPolicyAutosubmitAndEnd   FocusPolicy = "autosubmit_and_end"
)

// QuestionType defines how a question is scored.
type QuestionType string

const (
	QuestionTypeMCQ        QuestionType = "mcq"
	QuestionTypeText       QuestionType = "text"
	QuestionTypeFillBlanks QuestionType = "fill_blanks"
	QuestionTypeMatching   QuestionType = "matching"
)

// Question is a single item in a module.
type Question struct {
	ID             string            `json:"id"`
	Type           QuestionType      `json:"type"`
	Prompt         string            `json:"prompt"`
	Options        []string          `json:"options,omitempty"`
	CorrectAnswers []string          `json:"correct_answers,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Module is an ordered set of questions with its timing and review settings.
type Module struct {
	ID                string      `json:"id"`
	Title             string      `json:"title"`
	Kind              AttemptKind `json:"kind"`
	QuestionIDs       []string    `json:"question_ids"`
	DurationSec       int         `json:"duration_sec"`
	TimerMode         TimerMode   `json:"timer_mode"`
	PerQuestionSec    int         `json:"per_question_sec,omitempty"`
	RandomizeOrder    bool        `json:"randomize_order"`
	ScheduledStart    *time.Time  `json:"scheduled_start,omitempty"`
	ScheduledEnd      *time.Time  `json:"scheduled_end,omitempty"`
	ReviewEnabled     bool        `json:"review_enabled"`
	ReviewDurationSec int         `json:"review_duration_sec"`
	FocusPolicy       FocusPolicy `json:"focus_policy"`
	FinalGraceSec     int         `json:"final_grace_sec,omitempty"`
	Locked            bool        `json:"locked"`
}

// Duration returns the module-wide time limit.
func (m *Module) Duration() time.Duration {
	return time.Duration(m.DurationSec) * time.Second
}

// QuestionDuration returns the per-question time limit.
func (m *Module) QuestionDuration() time.Duration {
	return time.Duration(m.PerQuestionSec) * time.Second
}

// ReviewDuration returns how long the review window stays open after the exam ends.
func (m *Module) ReviewDuration() time.Duration {
	return time.Duration(m.ReviewDurationSec) * time.Second
}

// HasEnded reports whether the scheduled end has passed at now.
func (m *Module) HasEnded(now time.Time) bool {
	return m.ScheduledEnd != nil && !now.Before(*m.ScheduledEnd)
}

// NotYetOpen reports whether the scheduled start is still ahead of now.
func (m *Module) NotYetOpen(now time.Time) bool {
	return m.ScheduledStart != nil && now.Before(*m.ScheduledStart)
}

// ExamEnd resolves the instant review is measured from: the scheduled end when
// the module has one, else the attempt's own end.
func ExamEnd(m *Module, a *Attempt) (time.Time, bool) {
	if m != nil && m.ScheduledEnd != nil {
		return *m.ScheduledEnd, true
	}
	if a != nil && a.EndedAt != nil {
		return *a.EndedAt, true
	}
	return time.Time{}, false
}

// InReviewWindow reports whether now lies in [examEnd, examEnd+review).
func InReviewWindow(m *Module, a *Attempt, now time.Time) bool {
	if m == nil || !m.ReviewEnabled || m.ReviewDurationSec <= 0 {
		return false
	}
	end, ok := ExamEnd(m, a)
	if !ok {
		return false
	}
	return !now.Before(end) && now.Before(end.Add(m.ReviewDuration()))
}

// ReviewClosesAt returns examEnd+review.
func ReviewClosesAt(m *Module, a *Attempt) (time.Time, bool) {
	end, ok := ExamEnd(m, a)
	if !ok || m == nil {
		return time.Time{}, false
	}
	return end.Add(m.ReviewDuration()), true
}
