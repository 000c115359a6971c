// Package session runs one learner's tab against an attempt: bootstrap or
// resume, answer capture, submission, focus policies, finalization and review.
//
// Every input is an Event. Reduce turns (State, Event) into a new State and a
// list of Effects; Session executes the effects and serializes events.
package session

import (
	"errors"
	"time"

	"github.com/mcdev12/examengine/go/internal/attempt"
	"github.com/mcdev12/examengine/go/internal/finalize"
	"github.com/mcdev12/examengine/go/internal/models"
)

var (
	ErrEmptyAnswer       = errors.New("answer is empty")
	ErrReviewUnavailable = errors.New("review is not available")
	ErrNoActiveQuestion  = errors.New("no active question")
	ErrUnknownQuestion   = errors.New("question is not part of this attempt")
	ErrQuestionClosed    = errors.New("question was already submitted")
	ErrExamNotInProgress = errors.New("exam is not in progress")
	ErrSessionClosed     = errors.New("session closed")
	ErrInvalidSignal     = errors.New("unknown focus signal")
	ErrTooEarly          = finalize.ErrTooEarly
	ErrNotFound          = attempt.ErrNotFound
	ErrAlreadyFinalized  = attempt.ErrAlreadyFinalized
)

type Phase string

const (
	PhaseBootstrapping     Phase = "bootstrapping"
	PhaseExamInProgress    Phase = "exam_in_progress"
	PhaseNoQuestions       Phase = "no_questions"
	PhaseCompletedNoReview Phase = "completed_no_review"
	PhaseIdle              Phase = "idle"
	PhaseFinalizing        Phase = "finalizing"
	PhaseCompleted         Phase = "completed"
	PhaseReview            Phase = "review"
	PhaseReviewExpired     Phase = "review_expired"
)

// IdleReason explains PhaseIdle.
type IdleReason string

const (
	IdleNotOpen         IdleReason = "not_open"
	IdleClosed          IdleReason = "closed"
	IdleReviewNoAttempt IdleReason = "review_without_attempt"
)

// State is everything Reduce needs. Attempt is never mutated in place.
type State struct {
	Phase      Phase
	IdleReason IdleReason
	TabID      string
	Module     *models.Module
	Attempt    *models.Attempt

	Leader bool
	// Solo is set when the session has no working tab-sync channel.
	Solo           bool
	Finalizing     bool
	FinalGraceSent bool

	Remaining time.Duration
	Elapsed   time.Duration

	ReviewClosesAt time.Time
	ReviewViewed   map[string]bool
}

func (s State) inExam() bool {
	return s.Phase == PhaseExamInProgress && s.Attempt != nil
}

// mutable returns s with a private copy of the attempt.
func (s State) mutable() State {
	s.Attempt = s.Attempt.Clone()
	return s
}

type NotificationKind string

const (
	NotifyTick          NotificationKind = "tick"
	NotifyTimeUp        NotificationKind = "time_up"
	NotifyClockDrift    NotificationKind = "clock_drift"
	NotifyFinalized     NotificationKind = "finalized"
	NotifyNavigateAway  NotificationKind = "navigate_away"
	NotifyReviewExpired NotificationKind = "review_expired"
	NotifyPhase         NotificationKind = "phase"
)

// Notification is pushed to the host for every observable change.
type Notification struct {
	Kind        NotificationKind          `json:"kind"`
	Phase       Phase                     `json:"phase,omitempty"`
	RemainingMS int64                     `json:"remaining_ms,omitempty"`
	ElapsedMS   int64                     `json:"elapsed_ms,omitempty"`
	QuestionID  string                    `json:"question_id,omitempty"`
	Reason      models.FinalizationReason `json:"reason,omitempty"`
	Score       *float64                  `json:"score,omitempty"`
	DriftMS     int64                     `json:"drift_ms,omitempty"`
	At          time.Time                 `json:"at"`
}

// View is the read model handed to the host UI.
type View struct {
	SessionID       string                            `json:"session_id"`
	AttemptID       string                            `json:"attempt_id,omitempty"`
	ModuleID        string                            `json:"module_id"`
	Phase           Phase                             `json:"phase"`
	IdleReason      IdleReason                        `json:"idle_reason,omitempty"`
	Kind            models.AttemptKind                `json:"kind,omitempty"`
	Leader          bool                              `json:"leader"`
	SingleTab       bool                              `json:"single_tab"`
	CurrentIndex    int                               `json:"current_index"`
	Total           int                               `json:"total"`
	CurrentQuestion *models.Question                  `json:"current_question,omitempty"`
	Answers         map[string]models.AnswerValue     `json:"answers,omitempty"`
	RemainingMS     int64                             `json:"remaining_ms"`
	ElapsedMS       int64                             `json:"elapsed_ms"`
	TimerMode       models.TimerMode                  `json:"timer_mode,omitempty"`
	Timed           bool                              `json:"timed"`
	Completed       bool                              `json:"completed"`
	Finalized       bool                              `json:"finalized"`
	Score           *float64                          `json:"score,omitempty"`
	Reason          models.FinalizationReason         `json:"finalization_reason,omitempty"`
	ReviewAvailable bool                              `json:"review_available"`
	ReviewClosesAt  *time.Time                        `json:"review_closes_at,omitempty"`
	ReviewViewed    []string                          `json:"review_viewed,omitempty"`
	Results         []models.PerQuestionAttemptRecord `json:"results,omitempty"`
}

// ReviewItem is one question shown during review.
type ReviewItem struct {
	Question models.Question                  `json:"question"`
	Record   *models.PerQuestionAttemptRecord `json:"record,omitempty"`
}
