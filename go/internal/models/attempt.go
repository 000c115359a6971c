package models

import (
	"time"

	"github.com/google/uuid"
)

// AttemptKind distinguishes graded exams from practice runs.
type AttemptKind string

const (
	AttemptKindExam     AttemptKind = "exam"
	AttemptKindPractice AttemptKind = "practice"
)

// FinalizationReason records why an attempt was finalized.
type FinalizationReason string

const (
	ReasonTimeExpired       FinalizationReason = "time-expired"
	ReasonFinalGrace        FinalizationReason = "final_grace"
	ReasonFocusLoss         FinalizationReason = "focus-loss"
	ReasonUserSubmit        FinalizationReason = "user-submit"
	ReasonReviewTimeExpired FinalizationReason = "review-time-expired"
)

// IsAutomatic reports whether the reason was triggered without the learner asking.
func (r FinalizationReason) IsAutomatic() bool {
	return r != ReasonUserSubmit
}

// QuestionStatus is the per-question outcome recorded at finalization.
type QuestionStatus string

const (
	QuestionAttempted   QuestionStatus = "attempted"
	QuestionUnattempted QuestionStatus = "unattempted"
)

// QuestionTiming tracks when a question was shown and submitted.
type QuestionTiming struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// PerQuestionAttemptRecord is the immutable per-question result written at finalization.
type PerQuestionAttemptRecord struct {
	QuestionID    string         `json:"question_id"`
	UserAnswer    *AnswerValue   `json:"user_answer,omitempty"`
	IsCorrect     bool           `json:"is_correct"`
	ScorePercent  float64        `json:"score_percent"`
	CorrectParts  int            `json:"correct_parts"`
	TotalParts    int            `json:"total_parts"`
	Scored        bool           `json:"scored"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	SubmittedAt   *time.Time     `json:"submitted_at,omitempty"`
	Index         int            `json:"index"`
	Autosubmitted bool           `json:"autosubmitted"`
	Status        QuestionStatus `json:"status"`
}

// Attempt is one learner's run through a module.
type Attempt struct {
	ID                   uuid.UUID                  `json:"id"`
	ModuleID             string                     `json:"module_id"`
	UserID               string                     `json:"user_id"`
	Kind                 AttemptKind                `json:"kind"`
	StartedAt            time.Time                  `json:"started_at"`
	QuestionOrder        []string                   `json:"question_order"`
	Answers              map[string]AnswerValue     `json:"answers"`
	AutoSubmitted        map[string]bool            `json:"auto_submitted,omitempty"`
	QuestionTimes        map[string]QuestionTiming  `json:"question_times,omitempty"`
	PerQuestionAttempts  []PerQuestionAttemptRecord `json:"per_question_attempts,omitempty"`
	CurrentQuestionIndex int                        `json:"current_question_index"`
	TimerState           TimerState                 `json:"timer_state"`
	Completed            bool                       `json:"completed"`
	Finalized            bool                       `json:"finalized"`
	EndedAt              *time.Time                 `json:"ended_at,omitempty"`
	DurationMS           int64                      `json:"duration_ms"`
	Score                float64                    `json:"score"`
	ScheduledStart       *time.Time                 `json:"scheduled_start,omitempty"`
	ScheduledEnd         *time.Time                 `json:"scheduled_end,omitempty"`
	VisibilityLosses     int                        `json:"visibility_losses"`
	FinalizationReason   FinalizationReason         `json:"finalization_reason,omitempty"`
	UpdatedAt            time.Time                  `json:"updated_at"`
}

// CurrentQuestionID returns the question at the current index, or "" when all are done.
func (a *Attempt) CurrentQuestionID() string {
	if a.CurrentQuestionIndex < 0 || a.CurrentQuestionIndex >= len(a.QuestionOrder) {
		return ""
	}
	return a.QuestionOrder[a.CurrentQuestionIndex]
}

// HasMoreQuestions reports whether the index still points inside the order.
func (a *Attempt) HasMoreQuestions() bool {
	return a.CurrentQuestionIndex < len(a.QuestionOrder)
}

// IsAnswered reports whether qid has a non-empty stored answer.
func (a *Attempt) IsAnswered(qid string) bool {
	v, ok := a.Answers[qid]
	return ok && !v.IsEmpty()
}

// Clone returns a deep copy safe to mutate independently.
func (a *Attempt) Clone() *Attempt {
	if a == nil {
		return nil
	}
	c := *a
	c.QuestionOrder = append([]string(nil), a.QuestionOrder...)
	c.Answers = make(map[string]AnswerValue, len(a.Answers))
	for k, v := range a.Answers {
		c.Answers[k] = v.clone()
	}
	c.AutoSubmitted = make(map[string]bool, len(a.AutoSubmitted))
	for k, v := range a.AutoSubmitted {
		c.AutoSubmitted[k] = v
	}
	c.QuestionTimes = make(map[string]QuestionTiming, len(a.QuestionTimes))
	for k, v := range a.QuestionTimes {
		c.QuestionTimes[k] = QuestionTiming{
			StartedAt:   copyTime(v.StartedAt),
			SubmittedAt: copyTime(v.SubmittedAt),
		}
	}
	if a.PerQuestionAttempts != nil {
		c.PerQuestionAttempts = make([]PerQuestionAttemptRecord, len(a.PerQuestionAttempts))
		for i, r := range a.PerQuestionAttempts {
			if r.UserAnswer != nil {
				v := r.UserAnswer.clone()
				r.UserAnswer = &v
			}
			r.StartedAt = copyTime(r.StartedAt)
			r.SubmittedAt = copyTime(r.SubmittedAt)
			c.PerQuestionAttempts[i] = r
		}
	}
	c.EndedAt = copyTime(a.EndedAt)
	c.ScheduledStart = copyTime(a.ScheduledStart)
	c.ScheduledEnd = copyTime(a.ScheduledEnd)
	return &c
}

// AttemptFields is a partial update applied by the attempt store. Nil fields are left untouched.
type AttemptFields struct {
	Answers              map[string]AnswerValue
	AutoSubmitted        map[string]bool
	QuestionTimes        map[string]QuestionTiming
	CurrentQuestionIndex *int
	TimerState           *TimerState
	VisibilityLosses     *int
}

// Apply merges the fields into the attempt. Answers and auto-submit flags only grow.
func (f AttemptFields) Apply(a *Attempt) {
	if f.Answers != nil {
		if a.Answers == nil {
			a.Answers = make(map[string]AnswerValue, len(f.Answers))
		}
		for k, v := range f.Answers {
			a.Answers[k] = v.clone()
		}
	}
	if f.AutoSubmitted != nil {
		if a.AutoSubmitted == nil {
			a.AutoSubmitted = make(map[string]bool, len(f.AutoSubmitted))
		}
		for k, v := range f.AutoSubmitted {
			if v {
				a.AutoSubmitted[k] = true
			}
		}
	}
	if f.QuestionTimes != nil {
		if a.QuestionTimes == nil {
			a.QuestionTimes = make(map[string]QuestionTiming, len(f.QuestionTimes))
		}
		for k, v := range f.QuestionTimes {
			a.QuestionTimes[k] = v
		}
	}
	if f.CurrentQuestionIndex != nil {
		a.CurrentQuestionIndex = *f.CurrentQuestionIndex
	}
	if f.TimerState != nil {
		a.TimerState = *f.TimerState
	}
	if f.VisibilityLosses != nil {
		a.VisibilityLosses = *f.VisibilityLosses
	}
}

// FinalizeFields are written by the single not-finalized to finalized transition.
type FinalizeFields struct {
	PerQuestionAttempts []PerQuestionAttemptRecord
	Score               float64
	EndedAt             time.Time
	DurationMS          int64
	Reason              FinalizationReason
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
