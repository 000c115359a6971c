package session

import (
	"time"

	"github.com/mcdev12/examengine/go/internal/integrity"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/mcdev12/examengine/go/internal/tabsync"
	"github.com/mcdev12/examengine/go/internal/timer"
)

// Event is an input to Reduce.
type Event interface{ isEvent() }

type Started struct{ At time.Time }

type Ticked struct {
	Snapshot timer.Snapshot
	Timer    models.TimerState
	Leader   bool
}

type TimeUp struct {
	Snapshot timer.Snapshot
	Timer    models.TimerState
	Leader   bool
}

type ClockDrifted struct {
	Drift time.Duration
	At    time.Time
}

type AnswerChanged struct {
	QuestionID string
	Value      models.AnswerValue
	At         time.Time
}

type CurrentSubmitted struct{ At time.Time }

// FocusLost carries the integrity monitor's decision for a signal.
type FocusLost struct {
	Signal   integrity.Signal
	Decision integrity.Decision
	At       time.Time
}

type BroadcastReceived struct {
	Message tabsync.Message
	At      time.Time
}

type FinalizeRequested struct {
	Reason models.FinalizationReason
	At     time.Time
}

type Finalized struct {
	Attempt *models.Attempt
	At      time.Time
}

type FinalizeFailed struct {
	Reason     models.FinalizationReason
	Err        error
	RetryAfter time.Duration
	At         time.Time
}

type ReviewEntered struct{ At time.Time }

type ReviewExited struct{ At time.Time }

type ReviewQuestionViewed struct {
	QuestionID string
	At         time.Time
}

type ReviewExpired struct{ At time.Time }

func (Started) isEvent()              {}
func (Ticked) isEvent()               {}
func (TimeUp) isEvent()               {}
func (ClockDrifted) isEvent()         {}
func (AnswerChanged) isEvent()        {}
func (CurrentSubmitted) isEvent()     {}
func (FocusLost) isEvent()            {}
func (BroadcastReceived) isEvent()    {}
func (FinalizeRequested) isEvent()    {}
func (Finalized) isEvent()            {}
func (FinalizeFailed) isEvent()       {}
func (ReviewEntered) isEvent()        {}
func (ReviewExited) isEvent()         {}
func (ReviewQuestionViewed) isEvent() {}
func (ReviewExpired) isEvent()        {}

// Effect is work Reduce asks the Session to perform.
type Effect interface{ isEffect() }

// Persist writes a partial attempt update.
type Persist struct{ Fields models.AttemptFields }

// RunFinalize starts the finalization pipeline in the background.
type RunFinalize struct{ Reason models.FinalizationReason }

// ScheduleFinalize asks for RunFinalize again after a delay.
type ScheduleFinalize struct {
	Reason models.FinalizationReason
	After  time.Duration
}

type BroadcastFinalGrace struct{ At time.Time }

type RestartTimer struct{ Spec timer.StartSpec }

type StopTimer struct{}

type ScheduleReviewExpiry struct{ At time.Time }

// LockModule closes the module for the learner once review is over.
type LockModule struct{}

// Reload re-reads the stored attempt after another tab finalized it.
type Reload struct{}

type Notify struct{ Notification Notification }

// Reject reports a refused operation back to the caller.
type Reject struct{ Err error }

func (Persist) isEffect()              {}
func (RunFinalize) isEffect()          {}
func (ScheduleFinalize) isEffect()     {}
func (BroadcastFinalGrace) isEffect()  {}
func (RestartTimer) isEffect()         {}
func (StopTimer) isEffect()            {}
func (ScheduleReviewExpiry) isEffect() {}
func (LockModule) isEffect()           {}
func (Reload) isEffect()               {}
func (Notify) isEffect()               {}
func (Reject) isEffect()               {}
