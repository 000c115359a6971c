package session

import (
	"time"

	"github.com/mcdev12/examengine/go/internal/integrity"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/mcdev12/examengine/go/internal/tabsync"
	"github.com/mcdev12/examengine/go/internal/timer"
)

// Reduce is the session's only transition function. It never performs I/O.
func Reduce(s State, ev Event) (State, []Effect) {
	before := s.Phase
	next, effects := reduce(s, ev)
	if next.Phase != before {
		effects = append(effects, Notify{Notification{Kind: NotifyPhase, Phase: next.Phase, At: eventTime(ev)}})
	}
	return next, effects
}

func reduce(s State, ev Event) (State, []Effect) {
	switch e := ev.(type) {
	case Started:
		return onStarted(s, e)
	case Ticked:
		return onTick(s, e)
	case TimeUp:
		return onTimeUp(s, e)
	case ClockDrifted:
		return s, []Effect{Notify{Notification{Kind: NotifyClockDrift, DriftMS: e.Drift.Milliseconds(), At: e.At}}}
	case AnswerChanged:
		return onAnswer(s, e)
	case CurrentSubmitted:
		return onSubmitCurrent(s, e)
	case FocusLost:
		return onFocusLost(s, e)
	case BroadcastReceived:
		return onBroadcast(s, e)
	case FinalizeRequested:
		return requestFinalize(s, e.Reason)
	case Finalized:
		return onFinalized(s, e)
	case FinalizeFailed:
		return onFinalizeFailed(s, e)
	case ReviewEntered:
		return onReviewEntered(s, e)
	case ReviewExited:
		if s.Phase == PhaseReview {
			s.Phase = PhaseCompleted
		}
		return s, nil
	case ReviewQuestionViewed:
		return onReviewViewed(s, e)
	case ReviewExpired:
		return expireReview(s, e.At)
	}
	return s, nil
}

func onStarted(s State, e Started) (State, []Effect) {
	if !s.inExam() {
		return s, nil
	}
	qid := s.Attempt.CurrentQuestionID()
	if qid == "" {
		// every question was submitted before a restart
		s = s.mutable()
		s.Attempt.Completed = true
		return requestFinalize(s, models.ReasonUserSubmit)
	}
	if t := s.Attempt.QuestionTimes[qid]; t.StartedAt != nil {
		return s, nil
	}
	s = s.mutable()
	timing := models.QuestionTiming{StartedAt: timePtr(e.At)}
	s.Attempt.QuestionTimes[qid] = timing
	return s, []Effect{Persist{models.AttemptFields{QuestionTimes: map[string]models.QuestionTiming{qid: timing}}}}
}

func onTick(s State, e Ticked) (State, []Effect) {
	s.Leader = e.Leader
	if !s.inExam() {
		return s, nil
	}
	snap := e.Snapshot
	s = s.mutable()
	s.Remaining, s.Elapsed = snap.Remaining, snap.Elapsed
	s.Attempt.TimerState = e.Timer

	effects := []Effect{Notify{Notification{
		Kind:        NotifyTick,
		RemainingMS: snap.Remaining.Milliseconds(),
		ElapsedMS:   snap.Elapsed.Milliseconds(),
		QuestionID:  snap.QuestionID,
		At:          snap.At,
	}}}
	if !s.Leader {
		return s, effects
	}

	st := e.Timer
	effects = append(effects, Persist{models.AttemptFields{TimerState: &st}})

	grace := time.Duration(s.Module.FinalGraceSec) * time.Second
	if grace > 0 && !s.FinalGraceSent && snap.Mode != models.TimerModePerQuestion &&
		snap.Remaining > 0 && snap.Remaining <= grace {
		s.FinalGraceSent = true
		effects = append(effects, BroadcastFinalGrace{At: snap.At})
		var more []Effect
		s, more = requestFinalize(s, models.ReasonFinalGrace)
		effects = append(effects, more...)
	}
	return s, effects
}

func onTimeUp(s State, e TimeUp) (State, []Effect) {
	s.Leader = e.Leader
	if !s.inExam() {
		return s, nil
	}
	snap := e.Snapshot
	effects := []Effect{Notify{Notification{Kind: NotifyTimeUp, QuestionID: snap.QuestionID, At: snap.At}}}

	if snap.Mode == models.TimerModePerQuestion {
		qid := s.Attempt.CurrentQuestionID()
		if qid == "" || qid != snap.QuestionID {
			return s, effects
		}
		s = s.mutable()
		var more []Effect
		s, more = advance(s, snap.At, !s.Attempt.IsAnswered(qid))
		effects = append(effects, more...)
		if !s.Attempt.HasMoreQuestions() {
			s, more = requestFinalize(s, models.ReasonTimeExpired)
			effects = append(effects, more...)
		}
		return s, effects
	}

	if !s.Leader && !s.Solo {
		// the leader finalizes; ATTEMPT_FINALIZED brings this tab along
		return s, effects
	}
	s, more := requestFinalize(s, models.ReasonTimeExpired)
	return s, append(effects, more...)
}

func onAnswer(s State, e AnswerChanged) (State, []Effect) {
	if !s.inExam() {
		return s, reject(ErrExamNotInProgress)
	}
	if e.Value.IsEmpty() {
		return s, reject(ErrEmptyAnswer)
	}
	idx := indexOf(s.Attempt.QuestionOrder, e.QuestionID)
	if idx < 0 {
		return s, reject(ErrUnknownQuestion)
	}
	if idx < s.Attempt.CurrentQuestionIndex || s.Attempt.AutoSubmitted[e.QuestionID] {
		return s, reject(ErrQuestionClosed)
	}

	s = s.mutable()
	s.Attempt.Answers[e.QuestionID] = e.Value
	return s, []Effect{Persist{models.AttemptFields{
		Answers: map[string]models.AnswerValue{e.QuestionID: e.Value},
	}}}
}

func onSubmitCurrent(s State, e CurrentSubmitted) (State, []Effect) {
	if !s.inExam() {
		return s, reject(ErrExamNotInProgress)
	}
	qid := s.Attempt.CurrentQuestionID()
	if qid == "" {
		return s, reject(ErrNoActiveQuestion)
	}
	if !s.Attempt.IsAnswered(qid) {
		return s, reject(ErrEmptyAnswer)
	}

	s, effects := advance(s.mutable(), e.At, false)
	if s.Attempt.HasMoreQuestions() {
		return s, effects
	}
	s, more := requestFinalize(s, models.ReasonUserSubmit)
	return s, append(effects, more...)
}

func onFocusLost(s State, e FocusLost) (State, []Effect) {
	if !s.inExam() {
		return s, nil
	}
	d := e.Decision
	var effects []Effect
	if d.Counted {
		s = s.mutable()
		s.Attempt.VisibilityLosses = d.Losses
		losses := d.Losses
		effects = append(effects, Persist{models.AttemptFields{VisibilityLosses: &losses}})
	}

	var more []Effect
	switch d.Action {
	case integrity.ActionAutosubmitQuestion:
		if s.Attempt.CurrentQuestionID() != "" {
			s, more = advance(s.mutable(), e.At, true)
			effects = append(effects, more...)
		}
		if !s.Attempt.HasMoreQuestions() {
			s, more = requestFinalize(s, models.ReasonFocusLoss)
			effects = append(effects, more...)
		}
	case integrity.ActionAutosubmitAndEnd:
		if s.Attempt.CurrentQuestionID() != "" {
			s, more = advance(s.mutable(), e.At, true)
			effects = append(effects, more...)
		}
		s, more = requestFinalize(s, models.ReasonFocusLoss)
		effects = append(effects, more...)
	}
	return s, effects
}

func onBroadcast(s State, e BroadcastReceived) (State, []Effect) {
	msg := e.Message
	if s.Attempt == nil || msg.AttemptID != s.Attempt.ID {
		return s, nil
	}

	switch msg.Type {
	case tabsync.MessageFinalGraceTrigger:
		if s.inExam() && s.Leader {
			return requestFinalize(s, models.ReasonFinalGrace)
		}
	case tabsync.MessageAttemptFinalized:
		if s.Phase != PhaseExamInProgress && s.Phase != PhaseFinalizing {
			return s, nil
		}
		s = s.mutable()
		s.Attempt.Completed = true
		s.Attempt.Finalized = true
		s.Attempt.FinalizationReason = msg.FinalizationReason
		if msg.ResultSummary != nil {
			s.Attempt.Score = msg.ResultSummary.Score
		}
		if s.Attempt.EndedAt == nil {
			s.Attempt.EndedAt = timePtr(msg.Timestamp)
		}
		s.Finalizing = false
		s.Phase = PhaseCompleted
		score := s.Attempt.Score
		return s, []Effect{
			StopTimer{},
			Notify{Notification{Kind: NotifyFinalized, Reason: msg.FinalizationReason, Score: &score, At: e.At}},
			Notify{Notification{Kind: NotifyNavigateAway, Reason: msg.FinalizationReason, At: e.At}},
			Reload{},
		}
	}
	return s, nil
}

func onFinalized(s State, e Finalized) (State, []Effect) {
	if e.Attempt == nil {
		return s, nil
	}
	switch s.Phase {
	case PhaseCompleted, PhaseReview, PhaseReviewExpired:
		// late duplicate or reload: refresh the record only
		s.Attempt = e.Attempt.Clone()
		s.Finalizing = false
		return s, nil
	}

	s.Attempt = e.Attempt.Clone()
	s.Finalizing = false
	s.Phase = PhaseCompleted
	score := s.Attempt.Score
	return s, []Effect{
		StopTimer{},
		Notify{Notification{Kind: NotifyFinalized, Reason: s.Attempt.FinalizationReason, Score: &score, At: e.At}},
	}
}

func onFinalizeFailed(s State, e FinalizeFailed) (State, []Effect) {
	if s.Attempt != nil && s.Attempt.Finalized {
		return s, nil
	}
	s.Finalizing = false
	var effects []Effect
	if e.RetryAfter > 0 {
		effects = append(effects, ScheduleFinalize{Reason: e.Reason, After: e.RetryAfter})
	}
	if s.Phase == PhaseFinalizing && s.Attempt != nil && !s.Attempt.Completed && s.Attempt.HasMoreQuestions() {
		s.Phase = PhaseExamInProgress
	}
	return s, effects
}

func onReviewEntered(s State, e ReviewEntered) (State, []Effect) {
	if s.Phase == PhaseReview {
		return s, nil
	}
	if s.Phase != PhaseCompleted && s.Phase != PhaseCompletedNoReview {
		return s, reject(ErrReviewUnavailable)
	}
	a := s.Attempt
	if a == nil || !a.Completed || !a.Finalized || !models.InReviewWindow(s.Module, a, e.At) {
		return s, reject(ErrReviewUnavailable)
	}
	closes, _ := models.ReviewClosesAt(s.Module, a)
	s.Phase = PhaseReview
	s.ReviewClosesAt = closes
	return s, []Effect{ScheduleReviewExpiry{At: closes}}
}

func onReviewViewed(s State, e ReviewQuestionViewed) (State, []Effect) {
	if s.Phase != PhaseReview {
		return s, reject(ErrReviewUnavailable)
	}
	if !e.At.Before(s.ReviewClosesAt) {
		s, effects := expireReview(s, e.At)
		return s, append(effects, Reject{ErrReviewUnavailable})
	}
	if indexOf(s.Attempt.QuestionOrder, e.QuestionID) < 0 {
		return s, reject(ErrUnknownQuestion)
	}
	if s.ReviewViewed[e.QuestionID] {
		return s, nil
	}

	viewed := make(map[string]bool, len(s.ReviewViewed)+1)
	for k := range s.ReviewViewed {
		viewed[k] = true
	}
	viewed[e.QuestionID] = true
	s.ReviewViewed = viewed

	if len(viewed) >= len(s.Attempt.QuestionOrder) {
		return expireReview(s, e.At)
	}
	return s, nil
}

func expireReview(s State, at time.Time) (State, []Effect) {
	if s.Phase != PhaseReview {
		return s, nil
	}
	s.Phase = PhaseReviewExpired
	return s, []Effect{
		Notify{Notification{Kind: NotifyReviewExpired, At: at}},
		LockModule{},
	}
}

// requestFinalize moves the session to finalizing once.
func requestFinalize(s State, reason models.FinalizationReason) (State, []Effect) {
	if s.Attempt == nil || s.Finalizing || s.Attempt.Finalized {
		return s, nil
	}
	if s.Phase != PhaseExamInProgress && s.Phase != PhaseFinalizing {
		return s, nil
	}
	s.Finalizing = true
	s.Phase = PhaseFinalizing
	return s, []Effect{RunFinalize{Reason: reason}}
}

// advance closes the current question and opens the next one. s must
// already hold a private attempt copy.
func advance(s State, at time.Time, auto bool) (State, []Effect) {
	a := s.Attempt
	qid := a.CurrentQuestionID()
	fields := models.AttemptFields{QuestionTimes: map[string]models.QuestionTiming{}}

	timing := a.QuestionTimes[qid]
	timing.SubmittedAt = timePtr(at)
	a.QuestionTimes[qid] = timing
	fields.QuestionTimes[qid] = timing

	if auto {
		a.AutoSubmitted[qid] = true
		fields.AutoSubmitted = map[string]bool{qid: true}
	} else if v, ok := a.Answers[qid]; ok {
		fields.Answers = map[string]models.AnswerValue{qid: v}
	}

	idx := a.CurrentQuestionIndex + 1
	a.CurrentQuestionIndex = idx
	fields.CurrentQuestionIndex = &idx

	var effects []Effect
	next := a.CurrentQuestionID()
	if next == "" {
		a.Completed = true
	} else {
		nt := a.QuestionTimes[next]
		if nt.StartedAt == nil {
			nt.StartedAt = timePtr(at)
		}
		a.QuestionTimes[next] = nt
		fields.QuestionTimes[next] = nt
		if s.Module.TimerMode == models.TimerModePerQuestion && s.Module.PerQuestionSec > 0 {
			effects = append(effects, RestartTimer{Spec: QuestionSpec(s.Module, next, at)})
		}
	}
	return s, append([]Effect{Persist{fields}}, effects...)
}

// QuestionSpec is the countdown for one question, clamped to the scheduled end.
func QuestionSpec(m *models.Module, qid string, at time.Time) timer.StartSpec {
	expected := m.QuestionDuration()
	if m.ScheduledEnd != nil {
		if left := m.ScheduledEnd.Sub(at); left < expected {
			expected = max(left, 0)
		}
	}
	return timer.StartSpec{
		Expected:   expected,
		Mode:       models.TimerModePerQuestion,
		QuestionID: qid,
	}
}

func reject(err error) []Effect {
	return []Effect{Reject{err}}
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func eventTime(ev Event) time.Time {
	switch e := ev.(type) {
	case Started:
		return e.At
	case Ticked:
		return e.Snapshot.At
	case TimeUp:
		return e.Snapshot.At
	case ClockDrifted:
		return e.At
	case AnswerChanged:
		return e.At
	case CurrentSubmitted:
		return e.At
	case FocusLost:
		return e.At
	case BroadcastReceived:
		return e.At
	case FinalizeRequested:
		return e.At
	case Finalized:
		return e.At
	case FinalizeFailed:
		return e.At
	case ReviewEntered:
		return e.At
	case ReviewExited:
		return e.At
	case ReviewQuestionViewed:
		return e.At
	case ReviewExpired:
		return e.At
	}
	return time.Time{}
}
