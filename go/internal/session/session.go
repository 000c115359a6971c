package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/attempt"
	"github.com/mcdev12/examengine/go/internal/catalog"
	"github.com/mcdev12/examengine/go/internal/clock"
	"github.com/mcdev12/examengine/go/internal/finalize"
	"github.com/mcdev12/examengine/go/internal/integrity"
	"github.com/mcdev12/examengine/go/internal/leader"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/mcdev12/examengine/go/internal/retry"
	"github.com/mcdev12/examengine/go/internal/tabsync"
	"github.com/mcdev12/examengine/go/internal/timer"
	"github.com/rs/zerolog/log"
)

// finalizeRetryAfter is the backoff after a finalization run fails outright.
const finalizeRetryAfter = 5 * time.Second

// Recorder receives session metrics. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordClockDrift()
	RecordFocusLoss(policy string)
	RecordLeaderDecision(leader bool)
	SessionOpened()
	SessionClosed()
}

type noopRecorder struct{}

func (noopRecorder) RecordClockDrift()         {}
func (noopRecorder) RecordFocusLoss(string)    {}
func (noopRecorder) RecordLeaderDecision(bool) {}
func (noopRecorder) SessionOpened()            {}
func (noopRecorder) SessionClosed()            {}

// Session is one tab's view of an attempt. All events are serialized through
// Handle; I/O requested by Reduce runs outside the reducer.
type Session struct {
	id         string
	store      attempt.Store
	catalog    catalog.Source
	pipeline   *finalize.Pipeline
	metrics    Recorder
	clock      clockwork.Clock
	src        *clock.Source
	retry      retry.Policy
	earlyGuard time.Duration
	questions  map[string]models.Question

	engine   *timer.Engine
	elector  *leader.Elector
	endpoint *tabsync.Endpoint
	monitor  *integrity.Monitor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	state         State
	closed        bool
	finalizeTimer clockwork.Timer
	reviewTimer   clockwork.Timer

	notesMu     sync.RWMutex
	notes       chan Notification
	notesClosed bool
	onTick      func(Notification)
	onTimeUp    func(Notification)
	onDrift     func(Notification)
}

func (s *Session) ID() string { return s.id }

func (s *Session) TabID() string { return s.state.TabID }

// AttemptID is uuid.Nil for sessions that never had an attempt.
func (s *Session) AttemptID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Attempt == nil {
		return uuid.Nil
	}
	return s.state.Attempt.ID
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

// Handle feeds ev through Reduce and executes the resulting effects. The
// returned error is the reducer's rejection, if any.
func (s *Session) Handle(ev Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	next, effects := Reduce(s.state, ev)
	s.state = next

	var (
		notes []Notification
		err   error
	)
	for _, eff := range effects {
		switch e := eff.(type) {
		case Notify:
			notes = append(notes, e.Notification)
		case Reject:
			if err == nil {
				err = e.Err
			}
		default:
			s.execLocked(eff)
		}
	}
	s.mu.Unlock()

	s.dispatch(notes)
	return err
}

func (s *Session) execLocked(eff Effect) {
	switch e := eff.(type) {
	case Persist:
		s.persistLocked(e.Fields)
	case RunFinalize:
		s.startFinalizeLocked(e.Reason)
	case ScheduleFinalize:
		if s.finalizeTimer != nil {
			s.finalizeTimer.Stop()
		}
		reason := e.Reason
		s.finalizeTimer = s.clock.AfterFunc(e.After, func() {
			_ = s.Handle(FinalizeRequested{Reason: reason, At: s.src.Now()})
		})
	case BroadcastFinalGrace:
		msg := tabsync.NewFinalGraceTrigger(s.state.Attempt.ID, s.state.TabID, e.At)
		s.goAsync(func(ctx context.Context) {
			s.endpoint.Publish(ctx, msg)
		})
	case RestartTimer:
		if s.engine != nil {
			s.engine.Restart(e.Spec)
		}
	case StopTimer:
		if s.engine != nil {
			s.engine.Stop()
		}
		if s.finalizeTimer != nil {
			s.finalizeTimer.Stop()
		}
	case ScheduleReviewExpiry:
		if s.reviewTimer != nil {
			s.reviewTimer.Stop()
		}
		wait := max(e.At.Sub(s.src.Now()), 0)
		s.reviewTimer = s.clock.AfterFunc(wait, func() {
			_ = s.Handle(ReviewExpired{At: s.src.Now()})
		})
	case LockModule:
		moduleID, userID := s.state.Module.ID, s.state.Attempt.UserID
		s.goAsync(func(ctx context.Context) {
			if err := s.catalog.SetModuleLocked(ctx, moduleID, userID, true); err != nil {
				log.Warn().Err(err).Str("module_id", moduleID).Msg("failed to lock module after review")
			}
		})
	case Reload:
		id := s.state.Attempt.ID
		s.goAsync(func(ctx context.Context) {
			a, err := s.store.Get(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("attempt_id", id.String()).Msg("failed to reload finalized attempt")
				return
			}
			if a.Finalized {
				_ = s.Handle(Finalized{Attempt: a, At: s.src.Now()})
			}
		})
	}
}

// persistLocked writes synchronously so partial updates land in order.
func (s *Session) persistLocked(f models.AttemptFields) {
	id := s.state.Attempt.ID
	err := retry.Run(s.ctx, s.retry, "persist attempt", func(ctx context.Context) error {
		err := s.store.UpdateFields(ctx, id, f)
		if errors.Is(err, attempt.ErrAlreadyFinalized) || errors.Is(err, attempt.ErrNotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, attempt.ErrAlreadyFinalized):
		log.Debug().Str("attempt_id", id.String()).Msg("skipping write to finalized attempt")
	default:
		log.Warn().Err(err).Str("attempt_id", id.String()).Msg("failed to persist attempt progress")
	}
}

func (s *Session) startFinalizeLocked(reason models.FinalizationReason) {
	snap := s.state.Attempt.Clone()
	mod := s.state.Module
	tabID := s.state.TabID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		req := finalize.Request{
			AttemptID:     snap.ID,
			Reason:        reason,
			TabID:         tabID,
			Answers:       snap.Answers,
			AutoSubmitted: snap.AutoSubmitted,
			QuestionTimes: snap.QuestionTimes,
			Fallback:      snap,
			Module:        mod,
			OnFinalized: func(a *models.Attempt) {
				_ = s.Handle(Finalized{Attempt: a, At: s.src.Now()})
			},
		}
		if s.endpoint != nil {
			req.Broadcast = s.endpoint
		}

		out, err := s.pipeline.Finalize(s.ctx, req)
		if err != nil {
			retryAfter := finalizeRetryAfter
			if errors.Is(err, ErrTooEarly) {
				retryAfter = s.earlyGuard
			} else {
				log.Error().Err(err).Str("attempt_id", snap.ID.String()).Msg("finalization failed")
			}
			_ = s.Handle(FinalizeFailed{Reason: reason, Err: err, RetryAfter: retryAfter, At: s.src.Now()})
			return
		}
		// a shared run delivered OnFinalized to another session's request
		_ = s.Handle(Finalized{Attempt: out.Attempt, At: s.src.Now()})
	}()
}

// goAsync runs fn on a context that outlives the session's cancellation.
func (s *Session) goAsync(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Session) dispatch(notes []Notification) {
	if len(notes) == 0 {
		return
	}

	s.notesMu.RLock()
	onTick, onTimeUp, onDrift := s.onTick, s.onTimeUp, s.onDrift
	if !s.notesClosed {
		for _, n := range notes {
			select {
			case s.notes <- n:
			default:
				log.Debug().Str("session_id", s.id).Str("kind", string(n.Kind)).Msg("notification dropped, consumer too slow")
			}
		}
	}
	s.notesMu.RUnlock()

	for _, n := range notes {
		switch {
		case n.Kind == NotifyTick && onTick != nil:
			onTick(n)
		case n.Kind == NotifyTimeUp && onTimeUp != nil:
			onTimeUp(n)
		case n.Kind == NotifyClockDrift && onDrift != nil:
			onDrift(n)
		}
	}
}

// start wires the timer, leader election and tab sync, then delivers Started.
func (s *Session) start(spec *timer.StartSpec, deadline *time.Time, channel tabsync.Channel, claims leader.ClaimStore, lcfg leader.Config) {
	a := s.state.Attempt
	s.state.Leader = true
	if claims != nil {
		s.elector = leader.NewElector(claims, a.ID, s.state.TabID, lcfg)
		s.state.Leader = s.elector.IsLeader(s.ctx)
	}
	s.metrics.RecordLeaderDecision(s.state.Leader)

	s.endpoint = tabsync.Join(s.ctx, channel, a.ID, s.state.TabID, func(msg tabsync.Message) {
		_ = s.Handle(BroadcastReceived{Message: msg, At: s.src.Now()})
	})
	s.state.Solo = s.endpoint.SingleTab()

	if spec != nil {
		s.engine.SetDeadline(deadline)
		s.engine.OnTick(func(snap timer.Snapshot) {
			_ = s.Handle(Ticked{Snapshot: snap, Timer: s.engine.State(), Leader: s.heartbeat()})
		})
		s.engine.OnTimeUp(func(snap timer.Snapshot) {
			_ = s.Handle(TimeUp{Snapshot: snap, Timer: s.engine.State(), Leader: s.heartbeat()})
		})
		s.engine.OnClockDrift(func(d time.Duration) {
			s.metrics.RecordClockDrift()
			_ = s.Handle(ClockDrifted{Drift: d, At: s.src.Now()})
		})
		s.engine.Start(*spec)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.engine.Run(s.ctx)
		}()
	}

	_ = s.Handle(Started{At: s.src.Now()})
}

func (s *Session) heartbeat() bool {
	if s.elector == nil {
		return true
	}
	return s.elector.Heartbeat(s.ctx)
}

// SubmitAnswer records the learner's answer for an open question.
func (s *Session) SubmitAnswer(questionID string, value models.AnswerValue) error {
	return s.Handle(AnswerChanged{QuestionID: questionID, Value: value, At: s.src.Now()})
}

// SubmitCurrentQuestion closes the current question and moves on. On the last
// question the session reports completed immediately and finalizes in the
// background.
func (s *Session) SubmitCurrentQuestion() error {
	return s.Handle(CurrentSubmitted{At: s.src.Now()})
}

// FocusLost reports a visibility or blur signal from the host.
func (s *Session) FocusLost(sig integrity.Signal) error {
	if !sig.Valid() {
		return ErrInvalidSignal
	}
	s.mu.Lock()
	inExam := s.state.inExam()
	s.mu.Unlock()
	if !inExam || s.monitor == nil {
		return nil
	}

	d := s.monitor.Observe(sig)
	if d.Counted {
		s.metrics.RecordFocusLoss(string(s.monitor.Policy()))
	}
	return s.Handle(FocusLost{Signal: sig, Decision: d, At: s.src.Now()})
}

// RouteChanged is a focus loss the host cannot debounce.
func (s *Session) RouteChanged() error {
	return s.FocusLost(integrity.SignalRouteChange)
}

// EnterReview refuses once another session has revoked review for the learner.
func (s *Session) EnterReview() error {
	s.mu.Lock()
	mod, a := s.state.Module, s.state.Attempt
	s.mu.Unlock()
	if mod != nil && a != nil && reviewRevoked(s.ctx, s.catalog, s.retry, mod.ID, a.UserID) {
		return ErrReviewUnavailable
	}
	return s.Handle(ReviewEntered{At: s.src.Now()})
}

func (s *Session) ExitReview() error {
	return s.Handle(ReviewExited{At: s.src.Now()})
}

// ViewReviewQuestion records the first view of a question and returns it with
// its graded record.
func (s *Session) ViewReviewQuestion(questionID string) (ReviewItem, error) {
	if err := s.Handle(ReviewQuestionViewed{QuestionID: questionID, At: s.src.Now()}); err != nil {
		return ReviewItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item := ReviewItem{Question: s.questions[questionID]}
	if item.Question.ID == "" {
		item.Question.ID = questionID
	}
	for i := range s.state.Attempt.PerQuestionAttempts {
		if r := s.state.Attempt.PerQuestionAttempts[i]; r.QuestionID == questionID {
			item.Record = &r
			break
		}
	}
	return item, nil
}

// View renders the current state for the host.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state
	v := View{
		SessionID:  s.id,
		Phase:      st.Phase,
		IdleReason: st.IdleReason,
		Leader:     st.Leader,
		SingleTab:  st.Solo,
		Timed:      s.engine != nil,
	}
	if st.Module != nil {
		v.ModuleID = st.Module.ID
		v.TimerMode = st.Module.TimerMode
		if v.TimerMode == "" {
			v.TimerMode = models.TimerModePerModule
		}
	}
	if s.engine != nil && st.inExam() {
		snap := s.engine.Snapshot()
		v.RemainingMS, v.ElapsedMS = snap.Remaining.Milliseconds(), snap.Elapsed.Milliseconds()
	}

	a := st.Attempt
	if a == nil {
		return v
	}
	v.AttemptID = a.ID.String()
	v.Kind = a.Kind
	v.CurrentIndex = a.CurrentQuestionIndex
	v.Total = len(a.QuestionOrder)
	v.Completed = a.Completed
	v.Finalized = a.Finalized
	v.Reason = a.FinalizationReason
	v.Answers = make(map[string]models.AnswerValue, len(a.Answers))
	for k, val := range a.Answers {
		v.Answers[k] = val
	}
	if st.inExam() {
		if q, ok := s.questions[a.CurrentQuestionID()]; ok {
			v.CurrentQuestion = &q
		}
	}
	if a.Finalized {
		score := a.Score
		v.Score = &score
	}

	switch st.Phase {
	case PhaseReview:
		v.ReviewAvailable = true
		closes := st.ReviewClosesAt
		v.ReviewClosesAt = &closes
		v.Results = a.PerQuestionAttempts
		for _, qid := range a.QuestionOrder {
			if st.ReviewViewed[qid] {
				v.ReviewViewed = append(v.ReviewViewed, qid)
			}
		}
	case PhaseCompleted, PhaseCompletedNoReview:
		if a.Completed && a.Finalized && models.InReviewWindow(st.Module, a, s.src.Now()) {
			v.ReviewAvailable = true
			if closes, ok := models.ReviewClosesAt(st.Module, a); ok {
				v.ReviewClosesAt = &closes
			}
		}
	}
	return v
}

// Notifications streams every notification. Slow consumers lose messages.
func (s *Session) Notifications() <-chan Notification {
	return s.notes
}

func (s *Session) OnTick(fn func(Notification)) {
	s.notesMu.Lock()
	s.onTick = fn
	s.notesMu.Unlock()
}

func (s *Session) OnTimeUp(fn func(Notification)) {
	s.notesMu.Lock()
	s.onTimeUp = fn
	s.notesMu.Unlock()
}

func (s *Session) OnClockDrift(fn func(Notification)) {
	s.notesMu.Lock()
	s.onDrift = fn
	s.notesMu.Unlock()
}

// Close stops the session's timers and background work. A finalization in
// flight runs to completion first.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
	}
	if s.reviewTimer != nil {
		s.reviewTimer.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	if s.engine != nil {
		s.engine.Stop()
	}
	s.endpoint.Leave()
	if s.elector != nil {
		s.elector.Resign(context.WithoutCancel(s.ctx))
	}
	s.wg.Wait()

	s.notesMu.Lock()
	s.notesClosed = true
	close(s.notes)
	s.notesMu.Unlock()

	s.metrics.SessionClosed()
	log.Info().Str("session_id", s.id).Str("tab_id", s.state.TabID).Msg("session closed")
}
