package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
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

type Deps struct {
	Store    attempt.Store
	Catalog  catalog.Source
	Pipeline *finalize.Pipeline
	// Channel may be nil; sessions then run single-tab.
	Channel tabsync.Channel
	// Claims may be nil; every session then leads its own attempt.
	Claims  leader.ClaimStore
	Metrics Recorder
	Clock   clockwork.Clock
}

type Config struct {
	Timer      timer.Config
	Leader     leader.Config
	Integrity  integrity.Config
	Retry      retry.Policy
	EarlyGuard time.Duration
	// MaxClockSkew bounds how far a supplied server time may differ from the
	// local clock before it is ignored.
	MaxClockSkew time.Duration
	// NotificationBuffer sizes each session's notification channel.
	NotificationBuffer int
}

func DefaultConfig() Config {
	return Config{
		Timer:              timer.DefaultConfig(),
		Leader:             leader.Config{LeaseTTL: 10 * time.Second},
		Integrity:          integrity.DefaultConfig(),
		Retry:              retry.DefaultPolicy(),
		EarlyGuard:         3 * time.Second,
		MaxClockSkew:       5 * time.Second,
		NotificationBuffer: 64,
	}
}

type Options struct {
	TabID string
	// Elevated sweeps every user's incomplete attempts once the exam has ended.
	Elevated bool
	// ServerTime anchors the session clock when it lies within MaxClockSkew of
	// the local clock. Zero or out-of-range values use the local clock.
	ServerTime time.Time
}

// Bootstrapper decides what a newly opened tab shows and builds its Session.
type Bootstrapper struct {
	deps Deps
	cfg  Config
}

func NewBootstrapper(deps Deps, cfg Config) *Bootstrapper {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopRecorder{}
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = deps.Clock
	}
	if cfg.MaxClockSkew < 0 {
		cfg.MaxClockSkew = 0
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = 64
	}
	return &Bootstrapper{deps: deps, cfg: cfg}
}

// Bootstrap opens a session for userID on moduleID. The returned Session is
// in exactly one of the entry phases; only exam_in_progress runs a timer.
func (b *Bootstrapper) Bootstrap(ctx context.Context, moduleID, userID string, opts Options) (*Session, error) {
	src := b.anchor(opts.ServerTime, moduleID, userID)
	now := src.Now()

	mod, err := retry.Do(ctx, b.cfg.Retry, "load module", func(ctx context.Context) (*models.Module, error) {
		m, err := b.deps.Catalog.GetModule(ctx, moduleID)
		if errors.Is(err, catalog.ErrModuleNotFound) {
			return nil, retry.Permanent(err)
		}
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load module %s: %w", moduleID, err)
	}

	tabID := opts.TabID
	if tabID == "" {
		tabID = uuid.NewString()
	}
	s := b.newSession(mod, tabID, src)
	logger := log.With().
		Str("session_id", s.id).
		Str("module_id", mod.ID).
		Str("user_id", userID).
		Str("tab_id", tabID).
		Logger()

	if len(mod.QuestionIDs) == 0 {
		s.state.Phase = PhaseNoQuestions
		logger.Info().Msg("module has no questions")
		return s, nil
	}

	if mod.HasEnded(now) {
		b.sweep(ctx, mod, userID, opts.Elevated, now)
	}

	finalized, err := b.latest(ctx, "latest finalized attempt", func(ctx context.Context) (*models.Attempt, error) {
		return b.deps.Store.LatestFinalized(ctx, mod.ID, userID)
	})
	if err != nil {
		return nil, err
	}

	switch {
	case finalized != nil && models.InReviewWindow(mod, finalized, now):
		s.state.Attempt = finalized
		if reviewRevoked(ctx, b.deps.Catalog, b.cfg.Retry, mod.ID, userID) {
			s.state.Phase = PhaseReviewExpired
			logger.Info().Str("attempt_id", finalized.ID.String()).Msg("review already revoked for learner")
			return s, nil
		}
		s.state.Phase = PhaseCompleted
		if err := b.loadQuestions(ctx, s, finalized.QuestionOrder); err != nil {
			logger.Warn().Err(err).Msg("failed to load questions for review")
		}
		if err := s.Handle(ReviewEntered{At: now}); err != nil {
			logger.Warn().Err(err).Msg("review window open but review refused")
		}
		logger.Info().Str("phase", string(s.state.Phase)).Msg("session bootstrapped into review")
		return s, nil

	case finalized == nil && mod.ScheduledEnd != nil && models.InReviewWindow(mod, nil, now):
		s.state.Phase = PhaseIdle
		s.state.IdleReason = IdleReviewNoAttempt
		logger.Info().Msg("review window open without an attempt")
		return s, nil

	case finalized != nil:
		s.state.Phase = PhaseCompletedNoReview
		s.state.Attempt = finalized
		logger.Info().Str("attempt_id", finalized.ID.String()).Msg("attempt already completed")
		return s, nil

	case mod.HasEnded(now):
		s.state.Phase = PhaseIdle
		s.state.IdleReason = IdleClosed
		logger.Info().Msg("module closed")
		return s, nil

	case mod.NotYetOpen(now):
		s.state.Phase = PhaseIdle
		s.state.IdleReason = IdleNotOpen
		logger.Info().Time("opens_at", *mod.ScheduledStart).Msg("module not open yet")
		return s, nil
	}

	a, resumed, err := b.resumeOrCreate(ctx, mod, userID, now)
	if err != nil {
		return nil, err
	}
	if err := b.loadQuestions(ctx, s, a.QuestionOrder); err != nil {
		logger.Warn().Err(err).Msg("failed to load questions")
	}

	s.state.Phase = PhaseExamInProgress
	s.state.Attempt = a
	s.monitor = integrity.NewMonitor(mod.FocusPolicy, a.Kind, a.VisibilityLosses, b.cfg.Integrity, b.deps.Clock)

	spec, deadline := timerFor(mod, a, resumed, now)
	if spec != nil {
		s.engine = timer.New(src, b.cfg.Timer)
	}
	s.start(spec, deadline, b.deps.Channel, b.deps.Claims, b.cfg.Leader)

	logger.Info().
		Str("attempt_id", a.ID.String()).
		Bool("resumed", resumed).
		Int("current_index", a.CurrentQuestionIndex).
		Bool("timed", spec != nil).
		Msg("session bootstrapped")
	return s, nil
}

// anchor builds the session clock. Deadlines are always judged against the
// local clock; a supplied server time only corrects small skew.
func (b *Bootstrapper) anchor(supplied time.Time, moduleID, userID string) *clock.Source {
	if supplied.IsZero() {
		return clock.NewSource(b.deps.Clock)
	}
	skew := supplied.Sub(b.deps.Clock.Now())
	if skew.Abs() > b.cfg.MaxClockSkew {
		log.Warn().
			Str("module_id", moduleID).
			Str("user_id", userID).
			Dur("skew", skew).
			Msg("ignoring supplied server time outside allowed skew")
		return clock.NewSource(b.deps.Clock)
	}
	return clock.NewSourceAt(b.deps.Clock, supplied)
}

// reviewRevoked reports whether the learner's review access was closed by an
// earlier session. An unreadable lock counts as revoked.
func reviewRevoked(ctx context.Context, src catalog.Source, policy retry.Policy, moduleID, userID string) bool {
	if src == nil {
		return false
	}
	locked, err := retry.Do(ctx, policy, "read module lock", func(ctx context.Context) (bool, error) {
		return src.ModuleLocked(ctx, moduleID, userID)
	})
	if err != nil {
		log.Warn().Err(err).Str("module_id", moduleID).Str("user_id", userID).Msg("failed to read module lock, review withheld")
		return true
	}
	return locked
}

func (b *Bootstrapper) newSession(mod *models.Module, tabID string, src *clock.Source) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         uuid.NewString(),
		store:      b.deps.Store,
		catalog:    b.deps.Catalog,
		pipeline:   b.deps.Pipeline,
		metrics:    b.deps.Metrics,
		clock:      b.deps.Clock,
		src:        src,
		retry:      b.cfg.Retry,
		earlyGuard: b.cfg.EarlyGuard,
		questions:  make(map[string]models.Question),
		ctx:        ctx,
		cancel:     cancel,
		notes:      make(chan Notification, b.cfg.NotificationBuffer),
		state: State{
			Phase:  PhaseBootstrapping,
			TabID:  tabID,
			Module: mod,
		},
	}
	s.metrics.SessionOpened()
	return s
}

// sweep finalizes attempts left open after the exam ended.
func (b *Bootstrapper) sweep(ctx context.Context, mod *models.Module, userID string, elevated bool, now time.Time) {
	owner := userID
	if elevated {
		owner = ""
	}
	open, err := retry.Do(ctx, b.cfg.Retry, "list incomplete attempts", func(ctx context.Context) ([]*models.Attempt, error) {
		return b.deps.Store.ListIncomplete(ctx, mod.ID, owner)
	})
	if err != nil {
		log.Warn().Err(err).Str("module_id", mod.ID).Msg("failed to list incomplete attempts for sweep")
		return
	}

	for _, a := range open {
		reason := models.ReasonTimeExpired
		if models.InReviewWindow(mod, a, now) {
			reason = models.ReasonReviewTimeExpired
		}
		_, err := b.deps.Pipeline.Finalize(ctx, finalize.Request{
			AttemptID: a.ID,
			Reason:    reason,
			Fallback:  a,
			Module:    mod,
		})
		if err != nil {
			log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("failed to finalize expired attempt")
			continue
		}
		log.Info().
			Str("attempt_id", a.ID.String()).
			Str("user_id", a.UserID).
			Str("reason", string(reason)).
			Msg("expired attempt finalized on bootstrap")
	}
}

// latest maps ErrNotFound to a nil attempt.
func (b *Bootstrapper) latest(ctx context.Context, op string, fn func(ctx context.Context) (*models.Attempt, error)) (*models.Attempt, error) {
	a, err := retry.Do(ctx, b.cfg.Retry, op, func(ctx context.Context) (*models.Attempt, error) {
		a, err := fn(ctx)
		if errors.Is(err, attempt.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return a, err
	})
	if errors.Is(err, attempt.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", op, err)
	}
	return a, nil
}

func (b *Bootstrapper) resumeOrCreate(ctx context.Context, mod *models.Module, userID string, now time.Time) (*models.Attempt, bool, error) {
	open, err := b.latest(ctx, "latest incomplete attempt", func(ctx context.Context) (*models.Attempt, error) {
		return b.deps.Store.LatestIncomplete(ctx, mod.ID, userID)
	})
	if err != nil {
		return nil, false, err
	}

	if open != nil {
		if sameQuestions(open.QuestionOrder, mod.QuestionIDs) {
			return open, true, nil
		}
		log.Warn().
			Str("attempt_id", open.ID.String()).
			Int("stored", len(open.QuestionOrder)).
			Int("module", len(mod.QuestionIDs)).
			Msg("stored question order no longer matches module, starting fresh")
		if err := b.deps.Store.Delete(ctx, open.ID); err != nil {
			log.Warn().Err(err).Str("attempt_id", open.ID.String()).Msg("failed to discard stale attempt")
		}
	}

	a := newAttempt(mod, userID, now)
	err = retry.Run(ctx, b.cfg.Retry, "create attempt", func(ctx context.Context) error {
		return b.deps.Store.Create(ctx, a)
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create attempt: %w", err)
	}
	return a, false, nil
}

func (b *Bootstrapper) loadQuestions(ctx context.Context, s *Session, ids []string) error {
	qs, err := retry.Do(ctx, b.cfg.Retry, "load questions", func(ctx context.Context) ([]models.Question, error) {
		return b.deps.Catalog.GetQuestionsByIDs(ctx, ids)
	})
	if err != nil {
		return err
	}
	for _, q := range qs {
		s.questions[q.ID] = q
	}
	return nil
}

func newAttempt(mod *models.Module, userID string, now time.Time) *models.Attempt {
	order := append([]string(nil), mod.QuestionIDs...)
	if mod.RandomizeOrder {
		rand.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	kind := mod.Kind
	if kind == "" {
		kind = models.AttemptKindExam
	}

	a := &models.Attempt{
		ID:             uuid.New(),
		ModuleID:       mod.ID,
		UserID:         userID,
		Kind:           kind,
		StartedAt:      now.UTC(),
		QuestionOrder:  order,
		Answers:        make(map[string]models.AnswerValue),
		AutoSubmitted:  make(map[string]bool),
		QuestionTimes:  make(map[string]models.QuestionTiming),
		ScheduledStart: mod.ScheduledStart,
		ScheduledEnd:   mod.ScheduledEnd,
		UpdatedAt:      now.UTC(),
	}
	if spec, _ := timerFor(mod, a, false, now); spec != nil {
		a.TimerState = models.TimerState{
			StartUTC:           now.UTC(),
			ExpectedDurationMS: spec.Expected.Milliseconds(),
			Mode:               spec.Mode,
			QuestionID:         spec.QuestionID,
		}
	}
	return a
}

// timerFor returns the countdown for a (nil when the module is untimed) and,
// in module mode, the wall deadline it must not outlive.
func timerFor(mod *models.Module, a *models.Attempt, resumed bool, now time.Time) (*timer.StartSpec, *time.Time) {
	if mod.TimerMode == models.TimerModePerQuestion && mod.PerQuestionSec > 0 {
		qid := a.CurrentQuestionID()
		if qid == "" {
			return nil, nil
		}
		st := a.TimerState
		if resumed && st.Mode == models.TimerModePerQuestion && st.QuestionID == qid && st.ExpectedDurationMS > 0 {
			spec := timer.SpecFromState(st, now)
			return &spec, nil
		}
		spec := QuestionSpec(mod, qid, now)
		return &spec, nil
	}

	var deadline *time.Time
	if mod.DurationSec > 0 {
		d := a.StartedAt.Add(mod.Duration())
		deadline = &d
	}
	if mod.ScheduledEnd != nil && (deadline == nil || mod.ScheduledEnd.Before(*deadline)) {
		d := *mod.ScheduledEnd
		deadline = &d
	}
	if deadline == nil {
		return nil, nil
	}

	var spec timer.StartSpec
	if resumed && a.TimerState.ExpectedDurationMS > 0 {
		spec = timer.SpecFromState(a.TimerState, now)
		spec.Mode = models.TimerModePerModule
	} else {
		expected := mod.Duration()
		if window := deadline.Sub(a.StartedAt); expected <= 0 || expected > window {
			expected = max(window, 0)
		}
		spec = timer.StartSpec{
			Expected:       expected,
			InitialElapsed: max(now.Sub(a.StartedAt), 0),
			Mode:           models.TimerModePerModule,
		}
	}
	return &spec, deadline
}

// sameQuestions reports whether stored is a permutation of current.
func sameQuestions(stored, current []string) bool {
	if len(stored) != len(current) {
		return false
	}
	set := make(map[string]int, len(current))
	for _, id := range current {
		set[id]++
	}
	for _, id := range stored {
		if set[id] == 0 {
			return false
		}
		set[id]--
	}
	return true
}
