package timer

import (
	"context"
	"sync"
	"time"

	"github.com/mcdev12/examengine/go/internal/clock"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Config holds the tick cadence and the drift tolerance.
type Config struct {
	Interval       time.Duration
	DriftThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       time.Second,
		DriftThreshold: 2 * time.Second,
	}
}

// Snapshot is what subscribers see on every tick.
type Snapshot struct {
	Elapsed    time.Duration
	Remaining  time.Duration
	Paused     bool
	Mode       models.TimerMode
	QuestionID string
	At         time.Time
}

// StartSpec describes a countdown. InitialElapsed carries time already spent,
// e.g. when resuming a persisted attempt.
type StartSpec struct {
	Expected       time.Duration
	InitialElapsed time.Duration
	Mode           models.TimerMode
	QuestionID     string
	Paused         bool
}

// SpecFromState rebuilds a StartSpec from a persisted TimerState at now.
func SpecFromState(st models.TimerState, now time.Time) StartSpec {
	mode := st.Mode
	if mode == "" {
		mode = models.TimerModePerModule
	}
	return StartSpec{
		Expected:       st.Expected(),
		InitialElapsed: st.ElapsedAt(now),
		Mode:           mode,
		QuestionID:     st.QuestionID,
		Paused:         st.Paused,
	}
}

type Option func(*Engine)

// WithWallClock overrides the wall-time sampler used for drift detection.
func WithWallClock(fn func() time.Time) Option {
	return func(e *Engine) {
		e.wall = fn
	}
}

// Engine is a countdown driven by a clock.Source. Remaining time is always
// recomputed from elapsed time, never decremented.
type Engine struct {
	src  *clock.Source
	cfg  Config
	wall func() time.Time

	mu          sync.Mutex
	started     bool
	spec        StartSpec
	startMono   time.Duration
	pausedTotal time.Duration
	pausedAt    time.Duration
	paused      bool
	deadline    *time.Time
	fired       bool
	lastWall    time.Time

	onTick   func(Snapshot)
	onTimeUp func(Snapshot)
	onDrift  func(time.Duration)
}

func New(src *clock.Source, cfg Config, opts ...Option) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	e := &Engine{
		src: src,
		cfg: cfg,
	}
	e.wall = func() time.Time { return src.Clock().Now().Round(0) }
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnTick registers the per-tick subscriber.
func (e *Engine) OnTick(fn func(Snapshot)) {
	e.mu.Lock()
	e.onTick = fn
	e.mu.Unlock()
}

// OnTimeUp registers the one-shot expiry subscriber.
func (e *Engine) OnTimeUp(fn func(Snapshot)) {
	e.mu.Lock()
	e.onTimeUp = fn
	e.mu.Unlock()
}

// OnClockDrift registers the drift subscriber. Drift never alters the countdown.
func (e *Engine) OnClockDrift(fn func(time.Duration)) {
	e.mu.Lock()
	e.onDrift = fn
	e.mu.Unlock()
}

// Start arms the countdown and clears any previous expiry.
func (e *Engine) Start(spec StartSpec) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if spec.Mode == "" {
		spec.Mode = models.TimerModePerModule
	}
	if spec.InitialElapsed < 0 {
		spec.InitialElapsed = 0
	}
	e.spec = spec
	e.started = true
	e.fired = false
	e.startMono = e.src.Elapsed()
	e.pausedTotal = 0
	e.paused = spec.Paused
	e.pausedAt = e.startMono
	e.lastWall = time.Time{}
}

// Restart re-arms the countdown, typically for the next question in per-question mode.
func (e *Engine) Restart(spec StartSpec) {
	e.Start(spec)
	log.Debug().
		Str("question_id", spec.QuestionID).
		Dur("expected", spec.Expected).
		Msg("timer restarted")
}

// Stop disarms the engine. Ticks become no-ops until the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
}

// SetDeadline makes remaining time follow a wall-clock deadline. Nil clears it.
func (e *Engine) SetDeadline(deadline *time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if deadline == nil {
		e.deadline = nil
		return
	}
	d := *deadline
	e.deadline = &d
}

func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.paused {
		return
	}
	e.paused = true
	e.pausedAt = e.src.Elapsed()
}

func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || !e.paused {
		return
	}
	e.pausedTotal += e.src.Elapsed() - e.pausedAt
	e.paused = false
	e.lastWall = time.Time{}
}

// Fired reports whether time-up has been delivered since the last Start.
func (e *Engine) Fired() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}

// Running reports whether the engine is armed.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Snapshot computes the current state without notifying anyone.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// State exports the countdown for persistence.
func (e *Engine) State() models.TimerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed := e.elapsedLocked()
	now := e.src.Now()
	return models.TimerState{
		StartUTC:           now.Add(-elapsed).UTC(),
		ExpectedDurationMS: e.spec.Expected.Milliseconds(),
		ElapsedMS:          elapsed.Milliseconds(),
		Paused:             e.paused,
		Mode:               e.spec.Mode,
		QuestionID:         e.spec.QuestionID,
	}
}

// Tick recomputes elapsed and remaining time, notifies subscribers, and fires
// time-up once when remaining reaches zero. After time-up, ticks are
// suppressed until the engine is restarted.
func (e *Engine) Tick() Snapshot {
	e.mu.Lock()
	if !e.started || e.fired {
		snap := e.snapshotLocked()
		e.mu.Unlock()
		return snap
	}

	var drift time.Duration
	driftDetected := false
	wall := e.wall()
	if !e.paused && !e.lastWall.IsZero() {
		delta := wall.Sub(e.lastWall)
		drift = delta - e.cfg.Interval
		if abs(drift) > e.cfg.DriftThreshold {
			driftDetected = true
		}
	}
	e.lastWall = wall

	snap := e.snapshotLocked()
	timeUp := snap.Remaining == 0 && (!snap.Paused || e.deadline != nil)
	if timeUp {
		e.fired = true
	}
	onTick, onTimeUp, onDrift := e.onTick, e.onTimeUp, e.onDrift
	e.mu.Unlock()

	if driftDetected {
		log.Warn().
			Dur("drift", drift).
			Str("question_id", snap.QuestionID).
			Msg("clock drift detected")
		if onDrift != nil {
			onDrift(drift)
		}
	}
	if onTick != nil {
		onTick(snap)
	}
	if timeUp && onTimeUp != nil {
		onTimeUp(snap)
	}
	return snap
}

// Run drives Tick at the configured interval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.src.Clock().NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.Tick()
		}
	}
}

func (e *Engine) elapsedLocked() time.Duration {
	if !e.started {
		return e.spec.InitialElapsed
	}
	mono := e.src.Elapsed()
	if e.paused {
		mono = e.pausedAt
	}
	elapsed := e.spec.InitialElapsed + (mono - e.startMono) - e.pausedTotal
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (e *Engine) snapshotLocked() Snapshot {
	elapsed := e.elapsedLocked()
	now := e.src.Now()

	var remaining time.Duration
	if e.deadline != nil {
		remaining = e.deadline.Sub(now)
	} else {
		remaining = e.spec.Expected - elapsed
	}
	if remaining < 0 {
		remaining = 0
	}

	return Snapshot{
		Elapsed:    elapsed,
		Remaining:  remaining,
		Paused:     e.paused,
		Mode:       e.spec.Mode,
		QuestionID: e.spec.QuestionID,
		At:         now,
	}
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
