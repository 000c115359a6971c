// Package integrity decides what a focus loss costs the learner.
package integrity

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Signal is a platform observation reported by the host.
type Signal string

const (
	SignalVisibilityHidden Signal = "visibility_hidden"
	SignalWindowBlur       Signal = "window_blur"
	SignalRouteChange      Signal = "route_change"
)

func (s Signal) Valid() bool {
	switch s {
	case SignalVisibilityHidden, SignalWindowBlur, SignalRouteChange:
		return true
	}
	return false
}

// Action is what the session must do in response.
type Action int

const (
	ActionNone Action = iota
	ActionAutosubmitQuestion
	ActionAutosubmitAndEnd
)

func (a Action) String() string {
	switch a {
	case ActionAutosubmitQuestion:
		return "autosubmit_question"
	case ActionAutosubmitAndEnd:
		return "autosubmit_and_end"
	default:
		return "none"
	}
}

type Decision struct {
	Action Action
	// Counted is false for signals folded into a recent one.
	Counted bool
	Losses  int
}

type Config struct {
	// Debounce folds a hidden+blur pair from one tab switch into one loss.
	Debounce time.Duration
}

func DefaultConfig() Config {
	return Config{Debounce: 500 * time.Millisecond}
}

// Monitor applies a module's focus policy to one session.
type Monitor struct {
	policy   models.FocusPolicy
	practice bool
	clock    clockwork.Clock
	limiter  *rate.Limiter

	mu     sync.Mutex
	losses int
}

// NewMonitor starts counting from losses, the value persisted on the attempt.
func NewMonitor(policy models.FocusPolicy, kind models.AttemptKind, losses int, cfg Config, clock clockwork.Clock) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if policy == "" {
		policy = models.FocusPolicyIgnore
	}
	limit := rate.Inf
	if cfg.Debounce > 0 {
		limit = rate.Every(cfg.Debounce)
	}
	return &Monitor{
		policy:   policy,
		practice: kind == models.AttemptKindPractice,
		clock:    clock,
		limiter:  rate.NewLimiter(limit, 1),
		losses:   losses,
	}
}

// Observe records s and returns the action the policy requires. Route changes
// are never debounced.
func (m *Monitor) Observe(s Signal) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s != SignalRouteChange && !m.limiter.AllowN(m.clock.Now(), 1) {
		return Decision{Losses: m.losses}
	}

	if m.practice {
		log.Debug().Str("signal", string(s)).Msg("focus loss in practice mode ignored")
		return Decision{Losses: m.losses}
	}

	m.losses++
	d := Decision{Counted: true, Losses: m.losses}
	switch m.policy {
	case models.FocusPolicyAutosubmitQuestion:
		d.Action = ActionAutosubmitQuestion
	case models.FocusPolicyAutosubmitAndEnd:
		d.Action = ActionAutosubmitAndEnd
	}

	log.Info().
		Str("signal", string(s)).
		Str("policy", string(m.policy)).
		Int("losses", m.losses).
		Str("action", d.Action.String()).
		Msg("focus loss observed")
	return d
}

func (m *Monitor) Losses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.losses
}

func (m *Monitor) Policy() models.FocusPolicy { return m.policy }
