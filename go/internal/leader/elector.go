// Package leader picks one session per attempt to own time-driven
// finalization. Other sessions of the same attempt only observe.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Key returns the claim key for an attempt.
func Key(attemptID uuid.UUID) string {
	return "leader:" + attemptID.String()
}

type Config struct {
	// LeaseTTL bounds how long a claim survives without renewal. Zero makes
	// the first claim permanent for the attempt.
	LeaseTTL time.Duration
}

// Elector answers "am I the leader" for one session. The answer is computed
// once and cached; with a lease it may change on Heartbeat.
type Elector struct {
	store ClaimStore
	key   string
	tabID string
	cfg   Config

	mu      sync.Mutex
	decided bool
	leader  bool
}

func NewElector(store ClaimStore, attemptID uuid.UUID, tabID string, cfg Config) *Elector {
	return &Elector{
		store: store,
		key:   Key(attemptID),
		tabID: tabID,
		cfg:   cfg,
	}
}

// IsLeader claims the key on first call and caches the outcome. If the store
// is unreachable the session assumes leadership; the conditional finalize
// write keeps that safe.
func (e *Elector) IsLeader(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.decided {
		return e.leader
	}
	e.leader = e.claimLocked(ctx)
	e.decided = true

	log.Info().
		Str("key", e.key).
		Str("tab_id", e.tabID).
		Bool("leader", e.leader).
		Msg("leader election decided")
	return e.leader
}

// Heartbeat renews the lease when leading and tries a takeover when
// following. It is a no-op for permanent claims.
func (e *Elector) Heartbeat(ctx context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.decided || e.cfg.LeaseTTL <= 0 {
		return e.leader
	}

	if e.leader {
		ok, err := e.store.Renew(ctx, e.key, e.tabID, e.cfg.LeaseTTL)
		if err != nil {
			log.Warn().Err(err).Str("key", e.key).Msg("failed to renew leader lease")
			return e.leader
		}
		if !ok {
			log.Warn().Str("key", e.key).Str("tab_id", e.tabID).Msg("leader lease lost")
			e.leader = e.claimLocked(ctx)
		}
		return e.leader
	}

	if e.claimLocked(ctx) {
		log.Info().Str("key", e.key).Str("tab_id", e.tabID).Msg("took over expired leader lease")
		e.leader = true
	}
	return e.leader
}

// Resign drops the claim so a follower can take over on its next heartbeat.
func (e *Elector) Resign(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.leader {
		return
	}
	if err := e.store.Release(ctx, e.key, e.tabID); err != nil {
		log.Warn().Err(err).Str("key", e.key).Msg("failed to release leader claim")
	}
	e.leader = false
}

func (e *Elector) claimLocked(ctx context.Context) bool {
	owner, err := e.store.Claim(ctx, e.key, e.tabID, e.cfg.LeaseTTL)
	if err != nil {
		log.Warn().Err(err).Str("key", e.key).Msg("claim store unavailable, assuming leadership")
		return true
	}
	return owner == e.tabID
}
