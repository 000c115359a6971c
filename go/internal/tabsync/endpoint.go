package tabsync

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Endpoint is one session's attachment to a Channel. It only surfaces
// messages for its own attempt, skips its own echoes, and never returns
// errors: a failing channel degrades the session to single-tab mode.
type Endpoint struct {
	ch          Channel
	attemptID   uuid.UUID
	tabID       string
	unsubscribe func()
}

// Join subscribes h to messages for attemptID. ch may be nil.
func Join(ctx context.Context, ch Channel, attemptID uuid.UUID, tabID string, h Handler) *Endpoint {
	e := &Endpoint{ch: ch, attemptID: attemptID, tabID: tabID}
	if ch == nil {
		log.Info().Str("attempt_id", attemptID.String()).Msg("no tab sync channel, running single-tab")
		return e
	}

	unsub, err := ch.Subscribe(ctx, func(msg Message) {
		if msg.AttemptID != attemptID || msg.OriginTab == tabID {
			return
		}
		h(msg)
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("attempt_id", attemptID.String()).
			Str("tab_id", tabID).
			Msg("tab sync subscribe failed, running single-tab")
		e.ch = nil
		return e
	}
	e.unsubscribe = unsub
	return e
}

// Publish stamps the origin tab and sends msg, logging any failure.
func (e *Endpoint) Publish(ctx context.Context, msg Message) {
	if e == nil || e.ch == nil {
		return
	}
	msg.OriginTab = e.tabID
	if err := e.ch.Publish(ctx, msg); err != nil {
		log.Warn().
			Err(err).
			Str("attempt_id", e.attemptID.String()).
			Str("type", string(msg.Type)).
			Msg("tab sync publish failed")
	}
}

// SingleTab reports whether the endpoint has no working channel.
func (e *Endpoint) SingleTab() bool {
	return e == nil || e.ch == nil
}

// Leave stops delivery to this endpoint.
func (e *Endpoint) Leave() {
	if e == nil || e.unsubscribe == nil {
		return
	}
	e.unsubscribe()
	e.unsubscribe = nil
}
