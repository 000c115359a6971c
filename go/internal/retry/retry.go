// Package retry runs an operation with linear backoff between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Policy configures Do. Attempts counts the first try; Delay grows linearly
// (Delay, 2*Delay, ...) between attempts.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Clock    clockwork.Clock
}

func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Delay:    200 * time.Millisecond,
		Clock:    clockwork.NewRealClock(),
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the context ends,
// or the attempts are exhausted. The last error is wrapped in the result.
func Do[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Clock == nil {
		p.Clock = clockwork.NewRealClock()
	}

	var lastErr error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			if delay := p.Delay * time.Duration(attempt); delay > 0 {
				select {
				case <-ctx.Done():
					return zero, fmt.Errorf("%s: %w", op, ctx.Err())
				case <-p.Clock.After(delay):
				}
			}
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("op", op).
					Int("attempt", attempt+1).
					Msg("operation succeeded after retry")
			}
			return v, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s: %w", op, ctx.Err())
		}

		if attempt+1 < p.Attempts {
			log.Warn().
				Err(err).
				Str("op", op).
				Int("attempt", attempt+1).
				Int("max_attempts", p.Attempts).
				Msg("operation failed, retrying")
		}
	}

	log.Error().
		Err(lastErr).
		Str("op", op).
		Int("attempts", p.Attempts).
		Msg("operation failed after all attempts")
	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, p.Attempts, lastErr)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
