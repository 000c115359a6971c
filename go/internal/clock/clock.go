// Package clock provides a monotonic, drift-free notion of "now" for a session.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Source anchors a wall-clock instant to a monotonic reading taken at the same
// moment. Now is derived from the monotonic delta, so wall-clock jumps on the
// host after the anchor do not move it.
type Source struct {
	clk      clockwork.Clock
	baseWall time.Time
	basePerf time.Time
}

// NewSource anchors to the clock's current wall time.
func NewSource(clk clockwork.Clock) *Source {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	perf := clk.Now()
	return &Source{
		clk:      clk,
		baseWall: perf.Round(0),
		basePerf: perf,
	}
}

// NewSourceAt anchors to a trusted wall time, typically the server's clock
// sampled when the session was created.
func NewSourceAt(clk clockwork.Clock, wall time.Time) *Source {
	s := NewSource(clk)
	if !wall.IsZero() {
		s.baseWall = wall.Round(0)
	}
	return s
}

// Now returns baseWall + (monotonic now - basePerf).
func (s *Source) Now() time.Time {
	return s.baseWall.Add(s.clk.Since(s.basePerf))
}

// Elapsed returns the monotonic time since the anchor.
func (s *Source) Elapsed() time.Duration {
	return s.clk.Since(s.basePerf)
}

// Since returns the duration between t and Now.
func (s *Source) Since(t time.Time) time.Duration {
	return s.Now().Sub(t)
}

// Until returns the duration between Now and t.
func (s *Source) Until(t time.Time) time.Duration {
	return t.Sub(s.Now())
}

// Offset is the difference between the anchored wall time and the host's wall
// time at the anchor. Non-zero when anchored to a server clock.
func (s *Source) Offset() time.Duration {
	return s.baseWall.Sub(s.basePerf.Round(0))
}

// Clock exposes the underlying clock for tickers and timers.
func (s *Source) Clock() clockwork.Clock {
	return s.clk
}
