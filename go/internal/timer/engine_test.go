package timer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/clock"
	"github.com/mcdev12/examengine/go/internal/models"
)

var epoch = time.Date(2026, 4, 7, 9, 0, 0, 0, time.UTC)

func newEngine(t *testing.T, opts ...Option) (*Engine, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClockAt(epoch)
	return New(clock.NewSource(fc), DefaultConfig(), opts...), fc
}

func TestRemainingIsMonotoneAndHitsZeroBeforeTimeUp(t *testing.T) {
	e, fc := newEngine(t)

	var (
		remaining []time.Duration
		timeUps   int
		zeroSeen  bool
	)
	e.OnTick(func(s Snapshot) {
		remaining = append(remaining, s.Remaining)
		if s.Remaining == 0 {
			zeroSeen = true
		}
	})
	e.OnTimeUp(func(s Snapshot) {
		if !zeroSeen {
			t.Fatalf("time-up fired before a zero tick was delivered")
		}
		if s.Remaining != 0 {
			t.Fatalf("time-up remaining: want=0 got=%s", s.Remaining)
		}
		timeUps++
	})

	e.Start(StartSpec{Expected: 5 * time.Second})
	for i := 0; i < 8; i++ {
		fc.Advance(time.Second)
		e.Tick()
	}

	for i := 1; i < len(remaining); i++ {
		if remaining[i] > remaining[i-1] {
			t.Fatalf("remaining increased at tick %d: %s -> %s", i, remaining[i-1], remaining[i])
		}
	}
	if timeUps != 1 {
		t.Fatalf("time-up count: want=1 got=%d", timeUps)
	}
	// ticks after expiry are suppressed
	if len(remaining) != 5 {
		t.Fatalf("tick count: want=5 got=%d", len(remaining))
	}
}

func TestRestartRearmsTimeUp(t *testing.T) {
	e, fc := newEngine(t)
	fired := 0
	e.OnTimeUp(func(Snapshot) { fired++ })

	e.Start(StartSpec{Expected: time.Second, Mode: models.TimerModePerQuestion, QuestionID: "q1"})
	fc.Advance(time.Second)
	e.Tick()
	e.Tick()
	if fired != 1 {
		t.Fatalf("first expiry: want=1 got=%d", fired)
	}
	if !e.Fired() {
		t.Fatalf("expected engine to report fired")
	}

	e.Restart(StartSpec{Expected: 2 * time.Second, Mode: models.TimerModePerQuestion, QuestionID: "q2"})
	if e.Fired() {
		t.Fatalf("restart should clear fired")
	}
	fc.Advance(time.Second)
	if s := e.Tick(); s.Remaining != time.Second || s.QuestionID != "q2" {
		t.Fatalf("after restart: want 1s on q2, got %s on %s", s.Remaining, s.QuestionID)
	}
	fc.Advance(time.Second)
	e.Tick()
	if fired != 2 {
		t.Fatalf("second expiry: want=2 got=%d", fired)
	}
}

func TestInitialElapsedCountsAgainstExpected(t *testing.T) {
	e, fc := newEngine(t)
	e.Start(StartSpec{Expected: time.Minute, InitialElapsed: 50 * time.Second})
	fc.Advance(4 * time.Second)
	s := e.Tick()
	if s.Remaining != 6*time.Second {
		t.Fatalf("remaining: want=6s got=%s", s.Remaining)
	}
	if s.Elapsed != 54*time.Second {
		t.Fatalf("elapsed: want=54s got=%s", s.Elapsed)
	}
}

func TestDeadlineOverridesDuration(t *testing.T) {
	e, fc := newEngine(t)
	deadline := epoch.Add(3 * time.Second)
	e.SetDeadline(&deadline)
	e.Start(StartSpec{Expected: time.Hour})

	fc.Advance(time.Second)
	if s := e.Tick(); s.Remaining != 2*time.Second {
		t.Fatalf("remaining: want=2s got=%s", s.Remaining)
	}

	fired := false
	e.OnTimeUp(func(Snapshot) { fired = true })
	fc.Advance(5 * time.Second)
	if s := e.Tick(); s.Remaining != 0 {
		t.Fatalf("remaining past deadline: want=0 got=%s", s.Remaining)
	}
	if !fired {
		t.Fatalf("expected time-up at the deadline")
	}
}

func TestPauseFreezesElapsed(t *testing.T) {
	e, fc := newEngine(t)
	e.Start(StartSpec{Expected: 10 * time.Second})

	fc.Advance(2 * time.Second)
	e.Pause()
	fc.Advance(30 * time.Second)
	if s := e.Tick(); s.Remaining != 8*time.Second || !s.Paused {
		t.Fatalf("paused: want 8s paused, got %s paused=%v", s.Remaining, s.Paused)
	}

	e.Resume()
	fc.Advance(3 * time.Second)
	if s := e.Tick(); s.Remaining != 5*time.Second {
		t.Fatalf("resumed: want=5s got=%s", s.Remaining)
	}
}

func TestDriftIsReportedButDoesNotAlterCountdown(t *testing.T) {
	var (
		mu   sync.Mutex
		wall = epoch
	)
	e, fc := newEngine(t, WithWallClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return wall
	}))

	var drifts []time.Duration
	e.OnClockDrift(func(d time.Duration) { drifts = append(drifts, d) })
	e.Start(StartSpec{Expected: time.Minute})

	step := func(wallDelta time.Duration) Snapshot {
		mu.Lock()
		wall = wall.Add(wallDelta)
		mu.Unlock()
		fc.Advance(time.Second)
		return e.Tick()
	}

	step(time.Second)
	step(time.Second)
	s := step(10 * time.Second) // host clock jumped forward

	if len(drifts) != 1 {
		t.Fatalf("drift reports: want=1 got=%d", len(drifts))
	}
	if drifts[0] != 9*time.Second {
		t.Fatalf("drift: want=9s got=%s", drifts[0])
	}
	if s.Remaining != 57*time.Second {
		t.Fatalf("remaining must follow monotonic time: want=57s got=%s", s.Remaining)
	}
}

func TestStateRoundTripRecomputesIdentically(t *testing.T) {
	e, fc := newEngine(t)
	e.Start(StartSpec{Expected: 90 * time.Second, Mode: models.TimerModePerQuestion, QuestionID: "q3"})
	fc.Advance(37*time.Second + 400*time.Millisecond)

	st := e.State()
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back models.TimerState
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	now := fc.Now()
	if got, want := back.RemainingAt(now), e.Snapshot().Remaining; got != want {
		t.Fatalf("remaining: want=%s got=%s", want, got)
	}
	if back.Mode != models.TimerModePerQuestion || back.QuestionID != "q3" {
		t.Fatalf("mode/question lost: %+v", back)
	}

	resumed, _ := newEngine(t)
	spec := SpecFromState(back, now)
	resumed.Start(spec)
	if got, want := resumed.Snapshot().Remaining, e.Snapshot().Remaining; got != want {
		t.Fatalf("resumed remaining: want=%s got=%s", want, got)
	}
}

func TestRunTicksOnInterval(t *testing.T) {
	e, fc := newEngine(t)
	ticks := make(chan Snapshot, 4)
	e.OnTick(func(s Snapshot) { ticks <- s })
	e.Start(StartSpec{Expected: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	if err := fc.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("ticker never registered: %v", err)
	}

	for i := 1; i <= 3; i++ {
		fc.Advance(time.Second)
		select {
		case s := <-ticks:
			if want := time.Duration(10-i) * time.Second; s.Remaining != want {
				t.Fatalf("tick %d: want=%s got=%s", i, want, s.Remaining)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for tick %d", i)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
