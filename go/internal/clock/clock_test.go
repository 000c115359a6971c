package clock

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestSourceAdvancesWithMonotonicDelta(t *testing.T) {
	start := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(start)
	src := NewSource(fc)

	fc.Advance(1500 * time.Millisecond)

	if got := src.Elapsed(); got != 1500*time.Millisecond {
		t.Fatalf("elapsed: want=1.5s got=%s", got)
	}
	if got := src.Now(); !got.Equal(start.Add(1500 * time.Millisecond)) {
		t.Fatalf("now: want=%s got=%s", start.Add(1500*time.Millisecond), got)
	}
	if got := src.Since(start); got != 1500*time.Millisecond {
		t.Fatalf("since: want=1.5s got=%s", got)
	}
}

func TestSourceAnchoredToServerTime(t *testing.T) {
	local := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	server := local.Add(-42 * time.Second)
	fc := clockwork.NewFakeClockAt(local)
	src := NewSourceAt(fc, server)

	fc.Advance(10 * time.Second)

	if got := src.Now(); !got.Equal(server.Add(10 * time.Second)) {
		t.Fatalf("now: want=%s got=%s", server.Add(10*time.Second), got)
	}
	if got := src.Offset(); got != -42*time.Second {
		t.Fatalf("offset: want=-42s got=%s", got)
	}
	if got := src.Until(server.Add(15 * time.Second)); got != 5*time.Second {
		t.Fatalf("until: want=5s got=%s", got)
	}
}

func TestSourceZeroServerTimeKeepsLocalAnchor(t *testing.T) {
	local := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	src := NewSourceAt(clockwork.NewFakeClockAt(local), time.Time{})
	if got := src.Offset(); got != 0 {
		t.Fatalf("offset: want=0 got=%s", got)
	}
}
