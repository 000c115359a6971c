package leader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

func TestExactlyOneLeaderAmongTabs(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock())
	attemptID := uuid.New()
	ctx := context.Background()

	const tabs = 16
	electors := make([]*Elector, tabs)
	for i := range electors {
		electors[i] = NewElector(store, attemptID, fmt.Sprintf("tab-%d", i), Config{})
	}

	results := make([]bool, tabs)
	var wg sync.WaitGroup
	for i := range electors {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = electors[i].IsLeader(ctx)
		}(i)
	}
	wg.Wait()

	leaders := 0
	leaderIdx := -1
	for i, ok := range results {
		if ok {
			leaders++
			leaderIdx = i
		}
	}
	if leaders != 1 {
		t.Fatalf("leaders: want=1 got=%d", leaders)
	}

	// stable for the rest of the session
	for round := 0; round < 3; round++ {
		for i, e := range electors {
			if got := e.IsLeader(ctx); got != (i == leaderIdx) {
				t.Fatalf("round %d tab %d: leadership changed to %v", round, i, got)
			}
			e.Heartbeat(ctx)
		}
	}
}

func TestDifferentAttemptsHaveIndependentLeaders(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	a := NewElector(store, uuid.New(), "tab-a", Config{})
	b := NewElector(store, uuid.New(), "tab-b", Config{})
	if !a.IsLeader(ctx) || !b.IsLeader(ctx) {
		t.Fatalf("each attempt should get its own leader")
	}
}

func TestLeaseTakeoverAfterExpiry(t *testing.T) {
	fc := clockwork.NewFakeClock()
	store := NewMemoryStore(fc)
	attemptID := uuid.New()
	ctx := context.Background()
	cfg := Config{LeaseTTL: 10 * time.Second}

	first := NewElector(store, attemptID, "tab-1", cfg)
	second := NewElector(store, attemptID, "tab-2", cfg)
	if !first.IsLeader(ctx) {
		t.Fatalf("first tab should lead")
	}
	if second.IsLeader(ctx) {
		t.Fatalf("second tab should follow")
	}

	// renewals keep the lease alive
	for i := 0; i < 3; i++ {
		fc.Advance(5 * time.Second)
		if !first.Heartbeat(ctx) {
			t.Fatalf("leader lost lease while renewing")
		}
		if second.Heartbeat(ctx) {
			t.Fatalf("follower took over a live lease")
		}
	}

	// leader tab goes away without renewing
	fc.Advance(11 * time.Second)
	if !second.Heartbeat(ctx) {
		t.Fatalf("follower should take over an expired lease")
	}
	if first.Heartbeat(ctx) {
		t.Fatalf("stale leader should step down once the lease moved")
	}
}

func TestResignLetsFollowerTakeOver(t *testing.T) {
	store := NewMemoryStore(clockwork.NewFakeClock())
	attemptID := uuid.New()
	ctx := context.Background()
	cfg := Config{LeaseTTL: time.Minute}

	first := NewElector(store, attemptID, "tab-1", cfg)
	second := NewElector(store, attemptID, "tab-2", cfg)
	first.IsLeader(ctx)
	second.IsLeader(ctx)

	first.Resign(ctx)
	if !second.Heartbeat(ctx) {
		t.Fatalf("follower should lead after resign")
	}
}

type failingStore struct{}

func (failingStore) Claim(context.Context, string, string, time.Duration) (string, error) {
	return "", errors.New("storage disabled")
}
func (failingStore) Renew(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("storage disabled")
}
func (failingStore) Release(context.Context, string, string) error { return nil }

func TestUnavailableStoreFallsBackToSingleTab(t *testing.T) {
	e := NewElector(failingStore{}, uuid.New(), "tab-1", Config{})
	if !e.IsLeader(context.Background()) {
		t.Fatalf("session should lead when the claim store is unavailable")
	}
}

func TestKeyFormat(t *testing.T) {
	id := uuid.MustParse("6f1c1f43-5b8a-4c7e-9d55-3a2f6b1e0c11")
	if got, want := Key(id), "leader:6f1c1f43-5b8a-4c7e-9d55-3a2f6b1e0c11"; got != want {
		t.Fatalf("want=%s got=%s", want, got)
	}
}
