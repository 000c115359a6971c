package integrity

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/models"
)

func TestObserveAppliesPolicy(t *testing.T) {
	tests := []struct {
		policy models.FocusPolicy
		want   Action
	}{
		{policy: models.FocusPolicyIgnore, want: ActionNone},
		{policy: "", want: ActionNone},
		{policy: models.FocusPolicyAutosubmitQuestion, want: ActionAutosubmitQuestion},
		{policy: models.FocusPolicyAutosubmitAndEnd, want: ActionAutosubmitAndEnd},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			m := NewMonitor(tt.policy, models.AttemptKindExam, 0, DefaultConfig(), clockwork.NewFakeClock())
			d := m.Observe(SignalVisibilityHidden)
			if d.Action != tt.want {
				t.Fatalf("action: want=%s got=%s", tt.want, d.Action)
			}
			if !d.Counted || d.Losses != 1 {
				t.Fatalf("unexpected decision %+v", d)
			}
		})
	}
}

func TestObserveDebouncesPairedSignals(t *testing.T) {
	clk := clockwork.NewFakeClock()
	m := NewMonitor(models.FocusPolicyAutosubmitQuestion, models.AttemptKindExam, 2, DefaultConfig(), clk)

	first := m.Observe(SignalVisibilityHidden)
	second := m.Observe(SignalWindowBlur)
	if !first.Counted || second.Counted {
		t.Fatalf("want only first counted: first=%+v second=%+v", first, second)
	}
	if second.Action != ActionNone {
		t.Fatalf("folded signal should not act, got %s", second.Action)
	}

	clk.Advance(time.Second)
	third := m.Observe(SignalWindowBlur)
	if !third.Counted || third.Losses != 4 {
		t.Fatalf("third: %+v", third)
	}
}

func TestRouteChangeIsNotDebounced(t *testing.T) {
	m := NewMonitor(models.FocusPolicyAutosubmitQuestion, models.AttemptKindExam, 0, DefaultConfig(), clockwork.NewFakeClock())
	m.Observe(SignalWindowBlur)
	d := m.Observe(SignalRouteChange)
	if !d.Counted || d.Action != ActionAutosubmitQuestion {
		t.Fatalf("route change: %+v", d)
	}
}

func TestPracticeIsPermissive(t *testing.T) {
	m := NewMonitor(models.FocusPolicyAutosubmitAndEnd, models.AttemptKindPractice, 0, DefaultConfig(), clockwork.NewFakeClock())
	d := m.Observe(SignalVisibilityHidden)
	if d.Action != ActionNone || d.Counted {
		t.Fatalf("practice decision: %+v", d)
	}
	if m.Losses() != 0 {
		t.Fatalf("losses: want=0 got=%d", m.Losses())
	}
}
