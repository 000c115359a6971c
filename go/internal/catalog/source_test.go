package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/mcdev12/examengine/go/internal/models"
)

func TestMemorySourceKeepsRequestedOrder(t *testing.T) {
	s := NewMemorySource()
	s.PutModule(models.Module{ID: "m1", QuestionIDs: []string{"q1", "q2", "q3"}},
		models.Question{ID: "q1"}, models.Question{ID: "q2"}, models.Question{ID: "q3"})

	qs, err := s.GetQuestionsByIDs(context.Background(), []string{"q3", "missing", "q1"})
	if err != nil {
		t.Fatalf("get questions: %v", err)
	}
	if len(qs) != 2 || qs[0].ID != "q3" || qs[1].ID != "q1" {
		t.Fatalf("unexpected questions %+v", qs)
	}
}

func TestMemorySourceModuleCopies(t *testing.T) {
	s := NewMemorySource()
	s.PutModule(models.Module{ID: "m1", QuestionIDs: []string{"q1"}})

	m, err := s.GetModule(context.Background(), "m1")
	if err != nil {
		t.Fatalf("get module: %v", err)
	}
	m.QuestionIDs[0] = "changed"

	again, _ := s.GetModule(context.Background(), "m1")
	if again.QuestionIDs[0] != "q1" {
		t.Fatalf("module question ids shared with caller")
	}

	if _, err := s.GetModule(context.Background(), "nope"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("want ErrModuleNotFound, got %v", err)
	}
}

func TestModuleLockIsPerLearner(t *testing.T) {
	s := NewMemorySource()
	ctx := context.Background()
	_ = s.SetModuleLocked(ctx, "m1", "u1", true)

	tests := []struct {
		name   string
		user   string
		locked bool
		want   bool
	}{
		{name: "locked learner", user: "u1", locked: true, want: true},
		{name: "other learner", user: "u2", locked: true, want: false},
		{name: "unlocked again", user: "u1", locked: false, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.locked {
				_ = s.SetModuleLocked(ctx, "m1", tt.user, false)
			}
			got, err := s.ModuleLocked(ctx, "m1", tt.user)
			if err != nil {
				t.Fatalf("ModuleLocked: %v", err)
			}
			if got != tt.want {
				t.Fatalf("want locked=%v, got %v", tt.want, got)
			}
		})
	}
}
