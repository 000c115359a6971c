package attempt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/models"
)

var t0 = time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)

func newAttempt(moduleID, userID string, startedAt time.Time) *models.Attempt {
	return &models.Attempt{
		ID:            uuid.New(),
		ModuleID:      moduleID,
		UserID:        userID,
		Kind:          models.AttemptKindExam,
		StartedAt:     startedAt,
		QuestionOrder: []string{"q1", "q2"},
		Answers:       map[string]models.AnswerValue{},
	}
}

func TestConcurrentFinalizeSucceedsOnce(t *testing.T) {
	s := NewMemoryStore(clockwork.NewFakeClockAt(t0))
	ctx := context.Background()
	a := newAttempt("m1", "u1", t0)
	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Finalize(ctx, a.ID, models.FinalizeFields{Score: float64(i), EndedAt: t0, Reason: models.ReasonTimeExpired})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyFinalized):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || conflicts != writers-1 {
		t.Fatalf("want 1 success and %d conflicts, got %d and %d", writers-1, successes, conflicts)
	}
	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Finalized || !got.Completed {
		t.Fatalf("finalized attempt must be completed: %+v", got)
	}
}

func TestUpdateFieldsRejectedAfterFinalize(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	a := newAttempt("m1", "u1", t0)
	_ = s.Create(ctx, a)

	if err := s.UpdateFields(ctx, a.ID, models.AttemptFields{Answers: map[string]models.AnswerValue{"q1": models.TextAnswer("A")}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Finalize(ctx, a.ID, models.FinalizeFields{EndedAt: t0}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	err := s.UpdateFields(ctx, a.ID, models.AttemptFields{Answers: map[string]models.AnswerValue{"q2": models.TextAnswer("B")}})
	if !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("want ErrAlreadyFinalized, got %v", err)
	}
	got, _ := s.Get(ctx, a.ID)
	if len(got.Answers) != 1 {
		t.Fatalf("answers changed after finalization: %v", got.Answers)
	}
}

func TestReadsReturnCopies(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()
	a := newAttempt("m1", "u1", t0)
	_ = s.Create(ctx, a)

	got, _ := s.Get(ctx, a.ID)
	got.Answers["q1"] = models.TextAnswer("tampered")
	a.QuestionOrder[0] = "tampered"

	again, _ := s.Get(ctx, a.ID)
	if _, ok := again.Answers["q1"]; ok {
		t.Fatalf("store shares answers map with callers")
	}
	if again.QuestionOrder[0] != "q1" {
		t.Fatalf("store shares question order with caller of Create")
	}
}

func TestLatestAndListIncomplete(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	older := newAttempt("m1", "u1", t0)
	newer := newAttempt("m1", "u1", t0.Add(time.Hour))
	otherUser := newAttempt("m1", "u2", t0)
	otherModule := newAttempt("m2", "u1", t0)
	done := newAttempt("m1", "u1", t0.Add(-time.Hour))
	for _, a := range []*models.Attempt{older, newer, otherUser, otherModule, done} {
		if err := s.Create(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	_ = s.Finalize(ctx, done.ID, models.FinalizeFields{EndedAt: t0})

	latest, err := s.LatestIncomplete(ctx, "m1", "u1")
	if err != nil || latest.ID != newer.ID {
		t.Fatalf("latest incomplete: want %s got %v (%v)", newer.ID, latest, err)
	}
	fin, err := s.LatestFinalized(ctx, "m1", "u1")
	if err != nil || fin.ID != done.ID {
		t.Fatalf("latest finalized: want %s got %v (%v)", done.ID, fin, err)
	}
	if _, err := s.LatestFinalized(ctx, "m1", "u2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	mine, _ := s.ListIncomplete(ctx, "m1", "u1")
	if len(mine) != 2 {
		t.Fatalf("incomplete for u1: want=2 got=%d", len(mine))
	}
	all, _ := s.ListIncomplete(ctx, "m1", "")
	if len(all) != 3 {
		t.Fatalf("incomplete for all users: want=3 got=%d", len(all))
	}

	if err := s.Delete(ctx, older.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, older.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}
