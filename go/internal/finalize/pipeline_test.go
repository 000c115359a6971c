package finalize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/attempt"
	"github.com/mcdev12/examengine/go/internal/catalog"
	"github.com/mcdev12/examengine/go/internal/events"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/mcdev12/examengine/go/internal/outbox"
	"github.com/mcdev12/examengine/go/internal/retry"
	"github.com/mcdev12/examengine/go/internal/scoring"
	"github.com/mcdev12/examengine/go/internal/stats"
	"github.com/mcdev12/examengine/go/internal/tabsync"
)

var t0 = time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *clockwork.FakeClock
	store   *attempt.MemoryStore
	catalog *catalog.MemorySource
	stats   *stats.MemorySink
	outbox  *outbox.MemoryRepository
	module  models.Module
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clockwork.NewFakeClockAt(t0),
		catalog: catalog.NewMemorySource(),
		stats:   stats.NewMemorySink(),
	}
	f.store = attempt.NewMemoryStore(f.clock)
	f.outbox = outbox.NewMemoryRepository(f.clock)
	f.module = models.Module{
		ID:          "m1",
		Kind:        models.AttemptKindExam,
		QuestionIDs: []string{"q1", "q2"},
		DurationSec: 600,
	}
	f.catalog.PutModule(f.module,
		models.Question{ID: "q1", Type: models.QuestionTypeMCQ, CorrectAnswers: []string{"A"}},
		models.Question{ID: "q2", Type: models.QuestionTypeMCQ, CorrectAnswers: []string{"B"}},
	)
	return f
}

func (f *fixture) pipeline() *Pipeline {
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{Attempts: 3, Clock: f.clock}
	return New(Deps{
		Store:   f.store,
		Catalog: f.catalog,
		Stats:   f.stats,
		Outbox:  outbox.NewApp(f.outbox),
		Clock:   f.clock,
	}, cfg)
}

func (f *fixture) createAttempt(t *testing.T) *models.Attempt {
	t.Helper()
	a := &models.Attempt{
		ID:            uuid.New(),
		ModuleID:      "m1",
		UserID:        "u1",
		Kind:          models.AttemptKindExam,
		StartedAt:     f.clock.Now().UTC(),
		QuestionOrder: []string{"q1", "q2"},
		Answers:       map[string]models.AnswerValue{},
	}
	if err := f.store.Create(context.Background(), a); err != nil {
		t.Fatalf("create attempt: %v", err)
	}
	return a
}

func TestFinalizeScoresMeanOverQuestions(t *testing.T) {
	f := newFixture(t)
	a := f.createAttempt(t)
	f.clock.Advance(time.Minute)

	out, err := f.pipeline().Finalize(context.Background(), Request{
		AttemptID: a.ID,
		Reason:    models.ReasonUserSubmit,
		Answers:   map[string]models.AnswerValue{"q1": models.TextAnswer("A")},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Attempt.Score != 50 {
		t.Fatalf("score: want=50 got=%v", out.Attempt.Score)
	}

	stored, _ := f.store.Get(context.Background(), a.ID)
	if !stored.Finalized || !stored.Completed {
		t.Fatalf("stored attempt not finalized: %+v", stored)
	}
	recs := stored.PerQuestionAttempts
	if len(recs) != 2 {
		t.Fatalf("records: want=2 got=%d", len(recs))
	}
	if recs[0].Status != models.QuestionAttempted {
		t.Fatalf("q1 status: want=%s got=%s", models.QuestionAttempted, recs[0].Status)
	}
	if recs[1].Status != models.QuestionUnattempted || recs[1].ScorePercent != 0 {
		t.Fatalf("q2 record: %+v", recs[1])
	}
	if stored.DurationMS != time.Minute.Milliseconds() {
		t.Fatalf("duration: want=%d got=%d", time.Minute.Milliseconds(), stored.DurationMS)
	}
	if out.Summary.Answered != 1 || out.Summary.Total != 2 {
		t.Fatalf("summary: %+v", out.Summary)
	}
}

func TestConcurrentFinalizeWritesOnce(t *testing.T) {
	f := newFixture(t)
	a := f.createAttempt(t)
	f.clock.Advance(time.Minute)

	// separate pipelines stand in for separate processes
	pipelines := []*Pipeline{f.pipeline(), f.pipeline(), f.pipeline(), f.pipeline()}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		scores   []float64
		finalize = func(p *Pipeline, reason models.FinalizationReason, answer string) {
			defer wg.Done()
			out, err := p.Finalize(context.Background(), Request{
				AttemptID: a.ID,
				Reason:    reason,
				Answers:   map[string]models.AnswerValue{"q1": models.TextAnswer(answer)},
			})
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if !out.AlreadyFinalized {
				fresh++
			}
			scores = append(scores, out.Attempt.Score)
		}
	)
	for i, p := range pipelines {
		wg.Add(1)
		reason := models.ReasonTimeExpired
		if i%2 == 0 {
			reason = models.ReasonUserSubmit
		}
		go finalize(p, reason, "A")
	}
	wg.Wait()

	if fresh != 1 {
		t.Fatalf("fresh finalizations: want=1 got=%d", fresh)
	}
	for _, s := range scores {
		if s != scores[0] {
			t.Fatalf("inconsistent scores %v", scores)
		}
	}

	finalized := 0
	for _, ev := range f.outbox.All() {
		if ev.EventType == events.EventTypeAttemptFinalized {
			finalized++
		}
	}
	if finalized != 1 {
		t.Fatalf("finalized facts: want=1 got=%d", finalized)
	}
}

func TestFinalizeSameProcessSharesRun(t *testing.T) {
	f := newFixture(t)
	a := f.createAttempt(t)
	f.clock.Advance(time.Minute)
	p := f.pipeline()

	var wg sync.WaitGroup
	results := make([]*Outcome, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = p.Finalize(context.Background(), Request{AttemptID: a.ID, Reason: models.ReasonTimeExpired})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if r == nil || !r.Attempt.Finalized {
			t.Fatalf("result %d not finalized: %+v", i, r)
		}
	}
	stored, _ := f.store.Get(context.Background(), a.ID)
	if stored.FinalizationReason != models.ReasonTimeExpired {
		t.Fatalf("reason: want=%s got=%s", models.ReasonTimeExpired, stored.FinalizationReason)
	}
}

func TestFinalizeShortCircuitsWhenAlreadyFinalized(t *testing.T) {
	f := newFixture(t)
	a := f.createAttempt(t)
	f.clock.Advance(time.Minute)
	p := f.pipeline()

	first, err := p.Finalize(context.Background(), Request{
		AttemptID: a.ID,
		Reason:    models.ReasonUserSubmit,
		Answers:   map[string]models.AnswerValue{"q1": models.TextAnswer("A"), "q2": models.TextAnswer("B")},
	})
	if err != nil {
		t.Fatalf("first finalize: %v", err)
	}

	var called *models.Attempt
	second, err := p.Finalize(context.Background(), Request{
		AttemptID:   a.ID,
		Reason:      models.ReasonTimeExpired,
		Answers:     map[string]models.AnswerValue{"q1": models.TextAnswer("wrong")},
		OnFinalized: func(a *models.Attempt) { called = a },
	})
	if err != nil {
		t.Fatalf("second finalize: %v", err)
	}
	if !second.AlreadyFinalized {
		t.Fatalf("expected short-circuit")
	}
	if second.Attempt.Score != first.Attempt.Score || second.Attempt.Score != 100 {
		t.Fatalf("score changed: first=%v second=%v", first.Attempt.Score, second.Attempt.Score)
	}
	if called == nil || called.FinalizationReason != models.ReasonUserSubmit {
		t.Fatalf("OnFinalized should see stored reason, got %+v", called)
	}
}

func TestEarlyGuardRejectsAutomaticReasons(t *testing.T) {
	tests := []struct {
		name    string
		reason  models.FinalizationReason
		after   time.Duration
		wantErr error
	}{
		{name: "time expired right away", reason: models.ReasonTimeExpired, after: time.Second, wantErr: ErrTooEarly},
		{name: "focus loss right away", reason: models.ReasonFocusLoss, after: 2 * time.Second, wantErr: ErrTooEarly},
		{name: "user submit right away", reason: models.ReasonUserSubmit, after: time.Second},
		{name: "time expired after guard", reason: models.ReasonTimeExpired, after: 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.createAttempt(t)
			f.clock.Advance(tt.after)

			_, err := f.pipeline().Finalize(context.Background(), Request{AttemptID: a.ID, Reason: tt.reason})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("want=%v got=%v", tt.wantErr, err)
			}
			stored, _ := f.store.Get(context.Background(), a.ID)
			if stored.Finalized != (tt.wantErr == nil) {
				t.Fatalf("finalized: want=%v got=%v", tt.wantErr == nil, stored.Finalized)
			}
		})
	}
}

type failingStore struct {
	*attempt.MemoryStore
	finalizeErr error
}

func (s *failingStore) Finalize(context.Context, uuid.UUID, models.FinalizeFields) error {
	return s.finalizeErr
}

type recorder struct {
	mu     sync.Mutex
	stages []string
}

func (r *recorder) RecordFinalization(string, time.Duration) {}
func (r *recorder) RecordDegraded(stage string) {
	r.mu.Lock()
	r.stages = append(r.stages, stage)
	r.mu.Unlock()
}

func TestDegradedFinalizationStillCompletes(t *testing.T) {
	f := newFixture(t)
	a := f.createAttempt(t)
	f.clock.Advance(time.Minute)

	rec := &recorder{}
	p := New(Deps{
		Store:   &failingStore{MemoryStore: f.store, finalizeErr: errors.New("connection reset")},
		Catalog: f.catalog,
		Outbox:  outbox.NewApp(f.outbox),
		Metrics: rec,
		Clock:   f.clock,
	}, Config{Retry: retry.Policy{Attempts: 2, Clock: f.clock}})

	var local *models.Attempt
	out, err := p.Finalize(context.Background(), Request{
		AttemptID:   a.ID,
		Reason:      models.ReasonUserSubmit,
		Answers:     map[string]models.AnswerValue{"q1": models.TextAnswer("A")},
		OnFinalized: func(a *models.Attempt) { local = a },
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !out.Degraded {
		t.Fatalf("expected degraded outcome")
	}
	if local == nil || !local.Completed {
		t.Fatalf("local state should reach completed, got %+v", local)
	}
	if len(rec.stages) != 1 || rec.stages[0] != StageWrite {
		t.Fatalf("degraded stages: want=[%s] got=%v", StageWrite, rec.stages)
	}

	var degraded int
	for _, ev := range f.outbox.All() {
		if ev.EventType == events.EventTypeFinalizationDegraded {
			degraded++
		}
	}
	if degraded != 1 {
		t.Fatalf("degraded facts: want=1 got=%d", degraded)
	}
}

type captureBroadcast struct {
	mu   sync.Mutex
	msgs []tabsync.Message
}

func (c *captureBroadcast) Publish(_ context.Context, msg tabsync.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func TestSideEffects(t *testing.T) {
	tests := []struct {
		name       string
		review     bool
		wantLocked bool
	}{
		{name: "no review locks module", review: false, wantLocked: true},
		{name: "review keeps module open", review: true, wantLocked: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			mod := f.module
			mod.ReviewEnabled = tt.review
			mod.ReviewDurationSec = 600
			a := f.createAttempt(t)
			f.clock.Advance(time.Minute)
			bc := &captureBroadcast{}

			_, err := f.pipeline().Finalize(context.Background(), Request{
				AttemptID: a.ID,
				Reason:    models.ReasonUserSubmit,
				TabID:     "tab-1",
				Module:    &mod,
				Answers:   map[string]models.AnswerValue{"q2": models.TextAnswer("B")},
				Broadcast: bc,
			})
			if err != nil {
				t.Fatalf("finalize: %v", err)
			}

			if got, _ := f.catalog.ModuleLocked(context.Background(), "m1", "u1"); got != tt.wantLocked {
				t.Fatalf("locked: want=%v got=%v", tt.wantLocked, got)
			}
			if len(bc.msgs) != 1 || bc.msgs[0].Type != tabsync.MessageAttemptFinalized {
				t.Fatalf("broadcast: %+v", bc.msgs)
			}
			if bc.msgs[0].ResultSummary.Score != 50 {
				t.Fatalf("broadcast score: want=50 got=%v", bc.msgs[0].ResultSummary.Score)
			}
			day, ok := f.stats.Get(stats.Key{UserID: "u1", ModuleID: "m1", Day: "2026-09-01"})
			if !ok || day.Attempts != 1 || day.QuestionsCorrect != 1 {
				t.Fatalf("daily stats: %+v", day)
			}
		})
	}
}

func TestBuildRecordsAutoSubmittedIsUnattempted(t *testing.T) {
	a := &models.Attempt{
		Answers:       map[string]models.AnswerValue{"q1": models.TextAnswer("A")},
		AutoSubmitted: map[string]bool{"q1": true},
	}
	qs := []models.Question{{ID: "q1", Type: models.QuestionTypeMCQ, CorrectAnswers: []string{"A"}}}

	recs, score := BuildRecords([]string{"q1"}, qs, a, scoring.NewDefaultEvaluator())
	if recs[0].Status != models.QuestionUnattempted || !recs[0].Autosubmitted {
		t.Fatalf("record: %+v", recs[0])
	}
	if score != 0 {
		t.Fatalf("score: want=0 got=%v", score)
	}
}
