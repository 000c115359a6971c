package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/events"
)

type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []OutboxEvent
}

func (p *flakyPublisher) Publish(_ context.Context, ev OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, ev)
	return nil
}

func newTestRelay(pub Publisher) (*Relay, *MemoryRepository, *App) {
	repo := NewMemoryRepository(clockwork.NewFakeClock())
	app := NewApp(repo)
	cfg := DefaultRelayConfig()
	cfg.RetryDelay = 0
	cfg.MaxRetries = 2
	return NewRelay(app, NewMemoryNotifier(repo), pub, cfg, nil), repo, app
}

func TestInsertAttemptFinalizedEvent(t *testing.T) {
	_, repo, app := newTestRelay(&flakyPublisher{})
	attemptID := uuid.New()

	err := app.InsertAttemptFinalizedEvent(context.Background(), attemptID, events.AttemptFinalizedPayload{
		AttemptID: attemptID.String(),
		Reason:    "user-submit",
		Score:     50,
		Answered:  1,
		Total:     2,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	all := repo.All()
	if len(all) != 1 {
		t.Fatalf("want=1 got=%d events", len(all))
	}
	if all[0].EventType != events.EventTypeAttemptFinalized {
		t.Fatalf("event type: want=%s got=%s", events.EventTypeAttemptFinalized, all[0].EventType)
	}
	var p events.AttemptFinalizedPayload
	if err := json.Unmarshal(all[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Score != 50 || p.Reason != "user-submit" {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestProcessUnsentRetriesAndMarksSent(t *testing.T) {
	pub := &flakyPublisher{failures: 2}
	relay, repo, app := newTestRelay(pub)
	ctx := context.Background()

	_ = app.InsertFinalizationDegradedEvent(ctx, uuid.New(), events.FinalizationDegradedPayload{Stage: "persist"})

	n, err := relay.ProcessUnsent(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 1 {
		t.Fatalf("processed: want=1 got=%d", n)
	}
	if pub.calls != 3 {
		t.Fatalf("publish calls: want=3 got=%d", pub.calls)
	}
	if all := repo.All(); all[0].SentAt == nil {
		t.Fatalf("event not marked sent")
	}

	n, _ = relay.ProcessUnsent(ctx)
	if n != 0 {
		t.Fatalf("second sweep: want=0 got=%d", n)
	}
}

func TestProcessUnsentLeavesFailedEventForNextSweep(t *testing.T) {
	pub := &flakyPublisher{failures: 10}
	relay, repo, app := newTestRelay(pub)
	ctx := context.Background()

	_ = app.InsertAttemptFinalizedEvent(ctx, uuid.New(), events.AttemptFinalizedPayload{Reason: "time-expired"})

	n, err := relay.ProcessUnsent(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if n != 0 {
		t.Fatalf("processed: want=0 got=%d", n)
	}
	if all := repo.All(); all[0].SentAt != nil {
		t.Fatalf("failed event marked sent")
	}

	pub.mu.Lock()
	pub.failures = 0
	pub.mu.Unlock()
	if n, _ := relay.ProcessUnsent(ctx); n != 1 {
		t.Fatalf("retry sweep: want=1 got=%d", n)
	}
}

func TestRelayPublishesOnNotification(t *testing.T) {
	pub := NewLogPublisher()
	relay, _, app := newTestRelay(pub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- relay.Start(ctx) }()

	attemptID := uuid.New()
	_ = app.InsertAttemptFinalizedEvent(ctx, attemptID, events.AttemptFinalizedPayload{Reason: "focus-loss"})

	deadline := time.After(2 * time.Second)
	for len(pub.Sent()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for publish")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if got := pub.Sent()[0].AttemptID; got != attemptID {
		t.Fatalf("attempt: want=%s got=%s", attemptID, got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("relay stop: %v", err)
	}
}

func TestEnvelopeCarriesFactOwner(t *testing.T) {
	recorded := time.Date(2026, 9, 1, 9, 30, 0, 0, time.UTC)
	ev := OutboxEvent{
		ID:        uuid.New(),
		AttemptID: uuid.New(),
		EventType: events.EventTypeAttemptFinalized,
		Payload:   json.RawMessage(`{"module_id":"intro-quiz","user_id":"u1","score":100}`),
		CreatedAt: recorded,
	}
	env, err := NewEnvelope(ev)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.ModuleID != "intro-quiz" || env.UserID != "u1" {
		t.Fatalf("want owner intro-quiz/u1, got %s/%s", env.ModuleID, env.UserID)
	}
	if !env.Timestamp.Equal(recorded) {
		t.Fatalf("want timestamp %v, got %v", recorded, env.Timestamp)
	}

	ev.Payload = json.RawMessage(`not json`)
	if _, err := NewEnvelope(ev); err == nil {
		t.Fatal("want error for undecodable payload")
	}
}

func TestSubjectPerModuleAndKind(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{
			name: "finalized",
			env:  Envelope{EventType: events.EventTypeAttemptFinalized, ModuleID: "intro-quiz"},
			want: "exam.events.intro-quiz.finalized",
		},
		{
			name: "degraded",
			env:  Envelope{EventType: events.EventTypeFinalizationDegraded, ModuleID: "intro-quiz"},
			want: "exam.events.intro-quiz.degraded",
		},
		{
			name: "module id with subject separators",
			env:  Envelope{EventType: events.EventTypeAttemptFinalized, ModuleID: "course.1 > final*"},
			want: "exam.events.course_1___final_.finalized",
		},
		{
			name: "missing module and unknown type",
			env:  Envelope{EventType: "Custom.Fact"},
			want: "exam.events._.custom_fact",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Subject("exam.events", tt.env); got != tt.want {
				t.Fatalf("want %s, got %s", tt.want, got)
			}
		})
	}
}
