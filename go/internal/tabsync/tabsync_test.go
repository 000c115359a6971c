package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/examengine/go/internal/models"
)

func TestEndpointFiltersByAttemptAndOrigin(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	attemptID := uuid.New()

	var gotA, gotB []Message
	a := Join(ctx, bus, attemptID, "tab-a", func(m Message) { gotA = append(gotA, m) })
	b := Join(ctx, bus, attemptID, "tab-b", func(m Message) { gotB = append(gotB, m) })
	other := Join(ctx, bus, uuid.New(), "tab-c", func(m Message) {
		t.Fatalf("message leaked to another attempt: %+v", m)
	})
	defer a.Leave()
	defer b.Leave()
	defer other.Leave()

	a.Publish(ctx, NewFinalGraceTrigger(attemptID, "", time.Now()))

	if len(gotA) != 0 {
		t.Fatalf("publisher should not receive its own message")
	}
	if len(gotB) != 1 {
		t.Fatalf("peer messages: want=1 got=%d", len(gotB))
	}
	if gotB[0].Type != MessageFinalGraceTrigger || gotB[0].OriginTab != "tab-a" {
		t.Fatalf("unexpected message %+v", gotB[0])
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()
	attemptID := uuid.New()

	count := 0
	b := Join(ctx, bus, attemptID, "tab-b", func(Message) { count++ })
	a := Join(ctx, bus, attemptID, "tab-a", func(Message) {})

	a.Publish(ctx, NewFinalGraceTrigger(attemptID, "", time.Now()))
	b.Leave()
	a.Publish(ctx, NewFinalGraceTrigger(attemptID, "", time.Now()))

	if count != 1 {
		t.Fatalf("deliveries: want=1 got=%d", count)
	}
}

type brokenChannel struct{}

func (brokenChannel) Publish(context.Context, Message) error { return errors.New("unsupported") }
func (brokenChannel) Subscribe(context.Context, Handler) (func(), error) {
	return nil, errors.New("unsupported")
}
func (brokenChannel) Close() error { return nil }

func TestBrokenChannelDegradesToSingleTab(t *testing.T) {
	e := Join(context.Background(), brokenChannel{}, uuid.New(), "tab-a", func(Message) {})
	if !e.SingleTab() {
		t.Fatalf("expected single-tab mode")
	}
	// must not panic or return an error
	e.Publish(context.Background(), Message{Type: MessageAttemptFinalized})
	e.Leave()

	var nilEndpoint *Endpoint
	nilEndpoint.Publish(context.Background(), Message{})
	if !Join(context.Background(), nil, uuid.New(), "tab-a", func(Message) {}).SingleTab() {
		t.Fatalf("nil channel should be single-tab")
	}
}

func TestAttemptFinalizedWireFormat(t *testing.T) {
	id := uuid.MustParse("0b7d7d5e-6a43-4f0d-8f11-1f0f9c7a2e10")
	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	msg := NewAttemptFinalized(id, "tab-a", models.ReasonUserSubmit, ResultSummary{Score: 50, Answered: 1, Total: 2}, at)

	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if raw["type"] != "ATTEMPT_FINALIZED" {
		t.Fatalf("type: got %v", raw["type"])
	}
	if raw["attempt_id"] != id.String() {
		t.Fatalf("attempt_id: got %v", raw["attempt_id"])
	}
	if raw["finalization_reason"] != "user-submit" {
		t.Fatalf("finalization_reason: got %v", raw["finalization_reason"])
	}
	summary, ok := raw["result_summary"].(map[string]any)
	if !ok || summary["score"] != float64(50) {
		t.Fatalf("result_summary: got %v", raw["result_summary"])
	}
}

func TestClosedMemoryBusRejects(t *testing.T) {
	bus := NewMemoryBus()
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(context.Background(), Message{}); err == nil {
		t.Fatalf("publish on closed bus should fail")
	}
	if _, err := bus.Subscribe(context.Background(), func(Message) {}); err == nil {
		t.Fatalf("subscribe on closed bus should fail")
	}
}
