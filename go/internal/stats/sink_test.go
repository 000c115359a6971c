package stats

import (
	"context"
	"testing"
	"time"
)

func TestMemorySinkAccumulatesPerDay(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	morning := time.Date(2026, 9, 3, 8, 0, 0, 0, time.UTC)

	rec := DailyStats{UserID: "u1", ModuleID: "m1", Day: morning, Attempts: 1, QuestionsTotal: 2, QuestionsAnswered: 1, QuestionsCorrect: 1, ScoreSum: 50, TimeSpent: time.Minute}
	_ = sink.RecordDailyStats(ctx, rec)
	rec.Day = morning.Add(10 * time.Hour)
	rec.ScoreSum = 100
	_ = sink.RecordDailyStats(ctx, rec)
	rec.Day = morning.Add(24 * time.Hour)
	_ = sink.RecordDailyStats(ctx, rec)

	got, ok := sink.Get(Key{UserID: "u1", ModuleID: "m1", Day: "2026-09-03"})
	if !ok {
		t.Fatalf("missing stats for day")
	}
	if got.Attempts != 2 || got.ScoreSum != 150 || got.TimeSpent != 2*time.Minute {
		t.Fatalf("unexpected aggregate %+v", got)
	}
	if _, ok := sink.Get(Key{UserID: "u1", ModuleID: "m1", Day: "2026-09-04"}); !ok {
		t.Fatalf("next day should be tracked separately")
	}
}
