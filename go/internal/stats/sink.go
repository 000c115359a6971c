// Package stats records per-day learner statistics after finalization.
package stats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DailyStats is one finalized attempt's contribution to a learner's day.
type DailyStats struct {
	UserID            string
	ModuleID          string
	Day               time.Time
	Attempts          int
	QuestionsTotal    int
	QuestionsAnswered int
	QuestionsCorrect  int
	ScoreSum          float64
	TimeSpent         time.Duration
}

// Key groups stats by learner, module and UTC day.
type Key struct {
	UserID   string
	ModuleID string
	Day      string
}

func KeyOf(s DailyStats) Key {
	return Key{UserID: s.UserID, ModuleID: s.ModuleID, Day: s.Day.UTC().Format(time.DateOnly)}
}

// Sink accumulates DailyStats.
type Sink interface {
	RecordDailyStats(ctx context.Context, s DailyStats) error
}

// MemorySink sums stats in process.
type MemorySink struct {
	mu   sync.Mutex
	days map[Key]DailyStats
}

func NewMemorySink() *MemorySink {
	return &MemorySink{days: make(map[Key]DailyStats)}
}

func (m *MemorySink) RecordDailyStats(_ context.Context, s DailyStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := KeyOf(s)
	cur := m.days[k]
	cur.UserID, cur.ModuleID = s.UserID, s.ModuleID
	cur.Day = s.Day.UTC().Truncate(24 * time.Hour)
	cur.Attempts += s.Attempts
	cur.QuestionsTotal += s.QuestionsTotal
	cur.QuestionsAnswered += s.QuestionsAnswered
	cur.QuestionsCorrect += s.QuestionsCorrect
	cur.ScoreSum += s.ScoreSum
	cur.TimeSpent += s.TimeSpent
	m.days[k] = cur
	return nil
}

// Get returns the accumulated stats for k.
func (m *MemorySink) Get(k Key) (DailyStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.days[k]
	return s, ok
}

// PostgresSink upserts into learner_daily_stats through a pgx pool.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

const createDailyStats = `
CREATE TABLE IF NOT EXISTS learner_daily_stats (
    user_id            TEXT             NOT NULL,
    module_id          TEXT             NOT NULL,
    day                DATE             NOT NULL,
    attempts           INTEGER          NOT NULL DEFAULT 0,
    questions_total    INTEGER          NOT NULL DEFAULT 0,
    questions_answered INTEGER          NOT NULL DEFAULT 0,
    questions_correct  INTEGER          NOT NULL DEFAULT 0,
    score_sum          DOUBLE PRECISION NOT NULL DEFAULT 0,
    time_spent_ms      BIGINT           NOT NULL DEFAULT 0,
    PRIMARY KEY (user_id, module_id, day)
)`

func (p *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, createDailyStats); err != nil {
		return fmt.Errorf("failed to migrate learner_daily_stats: %w", err)
	}
	return nil
}

func (p *PostgresSink) RecordDailyStats(ctx context.Context, s DailyStats) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO learner_daily_stats (
			user_id, module_id, day, attempts, questions_total, questions_answered,
			questions_correct, score_sum, time_spent_ms
		) VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, module_id, day) DO UPDATE SET
			attempts = learner_daily_stats.attempts + EXCLUDED.attempts,
			questions_total = learner_daily_stats.questions_total + EXCLUDED.questions_total,
			questions_answered = learner_daily_stats.questions_answered + EXCLUDED.questions_answered,
			questions_correct = learner_daily_stats.questions_correct + EXCLUDED.questions_correct,
			score_sum = learner_daily_stats.score_sum + EXCLUDED.score_sum,
			time_spent_ms = learner_daily_stats.time_spent_ms + EXCLUDED.time_spent_ms`,
		s.UserID, s.ModuleID, s.Day.UTC().Format(time.DateOnly), s.Attempts, s.QuestionsTotal,
		s.QuestionsAnswered, s.QuestionsCorrect, s.ScoreSum, s.TimeSpent.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record daily stats: %w", err)
	}
	return nil
}
