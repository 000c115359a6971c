package outbox

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/sqlutil"
)

// NotifyChannel is the Postgres channel new outbox rows are announced on.
const NotifyChannel = "exam_outbox_events"

var ErrEventNotFound = errors.New("outbox event not found")

//go:embed schema.sql
var schemaSQL string

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate exam_outbox: %w", err)
	}
	return nil
}

// Insert stores the event and notifies listeners in the same transaction.
func (r *PostgresRepository) Insert(ctx context.Context, attemptID uuid.UUID, eventType string, payload []byte) (uuid.UUID, error) {
	id := uuid.New()
	err := sqlutil.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO exam_outbox (id, attempt_id, event_type, payload) VALUES ($1, $2, $3, $4)`,
			id, attemptID, eventType, payload,
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, id.String())
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert %s outbox event: %w", eventType, err)
	}
	return id, nil
}

func (r *PostgresRepository) FetchUnsent(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, attempt_id, event_type, payload, created_at, sent_at
		FROM exam_outbox
		WHERE sent_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox events: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE exam_outbox SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`, id,
	); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

// FetchByID returns an unsent event.
func (r *PostgresRepository) FetchByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, attempt_id, event_type, payload, created_at, sent_at
		FROM exam_outbox
		WHERE id = $1 AND sent_at IS NULL`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to fetch outbox event by ID: %w", err)
	}
	return ev, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*OutboxEvent, error) {
	var (
		ev      OutboxEvent
		payload []byte
		sentAt  sql.NullTime
	)
	if err := s.Scan(&ev.ID, &ev.AttemptID, &ev.EventType, &payload, &ev.CreatedAt, &sentAt); err != nil {
		return nil, err
	}
	ev.Payload = payload
	ev.SentAt = sqlutil.FromSqlTime(sentAt)
	return &ev, nil
}

// MemoryRepository is an in-process Repository. Inserted IDs are pushed on
// Notify so a Relay can pick them up the same way it would a pg notification.
type MemoryRepository struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	events map[uuid.UUID]*OutboxEvent
	order  []uuid.UUID
	Notify chan string
}

func NewMemoryRepository(clock clockwork.Clock) *MemoryRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRepository{
		clock:  clock,
		events: make(map[uuid.UUID]*OutboxEvent),
		Notify: make(chan string, 256),
	}
}

func (m *MemoryRepository) Insert(_ context.Context, attemptID uuid.UUID, eventType string, payload []byte) (uuid.UUID, error) {
	m.mu.Lock()
	id := uuid.New()
	m.events[id] = &OutboxEvent{
		ID:        id,
		AttemptID: attemptID,
		EventType: eventType,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: m.clock.Now().UTC(),
	}
	m.order = append(m.order, id)
	m.mu.Unlock()

	select {
	case m.Notify <- id.String():
	default:
	}
	return id, nil
}

func (m *MemoryRepository) FetchUnsent(_ context.Context, limit int32) ([]OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OutboxEvent
	for _, id := range m.order {
		if int32(len(out)) >= limit {
			break
		}
		if ev := m.events[id]; ev.SentAt == nil {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *MemoryRepository) MarkSent(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if ev.SentAt == nil {
		now := m.clock.Now().UTC()
		ev.SentAt = &now
	}
	return nil
}

func (m *MemoryRepository) FetchByID(_ context.Context, id uuid.UUID) (*OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok || ev.SentAt != nil {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

// All returns every stored event, sent or not, oldest first.
func (m *MemoryRepository) All() []OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboxEvent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.events[id])
	}
	return out
}
