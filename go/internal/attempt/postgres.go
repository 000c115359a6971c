package attempt

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/examengine/go/internal/models"
	"github.com/mcdev12/examengine/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

//go:embed schema.sql
var schemaSQL string

const attemptColumns = `id, module_id, user_id, kind, started_at, question_order, answers,
	auto_submitted, question_times, per_question_attempts, current_question_index,
	timer_state, completed, finalized, ended_at, duration_ms, score, scheduled_start,
	scheduled_end, visibility_losses, finalization_reason, updated_at`

// PostgresStore keeps attempts in the exam_attempts table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate exam_attempts: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping attempt store: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) Create(ctx context.Context, a *models.Attempt) error {
	order, err := json.Marshal(a.QuestionOrder)
	if err != nil {
		return fmt.Errorf("failed to marshal question order: %w", err)
	}
	answers, err := sqlutil.JSONOrEmptyObject(a.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	auto, err := sqlutil.JSONOrEmptyObject(a.AutoSubmitted)
	if err != nil {
		return fmt.Errorf("failed to marshal auto-submitted set: %w", err)
	}
	times, err := sqlutil.JSONOrEmptyObject(a.QuestionTimes)
	if err != nil {
		return fmt.Errorf("failed to marshal question times: %w", err)
	}
	timer, err := sqlutil.ToNullJSON(a.TimerState)
	if err != nil {
		return fmt.Errorf("failed to marshal timer state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO exam_attempts (
			id, module_id, user_id, kind, started_at, question_order, answers,
			auto_submitted, question_times, current_question_index, timer_state,
			scheduled_start, scheduled_end, visibility_losses, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now())`,
		a.ID, a.ModuleID, a.UserID, string(a.Kind), a.StartedAt, order, answers,
		auto, times, a.CurrentQuestionIndex, timer,
		sqlutil.ToSqlTime(a.ScheduledStart), sqlutil.ToSqlTime(a.ScheduledEnd), a.VisibilityLosses,
	)
	if err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}
	return nil
}

// UpdateFields merges jsonb maps with || so answers only grow.
func (s *PostgresStore) UpdateFields(ctx context.Context, id uuid.UUID, f models.AttemptFields) error {
	answers, err := sqlutil.ToNullJSONMap(f.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}
	auto, err := sqlutil.ToNullJSONMap(trueOnly(f.AutoSubmitted))
	if err != nil {
		return fmt.Errorf("failed to marshal auto-submitted set: %w", err)
	}
	times, err := sqlutil.ToNullJSONMap(f.QuestionTimes)
	if err != nil {
		return fmt.Errorf("failed to marshal question times: %w", err)
	}
	var timer pqtype.NullRawMessage
	if f.TimerState != nil {
		if timer, err = sqlutil.ToNullJSON(*f.TimerState); err != nil {
			return fmt.Errorf("failed to marshal timer state: %w", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE exam_attempts SET
			answers = answers || COALESCE($2::jsonb, '{}'::jsonb),
			auto_submitted = auto_submitted || COALESCE($3::jsonb, '{}'::jsonb),
			question_times = question_times || COALESCE($4::jsonb, '{}'::jsonb),
			current_question_index = COALESCE($5, current_question_index),
			timer_state = COALESCE($6::jsonb, timer_state),
			visibility_losses = COALESCE($7, visibility_losses),
			updated_at = now()
		WHERE id = $1 AND finalized = false`,
		id, answers, auto, times, sqlutil.ToSqlInt32(f.CurrentQuestionIndex), timer, sqlutil.ToSqlInt32(f.VisibilityLosses),
	)
	if err != nil {
		return fmt.Errorf("failed to update attempt: %w", err)
	}
	return s.checkAffected(ctx, id, res)
}

// Finalize is guarded by finalized = false, so concurrent finalizers see
// exactly one success.
func (s *PostgresStore) Finalize(ctx context.Context, id uuid.UUID, f models.FinalizeFields) error {
	records, err := json.Marshal(f.PerQuestionAttempts)
	if err != nil {
		return fmt.Errorf("failed to marshal per-question records: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE exam_attempts SET
			per_question_attempts = $2,
			score = $3,
			ended_at = $4,
			duration_ms = $5,
			finalization_reason = $6,
			completed = true,
			finalized = true,
			updated_at = now()
		WHERE id = $1 AND finalized = false`,
		id, records, f.Score, f.EndedAt, f.DurationMS, sqlutil.ToSqlString(string(f.Reason)),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize attempt: %w", err)
	}
	return s.checkAffected(ctx, id, res)
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM exam_attempts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete attempt: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestFinalized(ctx context.Context, moduleID, userID string) (*models.Attempt, error) {
	return s.latest(ctx, moduleID, userID, true)
}

func (s *PostgresStore) LatestIncomplete(ctx context.Context, moduleID, userID string) (*models.Attempt, error) {
	return s.latest(ctx, moduleID, userID, false)
}

func (s *PostgresStore) ListIncomplete(ctx context.Context, moduleID, userID string) ([]*models.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+attemptColumns+` FROM exam_attempts
		WHERE module_id = $1 AND finalized = false AND ($2 = '' OR user_id = $2)
		ORDER BY started_at DESC`, moduleID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list incomplete attempts: %w", err)
	}
	defer rows.Close()

	var out []*models.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate attempts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) latest(ctx context.Context, moduleID, userID string, finalized bool) (*models.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+attemptColumns+` FROM exam_attempts
		WHERE module_id = $1 AND user_id = $2 AND finalized = $3
		ORDER BY started_at DESC
		LIMIT 1`, moduleID, userID, finalized)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) checkAffected(ctx context.Context, id uuid.UUID, res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var finalized bool
	err = s.db.QueryRowContext(ctx, `SELECT finalized FROM exam_attempts WHERE id = $1`, id).Scan(&finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check attempt state: %w", err)
	}
	return ErrAlreadyFinalized
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row scanner) (*models.Attempt, error) {
	var (
		a                                     models.Attempt
		kind                                  string
		order, answers, auto, times           []byte
		records, timer                        pqtype.NullRawMessage
		endedAt, scheduledStart, scheduledEnd sql.NullTime
		reason                                sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.ModuleID, &a.UserID, &kind, &a.StartedAt, &order, &answers,
		&auto, &times, &records, &a.CurrentQuestionIndex,
		&timer, &a.Completed, &a.Finalized, &endedAt, &a.DurationMS, &a.Score, &scheduledStart,
		&scheduledEnd, &a.VisibilityLosses, &reason, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Kind = models.AttemptKind(kind)
	a.EndedAt = sqlutil.FromSqlTime(endedAt)
	a.ScheduledStart = sqlutil.FromSqlTime(scheduledStart)
	a.ScheduledEnd = sqlutil.FromSqlTime(scheduledEnd)
	a.FinalizationReason = models.FinalizationReason(sqlutil.FromSqlString(reason, ""))

	if err := json.Unmarshal(order, &a.QuestionOrder); err != nil {
		return nil, fmt.Errorf("failed to decode question order: %w", err)
	}
	if err := json.Unmarshal(answers, &a.Answers); err != nil {
		return nil, fmt.Errorf("failed to decode answers: %w", err)
	}
	if err := json.Unmarshal(auto, &a.AutoSubmitted); err != nil {
		return nil, fmt.Errorf("failed to decode auto-submitted set: %w", err)
	}
	if err := json.Unmarshal(times, &a.QuestionTimes); err != nil {
		return nil, fmt.Errorf("failed to decode question times: %w", err)
	}
	if records.Valid {
		if err := json.Unmarshal(records.RawMessage, &a.PerQuestionAttempts); err != nil {
			return nil, fmt.Errorf("failed to decode per-question records: %w", err)
		}
	}
	if timer.Valid {
		if err := json.Unmarshal(timer.RawMessage, &a.TimerState); err != nil {
			return nil, fmt.Errorf("failed to decode timer state: %w", err)
		}
	}
	return &a, nil
}

func trueOnly(m map[string]bool) map[string]bool {
	if m == nil {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		if v {
			out[k] = true
		}
	}
	return out
}
