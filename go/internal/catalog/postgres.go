package catalog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mcdev12/examengine/go/internal/models"
)

// PostgresSource reads modules and questions from exam_modules and exam_questions.
// Module settings live in a jsonb column shaped like models.Module.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

//go:embed schema.sql
var schemaSQL string

// Migrate creates the catalog tables if they do not exist.
func (s *PostgresSource) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate catalog tables: %w", err)
	}
	return nil
}

func (s *PostgresSource) GetModule(ctx context.Context, moduleID string) (*models.Module, error) {
	var settings []byte
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM exam_modules WHERE id = $1`, moduleID).Scan(&settings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
		}
		return nil, fmt.Errorf("failed to get module: %w", err)
	}

	var m models.Module
	if err := json.Unmarshal(settings, &m); err != nil {
		return nil, fmt.Errorf("failed to decode module settings: %w", err)
	}
	m.ID = moduleID
	return &m, nil
}

// GetQuestionsByIDs returns questions in the order of ids.
func (s *PostgresSource) GetQuestionsByIDs(ctx context.Context, ids []string) ([]models.Question, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, body FROM exam_questions WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to get questions: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Question, len(ids))
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		var q models.Question
		if err := json.Unmarshal(body, &q); err != nil {
			return nil, fmt.Errorf("failed to decode question %s: %w", id, err)
		}
		q.ID = id
		byID[id] = q
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate questions: %w", err)
	}

	out := make([]models.Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := byID[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *PostgresSource) SetModuleLocked(ctx context.Context, moduleID, userID string, locked bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exam_module_locks (module_id, user_id, locked, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (module_id, user_id)
		DO UPDATE SET locked = EXCLUDED.locked, updated_at = now()`,
		moduleID, userID, locked,
	)
	if err != nil {
		return fmt.Errorf("failed to set module lock: %w", err)
	}
	return nil
}

func (s *PostgresSource) ModuleLocked(ctx context.Context, moduleID, userID string) (bool, error) {
	var locked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT locked FROM exam_module_locks WHERE module_id = $1 AND user_id = $2`,
		moduleID, userID,
	).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read module lock: %w", err)
	}
	return locked, nil
}
