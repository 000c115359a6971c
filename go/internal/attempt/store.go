// Package attempt persists exam attempts. Finalize is the only path that sets
// finalized and it succeeds at most once per attempt.
package attempt

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcdev12/examengine/go/internal/models"
)

var (
	ErrNotFound         = errors.New("attempt not found")
	ErrAlreadyFinalized = errors.New("attempt already finalized")
)

// Store is the attempt persistence the session engine needs.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, id uuid.UUID) (*models.Attempt, error)
	Create(ctx context.Context, a *models.Attempt) error
	// UpdateFields merges f into a not-yet-finalized attempt.
	UpdateFields(ctx context.Context, id uuid.UUID, f models.AttemptFields) error
	// Finalize performs the conditional finalized=false -> true transition.
	// It returns ErrAlreadyFinalized when another writer got there first.
	Finalize(ctx context.Context, id uuid.UUID, f models.FinalizeFields) error
	Delete(ctx context.Context, id uuid.UUID) error
	LatestFinalized(ctx context.Context, moduleID, userID string) (*models.Attempt, error)
	LatestIncomplete(ctx context.Context, moduleID, userID string) (*models.Attempt, error)
	// ListIncomplete returns unfinalized attempts; an empty userID matches every user.
	ListIncomplete(ctx context.Context, moduleID, userID string) ([]*models.Attempt, error)
}
