package attempt

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/examengine/go/internal/models"
)

// MemoryStore keeps attempts in process. Every read returns a copy.
type MemoryStore struct {
	clk      clockwork.Clock
	mu       sync.Mutex
	attempts map[uuid.UUID]*models.Attempt
}

func NewMemoryStore(clk clockwork.Clock) *MemoryStore {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clk:      clk,
		attempts: make(map[uuid.UUID]*models.Attempt),
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) Create(_ context.Context, a *models.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.attempts[a.ID]; exists {
		return fmt.Errorf("attempt %s already exists", a.ID)
	}
	c := a.Clone()
	c.UpdatedAt = s.clk.Now()
	s.attempts[a.ID] = c
	return nil
}

func (s *MemoryStore) UpdateFields(_ context.Context, id uuid.UUID, f models.AttemptFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Finalized {
		return ErrAlreadyFinalized
	}
	f.Apply(a)
	a.UpdatedAt = s.clk.Now()
	return nil
}

func (s *MemoryStore) Finalize(_ context.Context, id uuid.UUID, f models.FinalizeFields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrNotFound
	}
	if a.Finalized {
		return ErrAlreadyFinalized
	}
	c := (&models.Attempt{PerQuestionAttempts: f.PerQuestionAttempts}).Clone()
	ended := f.EndedAt
	a.PerQuestionAttempts = c.PerQuestionAttempts
	a.Score = f.Score
	a.EndedAt = &ended
	a.DurationMS = f.DurationMS
	a.FinalizationReason = f.Reason
	a.Completed = true
	a.Finalized = true
	a.UpdatedAt = s.clk.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
	return nil
}

func (s *MemoryStore) LatestFinalized(_ context.Context, moduleID, userID string) (*models.Attempt, error) {
	return s.latest(moduleID, userID, true)
}

func (s *MemoryStore) LatestIncomplete(_ context.Context, moduleID, userID string) (*models.Attempt, error) {
	return s.latest(moduleID, userID, false)
}

func (s *MemoryStore) ListIncomplete(_ context.Context, moduleID, userID string) ([]*models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Attempt
	for _, a := range s.attempts {
		if a.ModuleID != moduleID || a.Finalized {
			continue
		}
		if userID != "" && a.UserID != userID {
			continue
		}
		out = append(out, a.Clone())
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) latest(moduleID, userID string, finalized bool) (*models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []*models.Attempt
	for _, a := range s.attempts {
		if a.ModuleID == moduleID && a.UserID == userID && a.Finalized == finalized {
			matches = append(matches, a)
		}
	}
	if len(matches) == 0 {
		return nil, ErrNotFound
	}
	sortNewestFirst(matches)
	return matches[0].Clone(), nil
}

func sortNewestFirst(as []*models.Attempt) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].StartedAt.Equal(as[j].StartedAt) {
			return as[i].ID.String() > as[j].ID.String()
		}
		return as[i].StartedAt.After(as[j].StartedAt)
	})
}
