// Package catalog serves modules and questions to the session engine.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mcdev12/examengine/go/internal/models"
)

var ErrModuleNotFound = errors.New("module not found")

// Source is the read side of the question bank plus module lock bookkeeping.
type Source interface {
	GetModule(ctx context.Context, moduleID string) (*models.Module, error)
	GetQuestionsByIDs(ctx context.Context, ids []string) ([]models.Question, error)
	SetModuleLocked(ctx context.Context, moduleID, userID string, locked bool) error
	// ModuleLocked reports whether the learner's access to the module is closed.
	// A learner with no recorded lock is unlocked.
	ModuleLocked(ctx context.Context, moduleID, userID string) (bool, error)
}

type lockKey struct {
	moduleID string
	userID   string
}

// MemorySource holds modules and questions in process.
type MemorySource struct {
	mu        sync.RWMutex
	modules   map[string]models.Module
	questions map[string]models.Question
	locks     map[lockKey]bool
}

func NewMemorySource() *MemorySource {
	return &MemorySource{
		modules:   make(map[string]models.Module),
		questions: make(map[string]models.Question),
		locks:     make(map[lockKey]bool),
	}
}

// PutModule stores m together with its questions.
func (s *MemorySource) PutModule(m models.Module, questions ...models.Question) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.QuestionIDs = append([]string(nil), m.QuestionIDs...)
	s.modules[m.ID] = m
	for _, q := range questions {
		s.questions[q.ID] = q
	}
}

func (s *MemorySource) GetModule(_ context.Context, moduleID string) (*models.Module, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[moduleID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, moduleID)
	}
	m.QuestionIDs = append([]string(nil), m.QuestionIDs...)
	return &m, nil
}

// GetQuestionsByIDs returns questions in the order of ids, skipping unknown ids.
func (s *MemorySource) GetQuestionsByIDs(_ context.Context, ids []string) ([]models.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Question, 0, len(ids))
	for _, id := range ids {
		if q, ok := s.questions[id]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

func (s *MemorySource) SetModuleLocked(_ context.Context, moduleID, userID string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[lockKey{moduleID, userID}] = locked
	return nil
}

func (s *MemorySource) ModuleLocked(_ context.Context, moduleID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locks[lockKey{moduleID, userID}], nil
}
