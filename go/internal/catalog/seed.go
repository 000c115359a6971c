package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcdev12/examengine/go/internal/models"
)

// Seed is the on-disk form of a question bank for the memory source.
type Seed struct {
	Modules   []models.Module   `json:"modules"`
	Questions []models.Question `json:"questions"`
}

// LoadSeedFile fills s from a JSON seed file. Every question a module
// references must be present in the file.
func (s *MemorySource) LoadSeedFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return len(seed.Modules), s.LoadSeed(seed)
}

func (s *MemorySource) LoadSeed(seed Seed) error {
	byID := make(map[string]models.Question, len(seed.Questions))
	for _, q := range seed.Questions {
		byID[q.ID] = q
	}
	for _, m := range seed.Modules {
		qs := make([]models.Question, 0, len(m.QuestionIDs))
		for _, id := range m.QuestionIDs {
			q, ok := byID[id]
			if !ok {
				return fmt.Errorf("module %s references unknown question %s", m.ID, id)
			}
			qs = append(qs, q)
		}
		s.PutModule(m, qs...)
	}
	return nil
}
