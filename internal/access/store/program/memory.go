package program

import (
	"context"
	"sync"

	"caseguard/internal/access/models"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

// InMemoryStore keeps programs in memory for tests and local development.
type InMemoryStore struct {
	mu       sync.RWMutex
	programs map[id.ProgramID]models.Program
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{programs: make(map[id.ProgramID]models.Program)}
}

func (s *InMemoryStore) Find(_ context.Context, programID id.ProgramID) (*models.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.programs[programID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

func (s *InMemoryStore) Save(_ context.Context, program models.Program) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs[program.ID] = program
	return nil
}
