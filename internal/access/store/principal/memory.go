package principal

import (
	"context"
	"sync"

	"caseguard/internal/access/models"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

// InMemoryStore keeps principals in memory for tests and local development.
type InMemoryStore struct {
	mu         sync.RWMutex
	principals map[id.PrincipalID]models.Principal
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{principals: make(map[id.PrincipalID]models.Principal)}
}

func (s *InMemoryStore) Save(_ context.Context, p *models.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.ID]; ok {
		return sentinel.ErrConflict
	}
	s.principals[p.ID] = clone(*p)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, principalID id.PrincipalID) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[principalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := clone(p)
	return &copied, nil
}

func (s *InMemoryStore) ListByProgram(_ context.Context, programID id.ProgramID) ([]*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Principal
	for _, p := range s.principals {
		if !p.Active {
			continue
		}
		if p.MemberOf(programID) {
			copied := clone(p)
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Deactivate(_ context.Context, principalID id.PrincipalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[principalID]
	if !ok {
		return sentinel.ErrNotFound
	}
	p.Active = false
	s.principals[principalID] = p
	return nil
}

func clone(p models.Principal) models.Principal {
	programs := make(map[id.ProgramID]models.SubRole, len(p.Programs))
	for program, sub := range p.Programs {
		programs[program] = sub
	}
	p.Programs = programs
	return p
}
