package block

import (
	"context"
	"sync"

	"caseguard/internal/access/models"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

// InMemoryStore keeps blocks in memory for tests and local development.
type InMemoryStore struct {
	mu     sync.RWMutex
	blocks map[id.BlockID]models.ClientAccessBlock
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{blocks: make(map[id.BlockID]models.ClientAccessBlock)}
}

func (s *InMemoryStore) Create(_ context.Context, block models.ClientAccessBlock) error {
	if err := block.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.blocks {
		if existing.ClientID != block.ClientID {
			continue
		}
		if sameTarget(existing, block) {
			return sentinel.ErrConflict
		}
	}
	s.blocks[block.ID] = block
	return nil
}

func (s *InMemoryStore) Remove(_ context.Context, blockID id.BlockID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[blockID]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.blocks, blockID)
	return nil
}

func (s *InMemoryStore) ListByClient(_ context.Context, clientID id.ClientID) ([]models.ClientAccessBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ClientAccessBlock
	for _, b := range s.blocks {
		if b.ClientID == clientID {
			out = append(out, b)
		}
	}
	return out, nil
}

func sameTarget(a, b models.ClientAccessBlock) bool {
	if a.BlockedPrincipal != nil && b.BlockedPrincipal != nil {
		return *a.BlockedPrincipal == *b.BlockedPrincipal
	}
	if a.BlockedProgram != nil && b.BlockedProgram != nil {
		return *a.BlockedProgram == *b.BlockedProgram
	}
	return false
}
