package store

import (
	"context"
	"sort"
	"sync"

	"caseguard/internal/erasure/models"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

// InMemoryStore backs tests and local development.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[id.ErasureID]*models.Request
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{requests: make(map[id.ErasureID]*models.Request)}
}

func (s *InMemoryStore) Save(_ context.Context, request *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[request.ID]; ok {
		return sentinel.ErrConflict
	}
	s.requests[request.ID] = clone(request)
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, request *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.requests[request.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Version != request.Version {
		return sentinel.ErrStaleVersion
	}
	next := clone(request)
	next.Version++
	s.requests[request.ID] = next
	request.Version = next.Version
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, erasureID id.ErasureID) (*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	request, ok := s.requests[erasureID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(request), nil
}

func (s *InMemoryStore) ListByClient(_ context.Context, clientID id.ClientID) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Request
	for _, request := range s.requests {
		if request.ClientID == clientID {
			out = append(out, clone(request))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListInState(_ context.Context, state models.State) ([]*models.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Request
	for _, request := range s.requests {
		if request.State == state {
			out = append(out, clone(request))
		}
	}
	return out, nil
}

func clone(request *models.Request) *models.Request {
	next := *request
	next.RequiredApprovers = append([]id.PrincipalID(nil), request.RequiredApprovers...)
	next.Approvals = append([]models.Approval(nil), request.Approvals...)
	return &next
}
