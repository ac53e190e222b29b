package store

import (
	"context"
	"sync"

	"caseguard/internal/client/models"
	"caseguard/internal/crypto"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
)

// InMemoryStore backs tests and local development.
type InMemoryStore struct {
	mu      sync.RWMutex
	clients map[id.ClientID]*models.Client
	notes   map[id.NoteID]*models.Note
	plans   map[id.PlanID]*models.Plan
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		clients: make(map[id.ClientID]*models.Client),
		notes:   make(map[id.NoteID]*models.Note),
		plans:   make(map[id.PlanID]*models.Plan),
	}
}

func (s *InMemoryStore) SaveClient(_ context.Context, client *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client.ID]; ok {
		return sentinel.ErrConflict
	}
	c := *client
	s.clients[client.ID] = &c
	return nil
}

func (s *InMemoryStore) UpdateClient(_ context.Context, client *models.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.clients[client.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Version != client.Version {
		return sentinel.ErrStaleVersion
	}
	c := *client
	c.Version++
	s.clients[client.ID] = &c
	client.Version = c.Version
	return nil
}

func (s *InMemoryStore) FindClient(_ context.Context, clientID id.ClientID) (*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[clientID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *client
	return &c, nil
}

func (s *InMemoryStore) ListClientsByProgram(_ context.Context, programID id.ProgramID) ([]*models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Client
	for _, client := range s.clients {
		for _, p := range client.Programs {
			if p == programID {
				c := *client
				out = append(out, &c)
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveNote(_ context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[note.ID]; ok {
		return sentinel.ErrConflict
	}
	n := *note
	s.notes[note.ID] = &n
	return nil
}

func (s *InMemoryStore) UpdateNote(_ context.Context, note *models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.notes[note.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Version != note.Version {
		return sentinel.ErrStaleVersion
	}
	n := *note
	n.Version++
	s.notes[note.ID] = &n
	note.Version = n.Version
	return nil
}

func (s *InMemoryStore) FindNote(_ context.Context, noteID id.NoteID) (*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	note, ok := s.notes[noteID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	n := *note
	return &n, nil
}

func (s *InMemoryStore) ListNotesByClient(_ context.Context, clientID id.ClientID) ([]*models.Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Note
	for _, note := range s.notes {
		if note.ClientID == clientID {
			n := *note
			out = append(out, &n)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SavePlan(_ context.Context, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return sentinel.ErrConflict
	}
	p := *plan
	s.plans[plan.ID] = &p
	return nil
}

func (s *InMemoryStore) UpdatePlan(_ context.Context, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.plans[plan.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Version != plan.Version {
		return sentinel.ErrStaleVersion
	}
	p := *plan
	p.Version++
	s.plans[plan.ID] = &p
	plan.Version = p.Version
	return nil
}

func (s *InMemoryStore) FindPlan(_ context.Context, planID id.PlanID) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[planID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	p := *plan
	return &p, nil
}

func (s *InMemoryStore) ListPlansByClient(_ context.Context, clientID id.ClientID) ([]*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Plan
	for _, plan := range s.plans {
		if plan.ClientID == clientID {
			p := *plan
			out = append(out, &p)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListEnvelopes(_ context.Context) ([]crypto.EnvelopeRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []crypto.EnvelopeRef
	appendRef := func(recordID, field string, sealed crypto.Sealed, version int64) {
		if sealed.IsZero() {
			return
		}
		refs = append(refs, crypto.EnvelopeRef{
			RecordID: recordID,
			Field:    field,
			Envelope: sealed.Envelope(),
			Version:  version,
		})
	}
	for _, c := range s.clients {
		appendRef(c.ID.String(), models.FieldName, c.Name, c.Version)
		appendRef(c.ID.String(), models.FieldDOB, c.DOB, c.Version)
		appendRef(c.ID.String(), models.FieldContact, c.Contact, c.Version)
	}
	for _, n := range s.notes {
		appendRef(n.ID.String(), models.FieldBody, n.Body, n.Version)
	}
	for _, p := range s.plans {
		appendRef(p.ID.String(), models.FieldNarrative, p.Narrative, p.Version)
	}
	return refs, nil
}

// ReplaceEnvelopes swaps every listed field of one record under a single
// version check, so a record is never left half old-key half new-key.
func (s *InMemoryStore) ReplaceEnvelopes(_ context.Context, recordID string, version int64, sealed map[string]string) error {
	if len(sealed) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID, err := id.ParseClientID(recordID); err == nil {
		if client, ok := s.clients[clientID]; ok {
			for field := range sealed {
				switch field {
				case models.FieldName, models.FieldDOB, models.FieldContact:
				default:
					return sentinel.ErrInvalidInput
				}
			}
			if client.Version != version {
				return sentinel.ErrStaleVersion
			}
			if env, ok := sealed[models.FieldName]; ok {
				client.Name = crypto.SealedFromStorage(env)
			}
			if env, ok := sealed[models.FieldDOB]; ok {
				client.DOB = crypto.SealedFromStorage(env)
			}
			if env, ok := sealed[models.FieldContact]; ok {
				client.Contact = crypto.SealedFromStorage(env)
			}
			client.Version++
			return nil
		}
	}
	if noteID, err := id.ParseNoteID(recordID); err == nil {
		if note, ok := s.notes[noteID]; ok {
			env, ok := sealed[models.FieldBody]
			if !ok || len(sealed) != 1 {
				return sentinel.ErrInvalidInput
			}
			if note.Version != version {
				return sentinel.ErrStaleVersion
			}
			note.Body = crypto.SealedFromStorage(env)
			note.Version++
			return nil
		}
	}
	if planID, err := id.ParsePlanID(recordID); err == nil {
		if plan, ok := s.plans[planID]; ok {
			env, ok := sealed[models.FieldNarrative]
			if !ok || len(sealed) != 1 {
				return sentinel.ErrInvalidInput
			}
			if plan.Version != version {
				return sentinel.ErrStaleVersion
			}
			plan.Narrative = crypto.SealedFromStorage(env)
			plan.Version++
			return nil
		}
	}
	return sentinel.ErrNotFound
}

func (s *InMemoryStore) AnonymiseClient(_ context.Context, clientID id.ClientID, placeholders Placeholders) (models.ErasureCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	if !ok {
		return models.ErasureCounts{}, sentinel.ErrNotFound
	}
	counts := models.ErasureCounts{Clients: 1, Fields: 3}
	client.Name = placeholders.Name
	client.DOB = placeholders.DOB
	client.Contact = placeholders.Contact
	client.Anonymised = true
	client.Version++
	for _, note := range s.notes {
		if note.ClientID == clientID {
			note.Body = placeholders.Body
			note.Version++
			counts.Notes++
			counts.Fields++
		}
	}
	for _, plan := range s.plans {
		if plan.ClientID == clientID {
			plan.Narrative = placeholders.Narrative
			plan.Version++
			counts.Plans++
			counts.Fields++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) PurgeClinical(_ context.Context, clientID id.ClientID) (models.ErasureCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return models.ErasureCounts{}, sentinel.ErrNotFound
	}
	var counts models.ErasureCounts
	for noteID, note := range s.notes {
		if note.ClientID == clientID {
			delete(s.notes, noteID)
			counts.Notes++
		}
	}
	for planID, plan := range s.plans {
		if plan.ClientID == clientID {
			delete(s.plans, planID)
			counts.Plans++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) DeleteCascade(_ context.Context, clientID id.ClientID) (models.ErasureCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[clientID]; !ok {
		return models.ErasureCounts{}, sentinel.ErrNotFound
	}
	counts := models.ErasureCounts{Clients: 1}
	delete(s.clients, clientID)
	for noteID, note := range s.notes {
		if note.ClientID == clientID {
			delete(s.notes, noteID)
			counts.Notes++
		}
	}
	for planID, plan := range s.plans {
		if plan.ClientID == clientID {
			delete(s.plans, planID)
			counts.Plans++
		}
	}
	return counts, nil
}
