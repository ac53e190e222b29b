// Package service is the only path to client records. Every read and write
// passes the access engine before the store is touched, so no call site can
// reach protected data without a decision.
package service

import (
	"context"
	"log/slog"
	"time"

	"caseguard/internal/access"
	accmodels "caseguard/internal/access/models"
	"caseguard/internal/audit"
	"caseguard/internal/client/models"
	"caseguard/internal/client/store"
	"caseguard/internal/crypto"
	cryptometrics "caseguard/internal/crypto/metrics"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
)

// anonymisedPlaceholder is the irreversible value written over protected
// fields by the anonymise erasure tier. It is sealed like any other value so
// leak scans keep passing on anonymised rows.
const anonymisedPlaceholder = "[removed]"

type Option func(*Service)

// Service guards the client record store.
type Service struct {
	store   store.Store
	keyring *crypto.Keyring
	engine  *access.Engine
	auditor *audit.Writer
	logger  *slog.Logger
	metrics *cryptometrics.Metrics
	now     func() time.Time
}

func New(st store.Store, keyring *crypto.Keyring, engine *access.Engine, auditor *audit.Writer, logger *slog.Logger, opts ...Option) *Service {
	if st == nil {
		panic("client service requires a store")
	}
	if keyring == nil {
		panic("client service requires a keyring")
	}
	if engine == nil {
		panic("client service requires the access engine")
	}
	if auditor == nil {
		panic("client service requires an audit writer")
	}
	svc := &Service{
		store:   st,
		keyring: keyring,
		engine:  engine,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func WithMetrics(m *cryptometrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// CreateClientRequest carries plaintext intake values. They are sealed before
// anything is stored and the request must not outlive the call.
type CreateClientRequest struct {
	Name     string
	DOB      string
	Contact  string
	Programs []id.ProgramID
	Demo     bool
}

func (s *Service) CreateClient(ctx context.Context, principal accmodels.Principal, req CreateClientRequest) (*models.ClientView, error) {
	if len(req.Programs) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "a client must be enrolled in at least one program")
	}
	if err := s.authorize(ctx, principal, accmodels.PermClientEdit, access.CheckRequest{}); err != nil {
		return nil, err
	}

	client := &models.Client{
		ID:        id.NewClientID(),
		Programs:  req.Programs,
		Demo:      req.Demo,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	var err error
	if client.Name, err = s.seal(req.Name); err != nil {
		return nil, err
	}
	if client.DOB, err = s.seal(req.DOB); err != nil {
		return nil, err
	}
	if client.Contact, err = s.seal(req.Contact); err != nil {
		return nil, err
	}

	if err := s.store.SaveClient(ctx, client); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not save client")
	}
	if err := s.auditWrite(ctx, principal, audit.ActionClientCreated, client, nil); err != nil {
		return nil, err
	}
	return s.clientView(ctx, client), nil
}

func (s *Service) GetClient(ctx context.Context, principal accmodels.Principal, clientID id.ClientID) (*models.ClientView, error) {
	client, err := s.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, accmodels.PermClientView, access.CheckRequest{Resource: client.Resource()}); err != nil {
		return nil, err
	}
	s.auditRead(ctx, principal, audit.ActionClientViewed, client, nil)
	return s.clientView(ctx, client), nil
}

// UpdateClientRequest carries the replacement values. Nil fields are left
// untouched.
type UpdateClientRequest struct {
	Name     *string
	Contact  *string
	Programs []id.ProgramID
}

func (s *Service) UpdateClient(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, req UpdateClientRequest) (*models.ClientView, error) {
	client, err := s.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, accmodels.PermClientEdit, access.CheckRequest{Resource: client.Resource()}); err != nil {
		return nil, err
	}

	if req.Name != nil {
		if client.Name, err = s.seal(*req.Name); err != nil {
			return nil, err
		}
	}
	if req.Contact != nil {
		if client.Contact, err = s.seal(*req.Contact); err != nil {
			return nil, err
		}
	}
	if req.Programs != nil {
		client.Programs = req.Programs
	}
	client.UpdatedAt = s.now()

	if err := s.store.UpdateClient(ctx, client); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not update client")
	}
	if err := s.auditWrite(ctx, principal, audit.ActionClientEdited, client, nil); err != nil {
		return nil, err
	}
	return s.clientView(ctx, client), nil
}

// ExportClient is the gated surface: the engine requires a justification and
// the justification is preserved in the audit entry.
func (s *Service) ExportClient(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, justification string) (*models.ClientView, error) {
	client, err := s.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	check := access.CheckRequest{Resource: client.Resource(), Justification: justification}
	if err := s.authorize(ctx, principal, accmodels.PermClientExport, check); err != nil {
		return nil, err
	}
	// Exports leave the trust boundary, so the audit entry is fail-closed
	// even though no stored state changes.
	if err := s.auditWrite(ctx, principal, string(accmodels.PermClientExport), client, map[string]string{
		"justification": justification,
	}); err != nil {
		return nil, err
	}
	return s.clientView(ctx, client), nil
}

func (s *Service) CreateNote(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, body string) (*models.NoteView, error) {
	client, err := s.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, accmodels.PermNoteCreate, access.CheckRequest{Resource: client.Resource()}); err != nil {
		return nil, err
	}

	note := &models.Note{
		ID:        id.NewNoteID(),
		ClientID:  clientID,
		AuthorID:  principal.ID,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if note.Body, err = s.seal(body); err != nil {
		return nil, err
	}
	if err := s.store.SaveNote(ctx, note); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not save note")
	}
	if err := s.auditNoteWrite(ctx, principal, audit.ActionNoteCreated, note, client); err != nil {
		return nil, err
	}
	return s.noteView(ctx, note), nil
}

func (s *Service) UpdateNote(ctx context.Context, principal accmodels.Principal, noteID id.NoteID, body string) (*models.NoteView, error) {
	note, err := s.store.FindNote(ctx, noteID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "note not found")
	}
	client, err := s.findClient(ctx, note.ClientID)
	if err != nil {
		return nil, err
	}
	// The engine enforces the edit-own constraint from the note's owner.
	if err := s.authorize(ctx, principal, accmodels.PermNoteEditOwn, access.CheckRequest{Resource: note.Resource(client)}); err != nil {
		return nil, err
	}

	if note.Body, err = s.seal(body); err != nil {
		return nil, err
	}
	note.UpdatedAt = s.now()
	if err := s.store.UpdateNote(ctx, note); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not update note")
	}
	if err := s.auditNoteWrite(ctx, principal, audit.ActionNoteEdited, note, client); err != nil {
		return nil, err
	}
	return s.noteView(ctx, note), nil
}

func (s *Service) ListNotes(ctx context.Context, principal accmodels.Principal, clientID id.ClientID) ([]*models.NoteView, error) {
	client, err := s.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, accmodels.PermNoteView, access.CheckRequest{Resource: client.Resource()}); err != nil {
		return nil, err
	}
	notes, err := s.store.ListNotesByClient(ctx, clientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not list notes")
	}
	views := make([]*models.NoteView, 0, len(notes))
	for _, note := range notes {
		views = append(views, s.noteView(ctx, note))
	}
	return views, nil
}

func (s *Service) CreatePlan(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, narrative string) (*models.PlanView, error) {
	client, err := s.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, accmodels.PermPlanEdit, access.CheckRequest{Resource: client.Resource()}); err != nil {
		return nil, err
	}

	plan := &models.Plan{
		ID:        id.NewPlanID(),
		ClientID:  clientID,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if plan.Narrative, err = s.seal(narrative); err != nil {
		return nil, err
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not save plan")
	}
	if err := s.auditWrite(ctx, principal, audit.ActionPlanEdited, client, map[string]string{
		"plan_id": plan.ID.String(),
	}); err != nil {
		return nil, err
	}
	return s.planView(ctx, plan), nil
}

func (s *Service) UpdatePlan(ctx context.Context, principal accmodels.Principal, planID id.PlanID, narrative string) (*models.PlanView, error) {
	plan, err := s.store.FindPlan(ctx, planID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "plan not found")
	}
	client, err := s.findClient(ctx, plan.ClientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, accmodels.PermPlanEdit, access.CheckRequest{Resource: client.Resource()}); err != nil {
		return nil, err
	}

	if plan.Narrative, err = s.seal(narrative); err != nil {
		return nil, err
	}
	plan.UpdatedAt = s.now()
	if err := s.store.UpdatePlan(ctx, plan); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not update plan")
	}
	if err := s.auditWrite(ctx, principal, audit.ActionPlanEdited, client, map[string]string{
		"plan_id": plan.ID.String(),
	}); err != nil {
		return nil, err
	}
	return s.planView(ctx, plan), nil
}

func (s *Service) ListPlans(ctx context.Context, principal accmodels.Principal, clientID id.ClientID) ([]*models.PlanView, error) {
	client, err := s.findClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, principal, accmodels.PermPlanView, access.CheckRequest{Resource: client.Resource()}); err != nil {
		return nil, err
	}
	plans, err := s.store.ListPlansByClient(ctx, clientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not list plans")
	}
	views := make([]*models.PlanView, 0, len(plans))
	for _, plan := range plans {
		views = append(views, s.planView(ctx, plan))
	}
	return views, nil
}

// Anonymise executes the anonymise erasure tier. Authorization and audit of
// the erasure itself belong to the erasure orchestrator.
func (s *Service) Anonymise(ctx context.Context, clientID id.ClientID) (models.ErasureCounts, error) {
	sealOne := func(out *crypto.Sealed) error {
		sealed, err := s.seal(anonymisedPlaceholder)
		if err != nil {
			return err
		}
		*out = sealed
		return nil
	}
	var placeholders store.Placeholders
	for _, field := range []*crypto.Sealed{
		&placeholders.Name, &placeholders.DOB, &placeholders.Contact,
		&placeholders.Body, &placeholders.Narrative,
	} {
		if err := sealOne(field); err != nil {
			return models.ErasureCounts{}, err
		}
	}
	counts, err := s.store.AnonymiseClient(ctx, clientID, placeholders)
	if err != nil {
		return models.ErasureCounts{}, dErrors.Wrap(err, dErrors.CodeInternal, "anonymise failed")
	}
	return counts, nil
}

// Purge executes the purge erasure tier: clinical content is removed, the
// minimal identity record stays.
func (s *Service) Purge(ctx context.Context, clientID id.ClientID) (models.ErasureCounts, error) {
	counts, err := s.store.PurgeClinical(ctx, clientID)
	if err != nil {
		return models.ErasureCounts{}, dErrors.Wrap(err, dErrors.CodeInternal, "purge failed")
	}
	return counts, nil
}

// Delete executes the delete erasure tier: full cascading removal.
func (s *Service) Delete(ctx context.Context, clientID id.ClientID) (models.ErasureCounts, error) {
	counts, err := s.store.DeleteCascade(ctx, clientID)
	if err != nil {
		return models.ErasureCounts{}, dErrors.Wrap(err, dErrors.CodeInternal, "delete failed")
	}
	return counts, nil
}

func (s *Service) findClient(ctx context.Context, clientID id.ClientID) (*models.Client, error) {
	client, err := s.store.FindClient(ctx, clientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "client not found")
	}
	return client, nil
}

func (s *Service) authorize(ctx context.Context, principal accmodels.Principal, key accmodels.PermissionKey, req access.CheckRequest) (err error) {
	decision, err := s.engine.Check(ctx, principal, key, req)
	if err != nil {
		return err
	}
	if !decision.Allowed() {
		return dErrors.New(dErrors.CodeForbidden, "access denied")
	}
	return nil
}

func (s *Service) seal(plaintext string) (crypto.Sealed, error) {
	sealed, err := s.keyring.Seal(plaintext)
	if err != nil {
		return crypto.Sealed{}, dErrors.Wrap(err, dErrors.CodeInternal, "could not seal protected field")
	}
	if s.metrics != nil && !sealed.IsZero() {
		s.metrics.SealsTotal.Inc()
	}
	return sealed, nil
}

// open decrypts one protected field for display. A failure never fails the
// surrounding request; the field is served as unavailable, visibly distinct
// from an empty value.
func (s *Service) open(ctx context.Context, sealed crypto.Sealed, recordID, field string) models.ProtectedField {
	if sealed.IsZero() {
		return models.ProtectedField{}
	}
	plaintext, err := s.keyring.Open(sealed)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DecryptFailures.WithLabelValues(decryptFailureCause(err)).Inc()
		}
		if s.logger != nil {
			s.logger.WarnContext(ctx, "protected field unavailable",
				"record_id", recordID,
				"field", field,
				"key_id", sealed.KeyID(),
				"error", err,
			)
		}
		return models.ProtectedField{Unavailable: true}
	}
	if s.metrics != nil {
		s.metrics.OpensTotal.Inc()
	}
	return models.ProtectedField{Value: plaintext}
}

func decryptFailureCause(err error) string {
	if dErrors.HasCode(err, dErrors.CodeDecryptFailed) {
		return "decrypt_failed"
	}
	return "internal"
}

func (s *Service) clientView(ctx context.Context, client *models.Client) *models.ClientView {
	return &models.ClientView{
		ID:         client.ID,
		Name:       s.open(ctx, client.Name, client.ID.String(), models.FieldName),
		DOB:        s.open(ctx, client.DOB, client.ID.String(), models.FieldDOB),
		Contact:    s.open(ctx, client.Contact, client.ID.String(), models.FieldContact),
		Programs:   client.Programs,
		SharedWith: client.SharedWith,
		Demo:       client.Demo,
		Anonymised: client.Anonymised,
		CreatedAt:  client.CreatedAt,
		UpdatedAt:  client.UpdatedAt,
	}
}

func (s *Service) noteView(ctx context.Context, note *models.Note) *models.NoteView {
	return &models.NoteView{
		ID:        note.ID,
		ClientID:  note.ClientID,
		AuthorID:  note.AuthorID,
		Body:      s.open(ctx, note.Body, note.ID.String(), models.FieldBody),
		CreatedAt: note.CreatedAt,
		UpdatedAt: note.UpdatedAt,
	}
}

func (s *Service) planView(ctx context.Context, plan *models.Plan) *models.PlanView {
	return &models.PlanView{
		ID:        plan.ID,
		ClientID:  plan.ClientID,
		Narrative: s.open(ctx, plan.Narrative, plan.ID.String(), models.FieldNarrative),
		CreatedAt: plan.CreatedAt,
		UpdatedAt: plan.UpdatedAt,
	}
}

// auditWrite records a state-changing action. An audit failure fails the
// action.
func (s *Service) auditWrite(ctx context.Context, principal accmodels.Principal, action string, client *models.Client, metadata map[string]string) error {
	return s.auditor.Record(ctx, audit.Entry{
		PrincipalID:  principal.ID,
		Action:       action,
		ResourceType: "client",
		ResourceID:   client.ID.String(),
		Outcome:      audit.OutcomeAllowed,
		Programs:     client.Programs,
		Metadata:     metadata,
		Demo:         client.Demo || principal.Demo,
	})
}

func (s *Service) auditNoteWrite(ctx context.Context, principal accmodels.Principal, action string, note *models.Note, client *models.Client) error {
	return s.auditor.Record(ctx, audit.Entry{
		PrincipalID:  principal.ID,
		Action:       action,
		ResourceType: "note",
		ResourceID:   note.ID.String(),
		Outcome:      audit.OutcomeAllowed,
		Programs:     client.Programs,
		Metadata:     map[string]string{"client_id": client.ID.String()},
		Demo:         client.Demo || principal.Demo,
	})
}

func (s *Service) auditRead(ctx context.Context, principal accmodels.Principal, action string, client *models.Client, metadata map[string]string) {
	s.auditor.RecordBestEffort(ctx, audit.Entry{
		PrincipalID:  principal.ID,
		Action:       action,
		ResourceType: "client",
		ResourceID:   client.ID.String(),
		Outcome:      audit.OutcomeAllowed,
		Programs:     client.Programs,
		Metadata:     metadata,
		Demo:         client.Demo || principal.Demo,
	})
}
