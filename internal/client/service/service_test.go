package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/suite"

	"caseguard/internal/access"
	accmodels "caseguard/internal/access/models"
	"caseguard/internal/access/store/block"
	"caseguard/internal/access/store/program"
	"caseguard/internal/audit"
	"caseguard/internal/client/models"
	"caseguard/internal/client/store"
	"caseguard/internal/crypto"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
)

func testKeyring(t *testing.T, keyID string, fill byte) *crypto.Keyring {
	t.Helper()
	material := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 32))
	keyring, err := crypto.LoadKeyring(fmt.Sprintf("%s:%s", keyID, material), nil)
	if err != nil {
		t.Fatalf("load keyring: %v", err)
	}
	return keyring
}

type ServiceSuite struct {
	suite.Suite
	svc        *Service
	store      *store.InMemoryStore
	auditStore *audit.InMemoryStore
	keyring    *crypto.Keyring
	housing    id.ProgramID
	manager    accmodels.Principal
	worker     accmodels.Principal
}

func (s *ServiceSuite) SetupTest() {
	ctx := context.Background()
	s.store = store.NewInMemory()
	s.auditStore = audit.NewInMemoryStore()
	s.keyring = testKeyring(s.T(), "key-a", 0x11)
	s.housing = id.NewProgramID()

	programs := program.NewInMemory()
	s.Require().NoError(programs.Save(ctx, accmodels.Program{ID: s.housing, Name: "housing"}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := audit.NewWriter(s.auditStore, logger)
	engine, err := access.New(accmodels.DefaultMatrix(), block.NewInMemory(), programs, writer, logger)
	s.Require().NoError(err)

	s.svc = New(s.store, s.keyring, engine, writer, logger)

	s.manager = accmodels.Principal{
		ID:       id.NewPrincipalID(),
		Role:     accmodels.RoleProgramManager,
		Programs: map[id.ProgramID]accmodels.SubRole{s.housing: accmodels.SubRoleCoordinator},
		Active:   true,
	}
	s.worker = accmodels.Principal{
		ID:       id.NewPrincipalID(),
		Role:     accmodels.RoleDirectService,
		Programs: map[id.ProgramID]accmodels.SubRole{s.housing: accmodels.SubRoleStaff},
		Active:   true,
	}
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) createClient() *models.ClientView {
	view, err := s.svc.CreateClient(context.Background(), s.manager, CreateClientRequest{
		Name:     "Jo Client",
		DOB:      "1990-04-01",
		Contact:  "jo@example.org",
		Programs: []id.ProgramID{s.housing},
	})
	s.Require().NoError(err)
	return view
}

func (s *ServiceSuite) TestCreateAndReadRoundTrip() {
	view := s.createClient()
	s.Equal("Jo Client", view.Name.Value)
	s.False(view.Name.Unavailable)

	// Nothing in the store is plaintext.
	stored, err := s.store.FindClient(context.Background(), view.ID)
	s.Require().NoError(err)
	s.NotContains(stored.Name.Envelope(), "Jo Client")
	s.Equal("key-a", stored.Name.KeyID())

	got, err := s.svc.GetClient(context.Background(), s.manager, view.ID)
	s.Require().NoError(err)
	s.Equal("Jo Client", got.Name.Value)
}

func (s *ServiceSuite) TestFrontDeskCannotEdit() {
	view := s.createClient()
	frontDesk := accmodels.Principal{
		ID:       id.NewPrincipalID(),
		Role:     accmodels.RoleFrontDesk,
		Programs: map[id.ProgramID]accmodels.SubRole{s.housing: accmodels.SubRoleStaff},
		Active:   true,
	}
	name := "changed"
	_, err := s.svc.UpdateClient(context.Background(), frontDesk, view.ID, UpdateClientRequest{Name: &name})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))

	// The denial was audited before the error surfaced.
	entries := s.auditStore.All()
	s.Require().NotEmpty(entries)
	s.Equal(audit.OutcomeDenied, entries[len(entries)-1].Outcome)
}

func (s *ServiceSuite) TestUnreadableFieldServedAsUnavailable() {
	view := s.createClient()

	// Swap the keyring out from under the stored envelopes. Reads must
	// degrade per field rather than fail the request or serve an empty
	// string.
	other := testKeyring(s.T(), "key-b", 0x22)
	s.svc.keyring = other

	got, err := s.svc.GetClient(context.Background(), s.manager, view.ID)
	s.Require().NoError(err)
	s.True(got.Name.Unavailable)
	s.Empty(got.Name.Value)
	s.Equal(models.ContentUnavailable, got.Name.Display())
}

func (s *ServiceSuite) TestEmptyFieldDistinctFromUnavailable() {
	ctx := context.Background()
	view, err := s.svc.CreateClient(ctx, s.manager, CreateClientRequest{
		Name:     "No Contact",
		Programs: []id.ProgramID{s.housing},
	})
	s.Require().NoError(err)

	got, err := s.svc.GetClient(ctx, s.manager, view.ID)
	s.Require().NoError(err)
	s.False(got.Contact.Unavailable)
	s.Empty(got.Contact.Value)
	s.Empty(got.Contact.Display())
}

func (s *ServiceSuite) TestNoteEditOwnEnforced() {
	ctx := context.Background()
	view := s.createClient()

	note, err := s.svc.CreateNote(ctx, s.worker, view.ID, "first visit summary")
	s.Require().NoError(err)

	// The author may edit.
	updated, err := s.svc.UpdateNote(ctx, s.worker, note.ID, "amended summary")
	s.Require().NoError(err)
	s.Equal("amended summary", updated.Body.Value)

	// Another direct-service worker may not.
	other := accmodels.Principal{
		ID:       id.NewPrincipalID(),
		Role:     accmodels.RoleDirectService,
		Programs: map[id.ProgramID]accmodels.SubRole{s.housing: accmodels.SubRoleStaff},
		Active:   true,
	}
	_, err = s.svc.UpdateNote(ctx, other, note.ID, "overwrite attempt")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestPlanEditSealsAndAuthorizes() {
	ctx := context.Background()
	view := s.createClient()

	plan, err := s.svc.CreatePlan(ctx, s.manager, view.ID, "initial goals")
	s.Require().NoError(err)

	updated, err := s.svc.UpdatePlan(ctx, s.manager, plan.ID, "revised goals after review")
	s.Require().NoError(err)
	s.Equal("revised goals after review", updated.Narrative.Value)

	// The stored narrative stays sealed.
	stored, err := s.store.FindPlan(ctx, plan.ID)
	s.Require().NoError(err)
	s.NotContains(stored.Narrative.Envelope(), "revised goals")

	frontDesk := accmodels.Principal{
		ID:       id.NewPrincipalID(),
		Role:     accmodels.RoleFrontDesk,
		Programs: map[id.ProgramID]accmodels.SubRole{s.housing: accmodels.SubRoleStaff},
		Active:   true,
	}
	_, err = s.svc.UpdatePlan(ctx, frontDesk, plan.ID, "overwrite attempt")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *ServiceSuite) TestExportRequiresJustification() {
	ctx := context.Background()
	view := s.createClient()

	_, err := s.svc.ExportClient(ctx, s.manager, view.ID, "")
	s.Require().Error(err)

	got, err := s.svc.ExportClient(ctx, s.manager, view.ID, "quarterly funder report")
	s.Require().NoError(err)
	s.Equal("Jo Client", got.Name.Value)

	entries := s.auditStore.All()
	last := entries[len(entries)-1]
	s.Equal("client.export", last.Action)
	s.Equal("quarterly funder report", last.Metadata["justification"])
}

func (s *ServiceSuite) TestWritesAreAudited() {
	view := s.createClient()

	entries := s.auditStore.All()
	s.Require().Len(entries, 1)
	s.Equal(audit.ActionClientCreated, entries[0].Action)
	s.Equal(view.ID.String(), entries[0].ResourceID)
	// Entries carry ids and programs only, never field content.
	s.NotContains(fmt.Sprint(entries[0]), "Jo Client")
}

func (s *ServiceSuite) TestAnonymiseOverwritesAllProtectedFields() {
	ctx := context.Background()
	view := s.createClient()
	_, err := s.svc.CreateNote(ctx, s.worker, view.ID, "sensitive narrative")
	s.Require().NoError(err)

	counts, err := s.svc.Anonymise(ctx, view.ID)
	s.Require().NoError(err)
	s.Equal(1, counts.Clients)
	s.Equal(1, counts.Notes)

	got, err := s.svc.GetClient(ctx, s.manager, view.ID)
	s.Require().NoError(err)
	s.Equal(anonymisedPlaceholder, got.Name.Value)
	s.True(got.Anonymised)

	notes, err := s.svc.ListNotes(ctx, s.manager, view.ID)
	s.Require().NoError(err)
	s.Require().Len(notes, 1)
	s.Equal(anonymisedPlaceholder, notes[0].Body.Value)
}

func (s *ServiceSuite) TestPurgeRemovesClinicalContentOnly() {
	ctx := context.Background()
	view := s.createClient()
	_, err := s.svc.CreateNote(ctx, s.worker, view.ID, "note one")
	s.Require().NoError(err)
	_, err = s.svc.CreatePlan(ctx, s.manager, view.ID, "plan narrative")
	s.Require().NoError(err)

	counts, err := s.svc.Purge(ctx, view.ID)
	s.Require().NoError(err)
	s.Equal(1, counts.Notes)
	s.Equal(1, counts.Plans)
	s.Equal(0, counts.Clients)

	// Identity survives, clinical content does not.
	got, err := s.svc.GetClient(ctx, s.manager, view.ID)
	s.Require().NoError(err)
	s.Equal("Jo Client", got.Name.Value)
	notes, err := s.svc.ListNotes(ctx, s.manager, view.ID)
	s.Require().NoError(err)
	s.Empty(notes)
}

func (s *ServiceSuite) TestDeleteCascades() {
	ctx := context.Background()
	view := s.createClient()
	_, err := s.svc.CreateNote(ctx, s.worker, view.ID, "note")
	s.Require().NoError(err)

	counts, err := s.svc.Delete(ctx, view.ID)
	s.Require().NoError(err)
	s.Equal(1, counts.Clients)
	s.Equal(1, counts.Notes)

	_, err = s.svc.GetClient(ctx, s.manager, view.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestAuditFailureFailsWrites(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	programs := program.NewInMemory()
	housing := id.NewProgramID()
	if err := programs.Save(ctx, accmodels.Program{ID: housing, Name: "housing"}); err != nil {
		t.Fatal(err)
	}
	writer := audit.NewWriter(&failingAuditStore{}, logger)
	engine, err := access.New(accmodels.DefaultMatrix(), block.NewInMemory(), programs, writer, logger)
	if err != nil {
		t.Fatal(err)
	}
	svc := New(store.NewInMemory(), testKeyring(t, "key-a", 0x11), engine, writer, logger)

	manager := accmodels.Principal{
		ID:       id.NewPrincipalID(),
		Role:     accmodels.RoleProgramManager,
		Programs: map[id.ProgramID]accmodels.SubRole{housing: accmodels.SubRoleCoordinator},
		Active:   true,
	}
	_, err = svc.CreateClient(ctx, manager, CreateClientRequest{
		Name:     "Jo",
		Programs: []id.ProgramID{housing},
	})
	if !dErrors.HasCode(err, dErrors.CodeAuditFailed) {
		t.Fatalf("expected audit failure to fail the write, got %v", err)
	}
}

type failingAuditStore struct{}

func (f *failingAuditStore) Append(context.Context, audit.Entry) error {
	return fmt.Errorf("audit store down")
}

func (f *failingAuditStore) List(context.Context, audit.Filter) ([]audit.Entry, error) {
	return nil, fmt.Errorf("audit store down")
}
