package access

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"caseguard/internal/access/models"
	"caseguard/internal/access/store/block"
	"caseguard/internal/access/store/program"
	"caseguard/internal/audit"
	id "caseguard/pkg/domain"
)

type EngineSuite struct {
	suite.Suite
	engine     *Engine
	blocks     *block.InMemoryStore
	programs   *program.InMemoryStore
	auditStore *audit.InMemoryStore

	housing      id.ProgramID
	counselling  id.ProgramID
	confidential id.ProgramID
}

func (s *EngineSuite) SetupTest() {
	s.blocks = block.NewInMemory()
	s.programs = program.NewInMemory()
	s.auditStore = audit.NewInMemoryStore()

	s.housing = id.NewProgramID()
	s.counselling = id.NewProgramID()
	s.confidential = id.NewProgramID()
	ctx := context.Background()
	s.Require().NoError(s.programs.Save(ctx, models.Program{ID: s.housing, Name: "housing"}))
	s.Require().NoError(s.programs.Save(ctx, models.Program{ID: s.counselling, Name: "counselling"}))
	s.Require().NoError(s.programs.Save(ctx, models.Program{ID: s.confidential, Name: "dv-services", Confidential: true}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := audit.NewWriter(s.auditStore, logger)

	engine, err := New(models.DefaultMatrix(), s.blocks, s.programs, writer, logger)
	s.Require().NoError(err)
	s.engine = engine
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) principal(role models.Role, programs ...id.ProgramID) models.Principal {
	memberships := make(map[id.ProgramID]models.SubRole, len(programs))
	for _, p := range programs {
		memberships[p] = models.SubRoleStaff
	}
	return models.Principal{
		ID:        id.NewPrincipalID(),
		Role:      role,
		Programs:  memberships,
		Active:    true,
		CreatedAt: time.Now(),
	}
}

func (s *EngineSuite) clientResource(programs ...id.ProgramID) *models.Resource {
	return &models.Resource{
		Type:     "client",
		ID:       id.NewClientID().String(),
		ClientID: id.NewClientID(),
		Programs: programs,
	}
}

func (s *EngineSuite) TestMatrixEffectsApply() {
	ctx := context.Background()
	resource := s.clientResource(s.housing)

	allow, err := s.engine.Check(ctx, s.principal(models.RoleProgramManager, s.housing), models.PermClientEdit, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.DecisionAllow, allow.Outcome)

	denied, err := s.engine.Check(ctx, s.principal(models.RoleFrontDesk, s.housing), models.PermClientEdit, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.DecisionDeny, denied.Outcome)
	s.Equal(models.ReasonRoleForbidden, denied.Reason)
}

// Front-desk edit denial is the canonical audited-denial path: the entry must
// carry the permission key and resource ID, never resource content.
func (s *EngineSuite) TestDenialIsAudited() {
	ctx := context.Background()
	resource := s.clientResource(s.housing)
	principal := s.principal(models.RoleFrontDesk, s.housing)

	decision, err := s.engine.Check(ctx, principal, models.PermClientEdit, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.True(decision.Denied())

	entries := s.auditStore.All()
	s.Require().Len(entries, 1)
	s.Equal("client.edit", entries[0].Action)
	s.Equal(audit.OutcomeDenied, entries[0].Outcome)
	s.Equal(resource.ID, entries[0].ResourceID)
	s.Equal(principal.ID, entries[0].PrincipalID)
	s.Equal(string(models.ReasonRoleForbidden), entries[0].Metadata["reason"])
}

func (s *EngineSuite) TestAllowedChecksAreNotAuditedByEngine() {
	ctx := context.Background()
	_, err := s.engine.Check(ctx, s.principal(models.RoleProgramManager, s.housing), models.PermClientView, CheckRequest{Resource: s.clientResource(s.housing)})
	s.Require().NoError(err)
	// The caller audits allowed writes after the mutation commits, so no
	// entry exists for an action that may yet fail at the storage layer.
	s.Empty(s.auditStore.All())
}

func (s *EngineSuite) TestUnmappedRoleFailsClosed() {
	ctx := context.Background()
	stranger := s.principal("intern", s.housing) // role missing from the matrix

	decision, err := s.engine.Check(ctx, stranger, models.PermClientView, CheckRequest{})
	s.Require().NoError(err)
	s.Equal(models.DecisionDeny, decision.Outcome)
	s.Equal(models.ReasonConfigurationGap, decision.Reason)
}

func (s *EngineSuite) TestMatrixWithHolesNeverGoesLive() {
	partial := models.NewMatrix("broken", map[models.Role]map[models.PermissionKey]models.Effect{
		models.RoleAdministrator: {models.PermClientView: models.EffectAllow},
	})
	s.Require().Error(partial.Validate())

	err := s.engine.ReloadMatrix(partial)
	s.Require().Error(err)
	s.Equal(models.DefaultMatrix().Version, s.engine.Matrix().Version, "previous matrix stays live")
}

func (s *EngineSuite) TestScopeContainment() {
	ctx := context.Background()
	outside := s.clientResource(s.counselling)

	// Outside the principal's program set: deny regardless of role.
	for _, role := range models.Roles() {
		decision, err := s.engine.Check(ctx, s.principal(role, s.housing), models.PermClientView, CheckRequest{Resource: outside})
		s.Require().NoError(err)
		s.Equalf(models.DecisionDeny, decision.Outcome, "role %s must not see out-of-program resources", role)
		s.Equal(models.ReasonOutOfScope, decision.Reason)
	}
}

func (s *EngineSuite) TestExplicitShareOverridesProgramScope() {
	ctx := context.Background()
	principal := s.principal(models.RoleDirectService, s.housing)
	resource := s.clientResource(s.counselling)
	resource.SharedWith = []id.PrincipalID{principal.ID}

	decision, err := s.engine.Check(ctx, principal, models.PermClientView, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.DecisionAllow, decision.Outcome)
}

func (s *EngineSuite) TestConfidentialProgramHidesResourceFromNonMembers() {
	ctx := context.Background()
	// Client enrolled in housing and in a confidential program: housing
	// membership alone must not surface the record.
	resource := s.clientResource(s.housing, s.confidential)

	decision, err := s.engine.Check(ctx, s.principal(models.RoleProgramManager, s.housing), models.PermClientView, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.DecisionDeny, decision.Outcome)

	// Explicit confidential membership restores visibility.
	member := s.principal(models.RoleProgramManager, s.housing, s.confidential)
	decision, err = s.engine.Check(ctx, member, models.PermClientView, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.DecisionAllow, decision.Outcome)
}

func (s *EngineSuite) TestBlockOverridesAllow() {
	ctx := context.Background()
	principal := s.principal(models.RoleProgramManager, s.housing)
	resource := s.clientResource(s.housing)

	pid := principal.ID
	s.Require().NoError(s.blocks.Create(ctx, models.ClientAccessBlock{
		ID:               id.NewBlockID(),
		ClientID:         resource.ClientID,
		BlockedPrincipal: &pid,
		CreatedBy:        id.NewPrincipalID(),
		CreatedAt:        time.Now(),
		ReasonCategory:   "client_request",
	}))

	decision, err := s.engine.Check(ctx, principal, models.PermClientView, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.DecisionDeny, decision.Outcome)
	s.Equal(models.ReasonAccessBlocked, decision.Reason)
}

func (s *EngineSuite) TestProgramWideBlock() {
	ctx := context.Background()
	principal := s.principal(models.RoleDirectService, s.housing)
	resource := s.clientResource(s.housing)

	housing := s.housing
	s.Require().NoError(s.blocks.Create(ctx, models.ClientAccessBlock{
		ID:             id.NewBlockID(),
		ClientID:       resource.ClientID,
		BlockedProgram: &housing,
		CreatedBy:      id.NewPrincipalID(),
		CreatedAt:      time.Now(),
		ReasonCategory: "conflict_of_interest",
	}))

	decision, err := s.engine.Check(ctx, principal, models.PermClientView, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.ReasonAccessBlocked, decision.Reason)
}

func (s *EngineSuite) TestScopedEffectRequiresOwnership() {
	ctx := context.Background()
	principal := s.principal(models.RoleDirectService, s.housing)

	owned := &models.Resource{
		Type: "note", ID: id.NewNoteID().String(),
		OwnerID: principal.ID, Programs: []id.ProgramID{s.housing},
	}
	decision, err := s.engine.Check(ctx, principal, models.PermNoteEditOwn, CheckRequest{Resource: owned})
	s.Require().NoError(err)
	s.Equal(models.DecisionAllow, decision.Outcome)

	foreign := &models.Resource{
		Type: "note", ID: id.NewNoteID().String(),
		OwnerID: id.NewPrincipalID(), Programs: []id.ProgramID{s.housing},
	}
	decision, err = s.engine.Check(ctx, principal, models.PermNoteEditOwn, CheckRequest{Resource: foreign})
	s.Require().NoError(err)
	s.Equal(models.DecisionDeny, decision.Outcome)
	s.Equal(models.ReasonNotOwner, decision.Reason)
}

func (s *EngineSuite) TestScopedEffectWithoutResourceReturnsConstraint() {
	ctx := context.Background()
	decision, err := s.engine.Check(ctx, s.principal(models.RoleDirectService, s.housing), models.PermNoteEditOwn, CheckRequest{})
	s.Require().NoError(err)
	s.Equal(models.DecisionScopedAllow, decision.Outcome)
	s.Require().NotNil(decision.Constraint)
	s.True(decision.Constraint.OwnerOnly)
	s.True(decision.Allowed())
}

func (s *EngineSuite) TestGatedEffectRequiresJustification() {
	ctx := context.Background()
	principal := s.principal(models.RoleProgramManager, s.housing)
	resource := s.clientResource(s.housing)

	decision, err := s.engine.Check(ctx, principal, models.PermClientExport, CheckRequest{Resource: resource})
	s.Require().NoError(err)
	s.Equal(models.DecisionDeny, decision.Outcome)
	s.Equal(models.ReasonJustificationRequired, decision.Reason)

	decision, err = s.engine.Check(ctx, principal, models.PermClientExport, CheckRequest{
		Resource:      resource,
		Justification: "funder compliance review 2026-Q3",
	})
	s.Require().NoError(err)
	s.Equal(models.DecisionAllow, decision.Outcome)
}

func (s *EngineSuite) TestInactivePrincipalDenied() {
	ctx := context.Background()
	principal := s.principal(models.RoleAdministrator, s.housing)
	principal.Active = false

	decision, err := s.engine.Check(ctx, principal, models.PermClientView, CheckRequest{})
	s.Require().NoError(err)
	s.Equal(models.ReasonPrincipalInactive, decision.Reason)
}

func (s *EngineSuite) TestScopeForAuditViewer() {
	admin := s.principal(models.RoleAdministrator)
	s.True(s.engine.Scope(admin).SeesAll)

	pm := s.principal(models.RoleProgramManager, s.housing)
	viewer := s.engine.Scope(pm)
	s.False(viewer.SeesAll)
	s.Equal([]id.ProgramID{s.housing}, viewer.Programs)
}

func TestDefaultMatrixIsExhaustive(t *testing.T) {
	require.NoError(t, models.DefaultMatrix().Validate())

	// Every pair resolves. No implicit deny-by-omission ambiguity.
	m := models.DefaultMatrix()
	for _, role := range models.Roles() {
		for _, key := range models.PermissionKeys() {
			_, ok := m.Lookup(role, key)
			assert.Truef(t, ok, "matrix missing %s/%s", role, key)
		}
	}
}
