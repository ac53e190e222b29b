package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"caseguard/internal/access"
	accmodels "caseguard/internal/access/models"
	"caseguard/internal/access/store/block"
	"caseguard/internal/access/store/principal"
	"caseguard/internal/access/store/program"
	"caseguard/internal/audit"
	clientmodels "caseguard/internal/client/models"
	clientstore "caseguard/internal/client/store"
	"caseguard/internal/crypto"
	"caseguard/internal/erasure/models"
	"caseguard/internal/erasure/schedule"
	"caseguard/internal/erasure/service/mocks"
	"caseguard/internal/erasure/store"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
)

type WorkflowSuite struct {
	suite.Suite
	ctrl       *gomock.Controller
	executor   *mocks.MockExecutor
	svc        *Service
	store      *store.InMemoryStore
	scheduler  *schedule.InMemoryScheduler
	auditStore *audit.InMemoryStore
	blocks     *block.InMemoryStore
	principals *principal.InMemoryStore
	clients    *clientstore.InMemoryStore
	engine     *access.Engine
	writer     *audit.Writer

	clock   time.Time
	housing id.ProgramID
	client  *clientmodels.Client
	pm1     accmodels.Principal
	pm2     accmodels.Principal
}

func (s *WorkflowSuite) SetupTest() {
	ctx := context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.executor = mocks.NewMockExecutor(s.ctrl)
	s.store = store.NewInMemory()
	s.scheduler = schedule.NewInMemory()
	s.auditStore = audit.NewInMemoryStore()
	s.blocks = block.NewInMemory()
	s.principals = principal.NewInMemory()
	s.clients = clientstore.NewInMemory()
	s.clock = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	s.housing = id.NewProgramID()

	programs := program.NewInMemory()
	s.Require().NoError(programs.Save(ctx, accmodels.Program{ID: s.housing, Name: "housing"}))

	s.pm1 = s.manager("pm-one")
	s.pm2 = s.manager("pm-two")

	material := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x33}, 32))
	keyring, err := crypto.LoadKeyring("key-a:"+material, nil)
	s.Require().NoError(err)
	sealedName, err := keyring.Seal("Jo Client")
	s.Require().NoError(err)

	s.client = &clientmodels.Client{
		ID:        id.NewClientID(),
		Name:      sealedName,
		Programs:  []id.ProgramID{s.housing},
		CreatedAt: s.clock,
		UpdatedAt: s.clock,
	}
	s.Require().NoError(s.clients.SaveClient(ctx, s.client))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := audit.NewWriter(s.auditStore, logger)
	engine, err := access.New(accmodels.DefaultMatrix(), s.blocks, programs, writer, logger)
	s.Require().NoError(err)
	s.engine = engine
	s.writer = writer

	s.svc = New(s.store, s.executor, s.clients, s.principals, s.blocks, engine,
		s.scheduler, writer, logger,
		WithDeferWindow(48*time.Hour),
		WithClock(func() time.Time { return s.clock }),
	)
}

func (s *WorkflowSuite) TearDownTest() {
	s.ctrl.Finish()
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(WorkflowSuite))
}

func (s *WorkflowSuite) manager(name string) accmodels.Principal {
	p := accmodels.Principal{
		ID:          id.NewPrincipalID(),
		DisplayName: name,
		Role:        accmodels.RoleProgramManager,
		Programs:    map[id.ProgramID]accmodels.SubRole{s.housing: accmodels.SubRoleCoordinator},
		Active:      true,
	}
	s.Require().NoError(s.principals.Save(context.Background(), &p))
	return p
}

func (s *WorkflowSuite) submit(tier models.Tier) *models.Request {
	request, err := s.svc.Submit(context.Background(), s.pm1, s.client.ID, tier, "client_request")
	s.Require().NoError(err)
	return request
}

func (s *WorkflowSuite) TestSubmitLocksApproverSet() {
	request := s.submit(models.TierAnonymise)

	s.Equal(models.StatePendingApproval, request.State)
	s.ElementsMatch([]id.PrincipalID{s.pm1.ID, s.pm2.ID}, request.RequiredApprovers)

	entries := s.auditStore.All()
	s.Require().Len(entries, 1)
	s.Equal(audit.ActionErasureRequest, entries[0].Action)
	s.Equal("2", entries[0].Metadata["required_approvers"])
}

func (s *WorkflowSuite) TestSubmitWithNoApproversFails() {
	ctx := context.Background()
	orphanProgram := id.NewProgramID()
	orphan := &clientmodels.Client{
		ID:       id.NewClientID(),
		Programs: []id.ProgramID{orphanProgram},
	}
	s.Require().NoError(s.clients.SaveClient(ctx, orphan))

	admin := accmodels.Principal{
		ID:       id.NewPrincipalID(),
		Role:     accmodels.RoleAdministrator,
		Programs: map[id.ProgramID]accmodels.SubRole{orphanProgram: accmodels.SubRoleStaff},
		Active:   true,
	}
	_, err := s.svc.Submit(ctx, admin, orphan.ID, models.TierAnonymise, "client_request")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNoApprovers))
}

func (s *WorkflowSuite) TestCoordinatorWithoutApprovalRightNotRequired() {
	ctx := context.Background()
	// A direct-service coordinator manages the program but their role can
	// never sign off, so requiring them would strand the request.
	coordinator := accmodels.Principal{
		ID:          id.NewPrincipalID(),
		DisplayName: "ds-coordinator",
		Role:        accmodels.RoleDirectService,
		Programs:    map[id.ProgramID]accmodels.SubRole{s.housing: accmodels.SubRoleCoordinator},
		Active:      true,
	}
	s.Require().NoError(s.principals.Save(ctx, &coordinator))

	request := s.submit(models.TierAnonymise)
	s.ElementsMatch([]id.PrincipalID{s.pm1.ID, s.pm2.ID}, request.RequiredApprovers)

	// Both program managers approving completes the request without the
	// coordinator's missing sign-off.
	_, err := s.svc.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	s.executor.EXPECT().
		Anonymise(gomock.Any(), s.client.ID).
		Return(clientmodels.ErasureCounts{Clients: 1}, nil)
	final, err := s.svc.Approve(ctx, s.pm2, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExecuted, final.State)
}

func (s *WorkflowSuite) TestBlockedManagerExcludedFromApprovers() {
	ctx := context.Background()
	blocked := s.pm2.ID
	s.Require().NoError(s.blocks.Create(ctx, accmodels.ClientAccessBlock{
		ID:               id.NewBlockID(),
		ClientID:         s.client.ID,
		BlockedPrincipal: &blocked,
		CreatedBy:        s.pm1.ID,
		CreatedAt:        s.clock,
		ReasonCategory:   "conflict_of_interest",
	}))

	request := s.submit(models.TierAnonymise)
	s.Equal([]id.PrincipalID{s.pm1.ID}, request.RequiredApprovers)
}

func (s *WorkflowSuite) TestUnanimousApprovalExecutes() {
	ctx := context.Background()
	request := s.submit(models.TierAnonymise)

	first, err := s.svc.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StatePendingApproval, first.State)

	s.executor.EXPECT().
		Anonymise(gomock.Any(), s.client.ID).
		Return(clientmodels.ErasureCounts{Clients: 1, Notes: 17}, nil)

	final, err := s.svc.Approve(ctx, s.pm2, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExecuted, final.State)
	s.Require().NotNil(final.ExecutedAt)

	entries := s.auditStore.All()
	last := entries[len(entries)-1]
	s.Equal(audit.ActionErasureExecuted, last.Action)
	s.Equal("17", last.Metadata["notes_erased"])
	s.Equal("18", last.Metadata["records_erased"])
	s.NotContains(fmt.Sprint(last.Metadata), "Jo Client")
}

func (s *WorkflowSuite) TestApprovalIsIdempotentPerApprover() {
	ctx := context.Background()
	request := s.submit(models.TierAnonymise)

	_, err := s.svc.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	again, err := s.svc.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	s.Len(again.Approvals, 1)
	s.Equal(models.StatePendingApproval, again.State)
}

func (s *WorkflowSuite) TestSingleRejectionIsTerminal() {
	ctx := context.Background()
	request := s.submit(models.TierPurge)

	rejected, err := s.svc.Reject(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateRejected, rejected.State)
	s.Equal(s.pm1.ID, *rejected.RejectedBy)

	_, err = s.svc.Approve(ctx, s.pm2, request.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *WorkflowSuite) TestOutsiderCannotApprove() {
	ctx := context.Background()
	request := s.submit(models.TierAnonymise)

	// A third manager in the same program holds the permission but is not
	// in the locked approver set.
	latecomer := s.manager("pm-three")
	_, err := s.svc.Approve(ctx, latecomer, request.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *WorkflowSuite) TestDeleteIsDeferredAndCancellable() {
	ctx := context.Background()
	request := s.submit(models.TierDelete)

	_, err := s.svc.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	approved, err := s.svc.Approve(ctx, s.pm2, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateApproved, approved.State)
	s.Require().NotNil(approved.ExecuteAfter)
	s.Equal(s.clock.Add(48*time.Hour), *approved.ExecuteAfter)

	// Nothing is due before the deadline.
	executed, err := s.svc.ExecuteDue(ctx)
	s.Require().NoError(err)
	s.Zero(executed)

	// Any required approver can cancel inside the window.
	cancelled, err := s.svc.Cancel(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateCancelled, cancelled.State)

	s.clock = s.clock.Add(72 * time.Hour)
	executed, err = s.svc.ExecuteDue(ctx)
	s.Require().NoError(err)
	s.Zero(executed, "cancelled request must never execute")
}

func (s *WorkflowSuite) TestDeferredDeleteExecutesAfterDeadline() {
	ctx := context.Background()
	request := s.submit(models.TierDelete)

	_, err := s.svc.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	_, err = s.svc.Approve(ctx, s.pm2, request.ID)
	s.Require().NoError(err)

	s.executor.EXPECT().
		Delete(gomock.Any(), s.client.ID).
		Return(clientmodels.ErasureCounts{Clients: 1, Notes: 3, Plans: 1}, nil)

	s.clock = s.clock.Add(49 * time.Hour)
	executed, err := s.svc.ExecuteDue(ctx)
	s.Require().NoError(err)
	s.Equal(1, executed)

	final, err := s.svc.Get(ctx, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExecuted, final.State)

	// The schedule entry is gone; a second drain is a no-op.
	executed, err = s.svc.ExecuteDue(ctx)
	s.Require().NoError(err)
	s.Zero(executed)
}

// failingScheduler loses every Defer call, as a crashed redis would.
type failingScheduler struct {
	schedule.Scheduler
}

func (failingScheduler) Defer(context.Context, id.ErasureID, time.Time) error {
	return errors.New("schedule unavailable")
}

func (s *WorkflowSuite) TestApprovedDeleteSurvivesSchedulerFailure() {
	ctx := context.Background()
	request := s.submit(models.TierDelete)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	flaky := New(s.store, s.executor, s.clients, s.principals, s.blocks, s.engine,
		failingScheduler{s.scheduler}, s.writer, logger,
		WithDeferWindow(48*time.Hour),
		WithClock(func() time.Time { return s.clock }),
	)

	_, err := flaky.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	approved, err := flaky.Approve(ctx, s.pm2, request.ID)
	s.Require().NoError(err, "a committed approval must not fail on a scheduling error")
	s.Equal(models.StateApproved, approved.State)

	// The schedule has no entry, but the sweep reconciles from the store.
	s.executor.EXPECT().
		Delete(gomock.Any(), s.client.ID).
		Return(clientmodels.ErasureCounts{Clients: 1}, nil)

	s.clock = s.clock.Add(49 * time.Hour)
	executed, err := s.svc.ExecuteDue(ctx)
	s.Require().NoError(err)
	s.Equal(1, executed)

	final, err := s.svc.Get(ctx, request.ID)
	s.Require().NoError(err)
	s.Equal(models.StateExecuted, final.State)
}

func (s *WorkflowSuite) TestCancelAfterDeadlineRefused() {
	ctx := context.Background()
	request := s.submit(models.TierDelete)
	_, err := s.svc.Approve(ctx, s.pm1, request.ID)
	s.Require().NoError(err)
	_, err = s.svc.Approve(ctx, s.pm2, request.ID)
	s.Require().NoError(err)

	s.clock = s.clock.Add(49 * time.Hour)
	_, err = s.svc.Cancel(ctx, s.pm1, request.ID)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func TestStateMachineEdges(t *testing.T) {
	legal := []struct {
		from, to models.State
	}{
		{models.StateRequested, models.StatePendingApproval},
		{models.StatePendingApproval, models.StateApproved},
		{models.StatePendingApproval, models.StateRejected},
		{models.StateApproved, models.StateExecuted},
		{models.StateApproved, models.StateCancelled},
	}
	for _, edge := range legal {
		if !edge.from.CanTransition(edge.to) {
			t.Errorf("expected %s -> %s to be legal", edge.from, edge.to)
		}
	}

	illegal := []struct {
		from, to models.State
	}{
		{models.StateRejected, models.StateApproved},
		{models.StateExecuted, models.StatePendingApproval},
		{models.StateCancelled, models.StateExecuted},
		{models.StateRequested, models.StateExecuted},
	}
	for _, edge := range illegal {
		if edge.from.CanTransition(edge.to) {
			t.Errorf("expected %s -> %s to be illegal", edge.from, edge.to)
		}
	}

	request := &models.Request{State: models.StateRejected}
	err := request.Transition(models.StateApproved)
	var stateErr *models.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if stateErr.Current != models.StateRejected {
		t.Errorf("StateError should carry the current state, got %s", stateErr.Current)
	}
}
