// Package service orchestrates the multi-party erasure workflow. No erasure
// executes without the full required-approver set signing off, and the
// pending to approved edge is a conditional write so racing final approvals
// cannot both execute.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"caseguard/internal/access"
	accmodels "caseguard/internal/access/models"
	"caseguard/internal/access/store/block"
	"caseguard/internal/access/store/principal"
	"caseguard/internal/audit"
	clientmodels "caseguard/internal/client/models"
	"caseguard/internal/erasure/metrics"
	"caseguard/internal/erasure/models"
	"caseguard/internal/erasure/schedule"
	"caseguard/internal/erasure/store"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
	platformsync "caseguard/pkg/platform/sync"
)

//go:generate mockgen -source=service.go -destination=mocks/service_mock.go -package=mocks

// Executor performs the destructive tiers. The client service implements it;
// it reports record counts only.
type Executor interface {
	Anonymise(ctx context.Context, clientID id.ClientID) (clientmodels.ErasureCounts, error)
	Purge(ctx context.Context, clientID id.ClientID) (clientmodels.ErasureCounts, error)
	Delete(ctx context.Context, clientID id.ClientID) (clientmodels.ErasureCounts, error)
}

// ClientDirectory is the read-only client lookup the workflow needs for
// scope and approver computation.
type ClientDirectory interface {
	FindClient(ctx context.Context, clientID id.ClientID) (*clientmodels.Client, error)
}

const defaultDeferWindow = 72 * time.Hour

type Option func(*Service)

// Service runs the erasure request lifecycle.
type Service struct {
	store       store.Store
	executor    Executor
	clients     ClientDirectory
	principals  principal.Store
	blocks      block.Store
	engine      *access.Engine
	scheduler   schedule.Scheduler
	auditor     *audit.Writer
	logger      *slog.Logger
	metrics     *metrics.Metrics
	deferWindow time.Duration
	// locks serializes in-process transitions per request; the store's
	// conditional write remains the cross-process guard.
	locks *platformsync.ShardedMutex
	now   func() time.Time
}

func New(st store.Store, executor Executor, clients ClientDirectory, principals principal.Store,
	blocks block.Store, engine *access.Engine, scheduler schedule.Scheduler,
	auditor *audit.Writer, logger *slog.Logger, opts ...Option) *Service {
	if st == nil || executor == nil || clients == nil || principals == nil || blocks == nil {
		panic("erasure service requires store, executor, clients, principals and blocks")
	}
	if engine == nil {
		panic("erasure service requires the access engine")
	}
	if scheduler == nil {
		panic("erasure service requires a scheduler")
	}
	if auditor == nil {
		panic("erasure service requires an audit writer")
	}
	svc := &Service{
		store:       st,
		executor:    executor,
		clients:     clients,
		principals:  principals,
		blocks:      blocks,
		engine:      engine,
		scheduler:   scheduler,
		auditor:     auditor,
		logger:      logger,
		deferWindow: defaultDeferWindow,
		locks:       platformsync.NewShardedMutex(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDeferWindow overrides the delete-tier deferral window.
func WithDeferWindow(window time.Duration) Option {
	return func(s *Service) {
		if window > 0 {
			s.deferWindow = window
		}
	}
}

// WithClock overrides the timestamp source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Submit opens an erasure request and locks in the required-approver set:
// every program manager with current non-blocked access to the client. An
// empty set is an operational error, never an auto-approval.
func (s *Service) Submit(ctx context.Context, requester accmodels.Principal, clientID id.ClientID, tier models.Tier, reason string) (*models.Request, error) {
	client, err := s.clients.FindClient(ctx, clientID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "client not found")
	}
	if err := s.authorize(ctx, requester, accmodels.PermErasureReq, client); err != nil {
		return nil, err
	}

	approvers, err := s.requiredApprovers(ctx, client)
	if err != nil {
		return nil, err
	}
	if len(approvers) == 0 {
		return nil, dErrors.New(dErrors.CodeNoApprovers,
			"no program manager has non-blocked access to this client; resolve staffing before requesting erasure")
	}

	now := s.now()
	request := &models.Request{
		ID:                id.NewErasureID(),
		ClientID:          clientID,
		Tier:              tier,
		Reason:            reason,
		RequestedBy:       requester.ID,
		State:             models.StateRequested,
		RequiredApprovers: approvers,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := request.Transition(models.StatePendingApproval); err != nil {
		return nil, s.stateError(err)
	}
	if err := s.store.Save(ctx, request); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not save erasure request")
	}

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(string(tier)).Inc()
		s.metrics.Transitions.WithLabelValues(string(models.StatePendingApproval)).Inc()
	}
	if err := s.auditTransition(ctx, requester.ID, request, audit.ActionErasureRequest, map[string]string{
		"tier":               string(tier),
		"reason":             reason,
		"required_approvers": fmt.Sprintf("%d", len(approvers)),
	}, client); err != nil {
		return nil, err
	}
	return request, nil
}

// Approve records one sign-off. The final approval transitions the request
// and either executes immediately or, for the delete tier, parks it on the
// deferral schedule.
func (s *Service) Approve(ctx context.Context, approver accmodels.Principal, erasureID id.ErasureID) (*models.Request, error) {
	s.locks.Lock(erasureID.String())
	defer s.locks.Unlock(erasureID.String())

	request, client, err := s.loadForApprover(ctx, approver, erasureID, accmodels.PermErasureApprove)
	if err != nil {
		return nil, err
	}
	if request.State != models.StatePendingApproval {
		return nil, s.stateError(&models.StateError{Current: request.State, Attempted: models.StateApproved})
	}
	if request.HasApproved(approver.ID) {
		return request, nil
	}

	now := s.now()
	request.Approvals = append(request.Approvals, models.Approval{ApproverID: approver.ID, ApprovedAt: now})
	request.UpdatedAt = now

	final := request.FullyApproved()
	if final {
		if err := request.Transition(models.StateApproved); err != nil {
			return nil, s.stateError(err)
		}
		if request.Tier == models.TierDelete {
			executeAfter := now.Add(s.deferWindow)
			request.ExecuteAfter = &executeAfter
		}
	}

	// The conditional write is the arbiter: two racing final approvals
	// cannot both pass this point.
	if err := s.store.Update(ctx, request); err != nil {
		if errors.Is(err, sentinel.ErrStaleVersion) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "erasure request changed concurrently, retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not record approval")
	}

	if err := s.auditTransition(ctx, approver.ID, request, audit.ActionErasureApproval, map[string]string{
		"approvals": fmt.Sprintf("%d/%d", len(request.Approvals), len(request.RequiredApprovers)),
	}, client); err != nil {
		return nil, err
	}

	if !final {
		return request, nil
	}
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(models.StateApproved)).Inc()
	}

	if request.Tier == models.TierDelete {
		if err := s.scheduler.Defer(ctx, request.ID, *request.ExecuteAfter); err != nil {
			// The approval is already committed; the worker sweep reconciles
			// approved requests missing from the schedule.
			if s.logger != nil {
				s.logger.WarnContext(ctx, "could not schedule deferred delete, sweep will pick it up",
					"erasure_id", request.ID,
					"error", err,
				)
			}
		}
		return request, nil
	}
	if err := s.execute(ctx, approver.ID, request, client); err != nil {
		return nil, err
	}
	return request, nil
}

// Reject is terminal on first use: one rejection ends the request for every
// approver.
func (s *Service) Reject(ctx context.Context, approver accmodels.Principal, erasureID id.ErasureID) (*models.Request, error) {
	s.locks.Lock(erasureID.String())
	defer s.locks.Unlock(erasureID.String())

	request, client, err := s.loadForApprover(ctx, approver, erasureID, accmodels.PermErasureApprove)
	if err != nil {
		return nil, err
	}
	if err := request.Transition(models.StateRejected); err != nil {
		return nil, s.stateError(err)
	}
	rejectedBy := approver.ID
	request.RejectedBy = &rejectedBy
	request.UpdatedAt = s.now()

	if err := s.store.Update(ctx, request); err != nil {
		if errors.Is(err, sentinel.ErrStaleVersion) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "erasure request changed concurrently, retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not record rejection")
	}
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(models.StateRejected)).Inc()
	}
	if err := s.auditTransition(ctx, approver.ID, request, audit.ActionErasureRejected, nil, client); err != nil {
		return nil, err
	}
	return request, nil
}

// Cancel withdraws an approved delete-tier request before its deferral
// deadline. Any required approver may cancel.
func (s *Service) Cancel(ctx context.Context, approver accmodels.Principal, erasureID id.ErasureID) (*models.Request, error) {
	s.locks.Lock(erasureID.String())
	defer s.locks.Unlock(erasureID.String())

	request, client, err := s.loadForApprover(ctx, approver, erasureID, accmodels.PermErasureApprove)
	if err != nil {
		return nil, err
	}
	if request.Tier != models.TierDelete {
		return nil, dErrors.New(dErrors.CodeBadRequest, "only deferred delete requests can be cancelled")
	}
	now := s.now()
	if request.ExecuteAfter != nil && !now.Before(*request.ExecuteAfter) {
		return nil, dErrors.New(dErrors.CodeInvalidState, "deferral deadline passed, request is no longer cancellable")
	}
	if err := request.Transition(models.StateCancelled); err != nil {
		return nil, s.stateError(err)
	}
	cancelledBy := approver.ID
	request.CancelledBy = &cancelledBy
	request.UpdatedAt = now

	if err := s.store.Update(ctx, request); err != nil {
		if errors.Is(err, sentinel.ErrStaleVersion) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "erasure request changed concurrently, retry")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not record cancellation")
	}
	if err := s.scheduler.Cancel(ctx, request.ID); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not unschedule deferred delete")
	}
	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(models.StateCancelled)).Inc()
	}
	if err := s.auditTransition(ctx, approver.ID, request, audit.ActionErasureCancel, nil, client); err != nil {
		return nil, err
	}
	return request, nil
}

// Get returns one request; the caller must hold audit or approver standing,
// enforced at the transport layer via the engine.
func (s *Service) Get(ctx context.Context, erasureID id.ErasureID) (*models.Request, error) {
	request, err := s.store.Find(ctx, erasureID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "erasure request not found")
	}
	return request, nil
}

// ExecuteDue runs every scheduled delete whose deadline has passed, then
// sweeps approved requests the schedule has no entry for. A crash or a failed
// Defer between the approval's conditional write and the schedule write would
// otherwise strand the request in Approved forever. Safe to call concurrently
// because execution is guarded by the same conditional write as approval.
func (s *Service) ExecuteDue(ctx context.Context) (int, error) {
	now := s.now()
	executed := 0
	seen := make(map[id.ErasureID]bool)

	due, err := s.scheduler.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, erasureID := range due {
		seen[erasureID] = true
		request, err := s.store.Find(ctx, erasureID)
		if errors.Is(err, sentinel.ErrNotFound) {
			// Cancelled and compacted elsewhere; drop the stale entry.
			if err := s.scheduler.Cancel(ctx, erasureID); err != nil {
				return executed, err
			}
			continue
		}
		if err != nil {
			return executed, err
		}
		if request.State != models.StateApproved {
			if err := s.scheduler.Cancel(ctx, erasureID); err != nil {
				return executed, err
			}
			continue
		}
		if s.executeScheduled(ctx, request) {
			if err := s.scheduler.Cancel(ctx, request.ID); err != nil {
				return executed, err
			}
			executed++
		}
	}

	approved, err := s.store.ListInState(ctx, models.StateApproved)
	if err != nil {
		return executed, dErrors.Wrap(err, dErrors.CodeInternal, "could not sweep approved erasure requests")
	}
	for _, request := range approved {
		if seen[request.ID] {
			continue
		}
		if request.ExecuteAfter != nil && now.Before(*request.ExecuteAfter) {
			continue
		}
		if s.executeScheduled(ctx, request) {
			if err := s.scheduler.Cancel(ctx, request.ID); err != nil {
				return executed, err
			}
			executed++
		}
	}
	return executed, nil
}

// executeScheduled runs one approved request's tier; failures are logged and
// the request stays approved for the next sweep.
func (s *Service) executeScheduled(ctx context.Context, request *models.Request) bool {
	client, err := s.clients.FindClient(ctx, request.ClientID)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "could not load client for scheduled erasure",
				"erasure_id", request.ID,
				"error", err,
			)
		}
		return false
	}
	if err := s.execute(ctx, request.RequestedBy, request, client); err != nil {
		if s.metrics != nil {
			s.metrics.ExecutionFailures.Inc()
		}
		if s.logger != nil {
			s.logger.ErrorContext(ctx, "scheduled erasure failed",
				"erasure_id", request.ID,
				"tier", request.Tier,
				"error", err,
			)
		}
		return false
	}
	return true
}

// execute runs the destructive tier and marks the request executed. The
// audit entry carries counts only.
func (s *Service) execute(ctx context.Context, actor id.PrincipalID, request *models.Request, client *clientmodels.Client) error {
	var (
		counts clientmodels.ErasureCounts
		err    error
	)
	switch request.Tier {
	case models.TierAnonymise:
		counts, err = s.executor.Anonymise(ctx, request.ClientID)
	case models.TierPurge:
		counts, err = s.executor.Purge(ctx, request.ClientID)
	case models.TierDelete:
		counts, err = s.executor.Delete(ctx, request.ClientID)
	default:
		return dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown erasure tier %q", request.Tier))
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "erasure execution failed")
	}

	now := s.now()
	request.ExecutedAt = &now
	request.UpdatedAt = now
	if err := request.Transition(models.StateExecuted); err != nil {
		return s.stateError(err)
	}
	if err := s.store.Update(ctx, request); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "could not mark erasure executed")
	}

	if s.metrics != nil {
		s.metrics.Transitions.WithLabelValues(string(models.StateExecuted)).Inc()
		s.metrics.ExecutionsTotal.WithLabelValues(string(request.Tier)).Inc()
		s.metrics.RecordsErased.WithLabelValues("client").Add(float64(counts.Clients))
		s.metrics.RecordsErased.WithLabelValues("note").Add(float64(counts.Notes))
		s.metrics.RecordsErased.WithLabelValues("plan").Add(float64(counts.Plans))
	}
	return s.auditTransition(ctx, actor, request, audit.ActionErasureExecuted, map[string]string{
		"tier":           string(request.Tier),
		"clients_erased": fmt.Sprintf("%d", counts.Clients),
		"notes_erased":   fmt.Sprintf("%d", counts.Notes),
		"plans_erased":   fmt.Sprintf("%d", counts.Plans),
		"records_erased": fmt.Sprintf("%d", counts.Total()),
	}, client)
}

// requiredApprovers computes the fixed approver set at submission: everyone
// managing one of the client's enrolled programs (program managers by role,
// coordinators within the program) whose role the live matrix lets approve,
// minus anyone an access block excludes. The matrix check keeps the set
// satisfiable: a required approver whose role cannot pass the approval
// permission would deadlock the request.
func (s *Service) requiredApprovers(ctx context.Context, client *clientmodels.Client) ([]id.PrincipalID, error) {
	blocks, err := s.blocks.ListByClient(ctx, client.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not consult access blocks")
	}

	matrix := s.engine.Matrix()
	seen := make(map[id.PrincipalID]bool)
	var approvers []id.PrincipalID
	for _, programID := range client.Programs {
		managers, err := s.principals.ListByProgram(ctx, programID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not list program principals")
		}
		for _, candidate := range managers {
			if !candidate.IsManagerOf(programID) || seen[candidate.ID] {
				continue
			}
			effect, ok := matrix.Lookup(candidate.Role, accmodels.PermErasureApprove)
			if !ok || effect == accmodels.EffectDeny {
				continue
			}
			blocked := false
			for _, b := range blocks {
				if b.AppliesTo(*candidate) {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			seen[candidate.ID] = true
			approvers = append(approvers, candidate.ID)
		}
	}
	return approvers, nil
}

func (s *Service) loadForApprover(ctx context.Context, approver accmodels.Principal, erasureID id.ErasureID, key accmodels.PermissionKey) (*models.Request, *clientmodels.Client, error) {
	request, err := s.store.Find(ctx, erasureID)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeNotFound, "erasure request not found")
	}
	client, err := s.clients.FindClient(ctx, request.ClientID)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "could not load client for erasure request")
	}
	if err := s.authorize(ctx, approver, key, client); err != nil {
		return nil, nil, err
	}
	if !request.RequiresApprovalFrom(approver.ID) {
		return nil, nil, dErrors.New(dErrors.CodeForbidden, "principal is not a required approver for this request")
	}
	return request, client, nil
}

func (s *Service) authorize(ctx context.Context, principal accmodels.Principal, key accmodels.PermissionKey, client *clientmodels.Client) error {
	decision, err := s.engine.Check(ctx, principal, key, access.CheckRequest{Resource: client.Resource()})
	if err != nil {
		return err
	}
	if !decision.Allowed() {
		return dErrors.New(dErrors.CodeForbidden, "access denied")
	}
	return nil
}

func (s *Service) stateError(err error) error {
	return dErrors.Wrap(err, dErrors.CodeInvalidState, "illegal erasure transition")
}

func (s *Service) auditTransition(ctx context.Context, actor id.PrincipalID, request *models.Request, action string, metadata map[string]string, client *clientmodels.Client) error {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["erasure_id"] = request.ID.String()
	metadata["state"] = string(request.State)
	return s.auditor.Record(ctx, audit.Entry{
		PrincipalID:  actor,
		Action:       action,
		ResourceType: "client",
		ResourceID:   request.ClientID.String(),
		Outcome:      audit.OutcomeAllowed,
		Programs:     client.Programs,
		Metadata:     metadata,
		Demo:         client.Demo,
	})
}
