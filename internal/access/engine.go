// Package access implements the access control engine: one Check entry point
// consulted by every resource accessor, enforcing the role × permission ×
// program matrix, client access blocks, and confidential-program isolation.
package access

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"caseguard/internal/access/metrics"
	"caseguard/internal/access/models"
	"caseguard/internal/access/store/block"
	"caseguard/internal/access/store/program"
	"caseguard/internal/access/tracer"
	"caseguard/internal/audit"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
)

// minJustificationLen is the minimum length of a GATED justification artifact.
const minJustificationLen = 10

// CheckRequest carries the optional context of one access check.
type CheckRequest struct {
	// Resource is the concrete target, when known. Without one, SCOPED
	// effects return a ScopedAllow constraint instead of a final answer.
	Resource *models.Resource
	// Justification is the artifact GATED effects require.
	Justification string
}

// Engine evaluates access decisions. The matrix is process-wide read-only
// state at request time; ReloadMatrix is the only configuration-change path.
type Engine struct {
	mu     sync.RWMutex
	matrix *models.Matrix

	blocks   block.Store
	programs program.Store
	auditor  *audit.Writer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   tracer.Tracer
}

// Option configures the Engine.
type Option func(*Engine)

// WithMetrics sets the metrics collector for the engine.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer for the engine.
func WithTracer(t tracer.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New creates the engine. The matrix must validate exhaustively; a matrix
// with holes never becomes live. Panics on nil stores - running the trust
// boundary without block precedence is a misconfiguration, not a mode.
func New(matrix *models.Matrix, blocks block.Store, programs program.Store, auditor *audit.Writer, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if blocks == nil {
		panic("access.New: block store is required")
	}
	if programs == nil {
		panic("access.New: program store is required")
	}
	if auditor == nil {
		panic("access.New: audit writer is required")
	}
	if err := matrix.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		matrix:   matrix,
		blocks:   blocks,
		programs: programs,
		auditor:  auditor,
		logger:   logger,
		tracer:   tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ReloadMatrix swaps in a new matrix after validating it. Invalid matrices are
// rejected and the previous one stays live.
func (e *Engine) ReloadMatrix(matrix *models.Matrix) error {
	if err := matrix.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.logger != nil {
		e.logger.Info("permission matrix reloaded",
			"old_version", e.matrix.Version,
			"new_version", matrix.Version,
		)
	}
	e.matrix = matrix
	return nil
}

// Matrix returns the live matrix, for the UI-facing enumeration endpoint.
func (e *Engine) Matrix() *models.Matrix {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.matrix
}

// Check decides whether the principal may perform the keyed action, optionally
// against a concrete resource. Denials are audited; infrastructure failures
// return an error and the caller must treat the action as failed (fail closed).
func (e *Engine) Check(ctx context.Context, principal models.Principal, key models.PermissionKey, req CheckRequest) (models.Decision, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, tracer.SpanCheck,
		tracer.String(tracer.AttrPermissionKey, string(key)),
		tracer.String(tracer.AttrRole, string(principal.Role)),
	)

	decision, err := e.check(ctx, principal, key, req)
	span.SetAttributes(tracer.String(tracer.AttrOutcome, string(decision.Outcome)))
	if decision.Denied() {
		span.SetAttributes(tracer.String(tracer.AttrDenyReason, string(decision.Reason)))
	}
	span.End(err)

	if e.metrics != nil {
		e.metrics.ChecksTotal.WithLabelValues(string(key), string(decision.Outcome)).Inc()
		e.metrics.CheckLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return models.Decision{}, err
	}
	if decision.Denied() {
		e.auditDenial(ctx, principal, key, req.Resource, decision)
	}
	return decision, nil
}

func (e *Engine) check(ctx context.Context, principal models.Principal, key models.PermissionKey, req CheckRequest) (models.Decision, error) {
	matrix := e.Matrix()
	deny := func(reason models.DenyReason) models.Decision {
		return models.Decision{Outcome: models.DecisionDeny, Reason: reason, MatrixVersion: matrix.Version}
	}

	if !principal.Active {
		return deny(models.ReasonPrincipalInactive), nil
	}

	effect, ok := matrix.Lookup(principal.Role, key)
	if !ok {
		// A hole in the matrix is a configuration error, not an implicit
		// allow. Fail closed and log the integrity warning loudly.
		if e.metrics != nil {
			e.metrics.ConfigurationGaps.Inc()
		}
		if e.logger != nil {
			e.logger.ErrorContext(ctx, "permission matrix integrity violation: unmapped pair",
				"role", principal.Role,
				"permission_key", key,
				"matrix_version", matrix.Version,
			)
		}
		return deny(models.ReasonConfigurationGap), nil
	}

	if effect == models.EffectDeny {
		return deny(models.ReasonRoleForbidden), nil
	}

	if req.Resource != nil {
		// Block precedence: an explicit ClientAccessBlock overrides any
		// otherwise-allow, never the reverse.
		blocked, err := e.isBlocked(ctx, principal, req.Resource.ClientID)
		if err != nil {
			return models.Decision{}, err
		}
		if blocked {
			if e.metrics != nil {
				e.metrics.BlockHits.Inc()
			}
			return deny(models.ReasonAccessBlocked), nil
		}

		visible, err := e.resourceVisible(ctx, principal, *req.Resource)
		if err != nil {
			return models.Decision{}, err
		}
		if !visible {
			return deny(models.ReasonOutOfScope), nil
		}
	}

	switch effect {
	case models.EffectAllow:
		return models.Decision{Outcome: models.DecisionAllow, MatrixVersion: matrix.Version}, nil

	case models.EffectScoped:
		if req.Resource == nil {
			return models.Decision{
				Outcome:       models.DecisionScopedAllow,
				Constraint:    &models.ScopeConstraint{OwnerOnly: true, Programs: programStrings(principal.ProgramIDs())},
				MatrixVersion: matrix.Version,
			}, nil
		}
		if req.Resource.OwnerID != principal.ID {
			return deny(models.ReasonNotOwner), nil
		}
		return models.Decision{Outcome: models.DecisionAllow, MatrixVersion: matrix.Version}, nil

	case models.EffectGated:
		if len(req.Justification) < minJustificationLen {
			return deny(models.ReasonJustificationRequired), nil
		}
		return models.Decision{Outcome: models.DecisionAllow, MatrixVersion: matrix.Version}, nil
	}

	// Unreachable with a validated matrix; fail closed anyway.
	return deny(models.ReasonConfigurationGap), nil
}

// isBlocked consults ClientAccessBlocks for the principal against the client.
func (e *Engine) isBlocked(ctx context.Context, principal models.Principal, clientID id.ClientID) (bool, error) {
	if clientID.IsNil() {
		return false, nil
	}
	ctx, span := e.tracer.Start(ctx, tracer.SpanBlockCheck)
	blocks, err := e.blocks.ListByClient(ctx, clientID)
	span.End(err)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "could not consult access blocks")
	}
	for _, b := range blocks {
		if b.AppliesTo(principal) {
			return true, nil
		}
	}
	return false, nil
}

// resourceVisible applies program isolation: the principal must share a
// program with the resource, and every confidential program the resource
// belongs to requires explicit membership. An explicit share bypasses program
// scope but never a block.
//
// Every surface that exposes resource existence across programs (search,
// duplicate detection, aggregate counts) must route through this same
// computation via Check or Scope - re-implementations are how confidential
// membership leaks.
func (e *Engine) resourceVisible(ctx context.Context, principal models.Principal, resource models.Resource) (bool, error) {
	if resource.SharedWithPrincipal(principal.ID) {
		return true, nil
	}

	inScope := false
	for _, programID := range resource.Programs {
		if principal.MemberOf(programID) {
			inScope = true
			continue
		}
		prog, err := e.programs.Find(ctx, programID)
		if err != nil {
			return false, dErrors.Wrap(err, dErrors.CodeInternal, "could not resolve resource program")
		}
		if prog.Confidential {
			// Enrollment in a confidential program hides the resource from
			// anyone not explicitly granted that program, even members of
			// its other programs.
			return false, nil
		}
	}
	return inScope, nil
}

// Scope computes the audit-trail viewer scope for a principal, reusing the
// engine's program isolation rather than letting the audit module re-derive it.
func (e *Engine) Scope(principal models.Principal) audit.Viewer {
	return audit.Viewer{
		PrincipalID: principal.ID,
		SeesAll:     principal.Role == models.RoleAdministrator,
		Programs:    principal.ProgramIDs(),
	}
}

func (e *Engine) auditDenial(ctx context.Context, principal models.Principal, key models.PermissionKey, resource *models.Resource, decision models.Decision) {
	entry := audit.Entry{
		PrincipalID: principal.ID,
		Action:      string(key),
		Outcome:     audit.OutcomeDenied,
		Demo:        principal.Demo,
		Metadata: map[string]string{
			"reason":         string(decision.Reason),
			"matrix_version": decision.MatrixVersion,
		},
	}
	if resource != nil {
		entry.ResourceType = resource.Type
		entry.ResourceID = resource.ID
		entry.Programs = resource.Programs
	}
	// The action is already denied; a failed denial audit degrades to a
	// warning instead of masking the denial with a different error.
	e.auditor.RecordBestEffort(ctx, entry)
}

func programStrings(programs []id.ProgramID) []string {
	out := make([]string, 0, len(programs))
	for _, p := range programs {
		out = append(out, p.String())
	}
	return out
}
