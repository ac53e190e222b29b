// Package handler exposes the access engine over HTTP: decision preflight,
// matrix enumeration and client access blocks.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"caseguard/internal/access"
	"caseguard/internal/access/models"
	"caseguard/internal/access/store/block"
	"caseguard/internal/audit"
	clientmodels "caseguard/internal/client/models"
	"caseguard/internal/platform/middleware"
	"caseguard/internal/sentinel"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
	"caseguard/pkg/platform/httputil"
	"caseguard/pkg/platform/validation"
)

// ClientDirectory loads the resource slice decisions and blocks are scoped by.
type ClientDirectory interface {
	FindClient(ctx context.Context, clientID id.ClientID) (*clientmodels.Client, error)
}

type Handler struct {
	engine  *access.Engine
	blocks  block.Store
	clients ClientDirectory
	auditor *audit.Writer
	logger  *slog.Logger
	now     func() time.Time
}

func New(engine *access.Engine, blocks block.Store, clients ClientDirectory, auditor *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{
		engine:  engine,
		blocks:  blocks,
		clients: clients,
		auditor: auditor,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/access/check", h.HandleCheck)
	r.Get("/access/matrix", h.HandleMatrix)
	r.Post("/clients/{id}/blocks", h.HandleCreateBlock)
	r.Get("/clients/{id}/blocks", h.HandleListBlocks)
	r.Delete("/blocks/{id}", h.HandleRemoveBlock)
}

// CheckRequest asks for a decision on behalf of the authenticated principal.
// client_id is optional; without it, scoped effects answer with a constraint
// instead of a final verdict.
type CheckRequest struct {
	Permission    string `json:"permission"`
	ClientID      string `json:"client_id,omitempty"`
	Justification string `json:"justification,omitempty"`
}

func (r *CheckRequest) Sanitize() {
	r.Permission = strings.TrimSpace(r.Permission)
	r.ClientID = strings.TrimSpace(r.ClientID)
}

func (r *CheckRequest) Validate() error {
	if r.Permission == "" {
		return dErrors.New(dErrors.CodeValidation, "permission is required")
	}
	return nil
}

// CheckResponse mirrors the engine decision.
type CheckResponse struct {
	Outcome       models.DecisionOutcome  `json:"outcome"`
	Reason        models.DenyReason       `json:"reason,omitempty"`
	Constraint    *models.ScopeConstraint `json:"constraint,omitempty"`
	MatrixVersion string                  `json:"matrix_version"`
}

// HandleCheck runs one engine decision. Denials are audited by the engine
// itself, exactly as they would be on the real operation.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CheckRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	check := access.CheckRequest{Justification: req.Justification}
	if req.ClientID != "" {
		clientID, err := id.ParseClientID(req.ClientID)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid client id"))
			return
		}
		client, err := h.clients.FindClient(ctx, clientID)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		check.Resource = client.Resource()
	}

	decision, err := h.engine.Check(ctx, principal, models.PermissionKey(req.Permission), check)
	if err != nil {
		h.logger.ErrorContext(ctx, "access check failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, CheckResponse{
		Outcome:       decision.Outcome,
		Reason:        decision.Reason,
		Constraint:    decision.Constraint,
		MatrixVersion: decision.MatrixVersion,
	})
}

// HandleMatrix enumerates the live permission matrix.
func (h *Handler) HandleMatrix(w http.ResponseWriter, r *http.Request) {
	matrix := h.engine.Matrix()
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"version": matrix.Version,
		"entries": matrix.Entries(),
	})
}

// CreateBlockRequest targets exactly one principal or one program.
type CreateBlockRequest struct {
	BlockedPrincipal string `json:"blocked_principal,omitempty"`
	BlockedProgram   string `json:"blocked_program,omitempty"`
	ReasonCategory   string `json:"reason_category"`
}

func (r *CreateBlockRequest) Validate() error {
	if (r.BlockedPrincipal == "") == (r.BlockedProgram == "") {
		return dErrors.New(dErrors.CodeValidation, "exactly one of blocked_principal or blocked_program is required")
	}
	if r.ReasonCategory == "" {
		return dErrors.New(dErrors.CodeValidation, "reason_category is required")
	}
	return validation.CheckStringLength("reason_category", r.ReasonCategory, validation.MaxReasonCategoryLength)
}

// BlockView is the JSON rendering of an access block.
type BlockView struct {
	ID               id.BlockID     `json:"id"`
	ClientID         id.ClientID    `json:"client_id"`
	BlockedPrincipal string         `json:"blocked_principal,omitempty"`
	BlockedProgram   string         `json:"blocked_program,omitempty"`
	CreatedBy        id.PrincipalID `json:"created_by"`
	CreatedAt        time.Time      `json:"created_at"`
	ReasonCategory   string         `json:"reason_category"`
}

func (h *Handler) HandleCreateBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	clientID, err := id.ParseClientID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid client id"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[CreateBlockRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	client, err := h.clients.FindClient(ctx, clientID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.authorize(ctx, principal, models.PermBlockCreate, client); err != nil {
		httputil.WriteError(w, err)
		return
	}

	blk := models.ClientAccessBlock{
		ID:             id.NewBlockID(),
		ClientID:       clientID,
		CreatedBy:      principal.ID,
		CreatedAt:      h.now(),
		ReasonCategory: req.ReasonCategory,
	}
	if req.BlockedPrincipal != "" {
		target, err := id.ParsePrincipalID(req.BlockedPrincipal)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid blocked principal id"))
			return
		}
		blk.BlockedPrincipal = &target
	}
	if req.BlockedProgram != "" {
		target, err := id.ParseProgramID(req.BlockedProgram)
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid blocked program id"))
			return
		}
		blk.BlockedProgram = &target
	}
	if err := blk.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.auditBlock(ctx, principal, audit.ActionBlockCreated, blk, client); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.blocks.Create(ctx, blk); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeConflict, "an identical block already exists"))
			return
		}
		h.logger.ErrorContext(ctx, "create block failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toBlockView(blk))
}

func (h *Handler) HandleListBlocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	clientID, err := id.ParseClientID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid client id"))
		return
	}
	client, err := h.clients.FindClient(ctx, clientID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.authorize(ctx, principal, models.PermBlockCreate, client); err != nil {
		httputil.WriteError(w, err)
		return
	}

	blocks, err := h.blocks.ListByClient(ctx, clientID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	views := make([]BlockView, 0, len(blocks))
	for _, blk := range blocks {
		views = append(views, toBlockView(blk))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"blocks": views})
}

func (h *Handler) HandleRemoveBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	blockID, err := id.ParseBlockID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid block id"))
		return
	}
	if err := h.authorize(ctx, principal, models.PermBlockRemove, nil); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.auditor.Record(ctx, audit.Entry{
		PrincipalID:  principal.ID,
		Action:       audit.ActionBlockRemoved,
		ResourceType: "block",
		ResourceID:   blockID.String(),
		Outcome:      audit.OutcomeAllowed,
		Demo:         principal.Demo,
		Metadata:     middleware.AuditMetadata(ctx),
	}); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.blocks.Remove(ctx, blockID); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "block not found"))
			return
		}
		h.logger.ErrorContext(ctx, "remove block failed", "error", err, "request_id", requestID, "block_id", blockID)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorize(ctx context.Context, principal models.Principal, key models.PermissionKey, client *clientmodels.Client) error {
	check := access.CheckRequest{}
	if client != nil {
		check.Resource = client.Resource()
	}
	decision, err := h.engine.Check(ctx, principal, key, check)
	if err != nil {
		return err
	}
	if !decision.Allowed() {
		return dErrors.New(dErrors.CodeForbidden, "permission denied")
	}
	return nil
}

func (h *Handler) auditBlock(ctx context.Context, principal models.Principal, action string, blk models.ClientAccessBlock, client *clientmodels.Client) error {
	metadata := middleware.AuditMetadata(ctx)
	metadata["reason_category"] = blk.ReasonCategory
	if blk.BlockedPrincipal != nil {
		metadata["blocked_principal"] = blk.BlockedPrincipal.String()
	}
	if blk.BlockedProgram != nil {
		metadata["blocked_program"] = blk.BlockedProgram.String()
	}
	return h.auditor.Record(ctx, audit.Entry{
		PrincipalID:  principal.ID,
		Action:       action,
		ResourceType: "client",
		ResourceID:   blk.ClientID.String(),
		Outcome:      audit.OutcomeAllowed,
		Programs:     client.Programs,
		Demo:         principal.Demo,
		Metadata:     metadata,
	})
}

func toBlockView(blk models.ClientAccessBlock) BlockView {
	view := BlockView{
		ID:             blk.ID,
		ClientID:       blk.ClientID,
		CreatedBy:      blk.CreatedBy,
		CreatedAt:      blk.CreatedAt,
		ReasonCategory: blk.ReasonCategory,
	}
	if blk.BlockedPrincipal != nil {
		view.BlockedPrincipal = blk.BlockedPrincipal.String()
	}
	if blk.BlockedProgram != nil {
		view.BlockedProgram = blk.BlockedProgram.String()
	}
	return view
}

func requirePrincipal(w http.ResponseWriter, ctx context.Context) (models.Principal, bool) {
	principal, ok := middleware.GetPrincipal(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated principal"))
		return models.Principal{}, false
	}
	return principal, true
}
