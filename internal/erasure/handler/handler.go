// Package handler is the HTTP surface for the erasure workflow.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	accmodels "caseguard/internal/access/models"
	"caseguard/internal/erasure/models"
	"caseguard/internal/platform/middleware"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
	"caseguard/pkg/platform/httputil"
	"caseguard/pkg/platform/validation"
)

// Service defines the workflow operations the transport layer needs.
type Service interface {
	Submit(ctx context.Context, requester accmodels.Principal, clientID id.ClientID, tier models.Tier, reason string) (*models.Request, error)
	Approve(ctx context.Context, approver accmodels.Principal, erasureID id.ErasureID) (*models.Request, error)
	Reject(ctx context.Context, approver accmodels.Principal, erasureID id.ErasureID) (*models.Request, error)
	Cancel(ctx context.Context, approver accmodels.Principal, erasureID id.ErasureID) (*models.Request, error)
	Get(ctx context.Context, erasureID id.ErasureID) (*models.Request, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/clients/{id}/erasure", h.HandleSubmit)
	r.Get("/erasure/{id}", h.HandleGet)
	r.Post("/erasure/{id}/approve", h.HandleApprove)
	r.Post("/erasure/{id}/reject", h.HandleReject)
	r.Post("/erasure/{id}/cancel", h.HandleCancel)
}

// SubmitRequest opens an erasure request for a client.
type SubmitRequest struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

func (r *SubmitRequest) Sanitize() {
	r.Tier = strings.TrimSpace(strings.ToLower(r.Tier))
	r.Reason = strings.TrimSpace(r.Reason)
}

func (r *SubmitRequest) Validate() error {
	if r.Tier == "" {
		return dErrors.New(dErrors.CodeValidation, "tier is required")
	}
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	return validation.CheckStringLength("reason", r.Reason, validation.MaxReasonLength)
}

// RequestView is the JSON rendering of a workflow request.
type RequestView struct {
	ID                id.ErasureID      `json:"id"`
	ClientID          id.ClientID       `json:"client_id"`
	Tier              models.Tier       `json:"tier"`
	Reason            string            `json:"reason"`
	RequestedBy       id.PrincipalID    `json:"requested_by"`
	State             models.State      `json:"state"`
	RequiredApprovers []id.PrincipalID  `json:"required_approvers"`
	Approvals         []models.Approval `json:"approvals,omitempty"`
	ExecuteAfter      *time.Time        `json:"execute_after,omitempty"`
	ExecutedAt        *time.Time        `json:"executed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (h *Handler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[SubmitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	tier, err := models.ParseTier(req.Tier)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	request, err := h.service.Submit(ctx, principal, clientID, tier, req.Reason)
	if err != nil {
		h.logger.ErrorContext(ctx, "erasure submit failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, toRequestView(request))
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, ok := requirePrincipal(w, ctx); !ok {
		return
	}
	erasureID, err := id.ParseErasureID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid erasure id"))
		return
	}

	request, err := h.service.Get(ctx, erasureID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRequestView(request))
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approve", func(ctx context.Context, principal accmodels.Principal, erasureID id.ErasureID) (*models.Request, error) {
		return h.service.Approve(ctx, principal, erasureID)
	})
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "reject", func(ctx context.Context, principal accmodels.Principal, erasureID id.ErasureID) (*models.Request, error) {
		return h.service.Reject(ctx, principal, erasureID)
	})
}

func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "cancel", func(ctx context.Context, principal accmodels.Principal, erasureID id.ErasureID) (*models.Request, error) {
		return h.service.Cancel(ctx, principal, erasureID)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, op string, apply func(context.Context, accmodels.Principal, id.ErasureID) (*models.Request, error)) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	erasureID, err := id.ParseErasureID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid erasure id"))
		return
	}

	request, err := apply(ctx, principal, erasureID)
	if err != nil {
		h.logger.ErrorContext(ctx, "erasure transition failed",
			"error", err,
			"op", op,
			"request_id", requestID,
			"erasure_id", erasureID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toRequestView(request))
}

func toRequestView(request *models.Request) RequestView {
	return RequestView{
		ID:                request.ID,
		ClientID:          request.ClientID,
		Tier:              request.Tier,
		Reason:            request.Reason,
		RequestedBy:       request.RequestedBy,
		State:             request.State,
		RequiredApprovers: request.RequiredApprovers,
		Approvals:         request.Approvals,
		ExecuteAfter:      request.ExecuteAfter,
		ExecutedAt:        request.ExecutedAt,
		CreatedAt:         request.CreatedAt,
		UpdatedAt:         request.UpdatedAt,
	}
}

func requirePrincipal(w http.ResponseWriter, ctx context.Context) (accmodels.Principal, bool) {
	principal, ok := middleware.GetPrincipal(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated principal"))
		return accmodels.Principal{}, false
	}
	return principal, true
}
