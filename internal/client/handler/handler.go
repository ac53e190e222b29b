// Package handler is the HTTP surface for client records. It stays thin:
// authorization, sealing and auditing all live behind the service.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	accmodels "caseguard/internal/access/models"
	"caseguard/internal/client/models"
	"caseguard/internal/client/service"
	"caseguard/internal/platform/middleware"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
	"caseguard/pkg/platform/httputil"
)

// Service defines the client operations the transport layer needs.
// Returns display views, never raw sealed records.
type Service interface {
	CreateClient(ctx context.Context, principal accmodels.Principal, req service.CreateClientRequest) (*models.ClientView, error)
	GetClient(ctx context.Context, principal accmodels.Principal, clientID id.ClientID) (*models.ClientView, error)
	UpdateClient(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, req service.UpdateClientRequest) (*models.ClientView, error)
	ExportClient(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, justification string) (*models.ClientView, error)
	CreateNote(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, body string) (*models.NoteView, error)
	UpdateNote(ctx context.Context, principal accmodels.Principal, noteID id.NoteID, body string) (*models.NoteView, error)
	ListNotes(ctx context.Context, principal accmodels.Principal, clientID id.ClientID) ([]*models.NoteView, error)
	CreatePlan(ctx context.Context, principal accmodels.Principal, clientID id.ClientID, narrative string) (*models.PlanView, error)
	UpdatePlan(ctx context.Context, principal accmodels.Principal, planID id.PlanID, narrative string) (*models.PlanView, error)
	ListPlans(ctx context.Context, principal accmodels.Principal, clientID id.ClientID) ([]*models.PlanView, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/clients", h.HandleCreateClient)
	r.Get("/clients/{id}", h.HandleGetClient)
	r.Put("/clients/{id}", h.HandleUpdateClient)
	r.Post("/clients/{id}/export", h.HandleExportClient)
	r.Post("/clients/{id}/notes", h.HandleCreateNote)
	r.Get("/clients/{id}/notes", h.HandleListNotes)
	r.Put("/notes/{id}", h.HandleUpdateNote)
	r.Post("/clients/{id}/plans", h.HandleCreatePlan)
	r.Put("/plans/{id}", h.HandleUpdatePlan)
	r.Get("/clients/{id}/plans", h.HandleListPlans)
}

// HandleCreateClient creates a client record with sealed protected fields.
func (h *Handler) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[CreateClientRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	programs, err := parsePrograms(req.Programs)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	view, err := h.service.CreateClient(ctx, principal, service.CreateClientRequest{
		Name:     req.Name,
		DOB:      req.DOB,
		Contact:  req.Contact,
		Programs: programs,
		Demo:     req.Demo,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "create client failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, view)
}

// HandleGetClient returns one client decrypted for display. Fields whose
// envelopes cannot be opened come back marked unavailable, not as errors.
func (h *Handler) HandleGetClient(w http.ResponseWriter, r *http.Request) {
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

	view, err := h.service.GetClient(ctx, principal, clientID)
	if err != nil {
		h.logger.ErrorContext(ctx, "get client failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleUpdateClient(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[UpdateClientRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	programs, err := parsePrograms(req.Programs)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	view, err := h.service.UpdateClient(ctx, principal, clientID, service.UpdateClientRequest{
		Name:     req.Name,
		Contact:  req.Contact,
		Programs: programs,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "update client failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

// HandleExportClient runs the gated export. A missing justification is a
// denial, and the justification itself ends up in the audit trail.
func (h *Handler) HandleExportClient(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[ExportRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	view, err := h.service.ExportClient(ctx, principal, clientID, req.Justification)
	if err != nil {
		h.logger.ErrorContext(ctx, "export client failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, newExportResponse(view))
}

func (h *Handler) HandleCreateNote(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[NoteRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	view, err := h.service.CreateNote(ctx, principal, clientID, req.Body)
	if err != nil {
		h.logger.ErrorContext(ctx, "create note failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, view)
}

func (h *Handler) HandleListNotes(w http.ResponseWriter, r *http.Request) {
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

	views, err := h.service.ListNotes(ctx, principal, clientID)
	if err != nil {
		h.logger.ErrorContext(ctx, "list notes failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"notes": views})
}

func (h *Handler) HandleUpdateNote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	noteID, err := id.ParseNoteID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid note id"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[NoteRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	view, err := h.service.UpdateNote(ctx, principal, noteID, req.Body)
	if err != nil {
		h.logger.ErrorContext(ctx, "update note failed", "error", err, "request_id", requestID, "note_id", noteID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleCreatePlan(w http.ResponseWriter, r *http.Request) {
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
	req, ok := httputil.DecodeAndPrepare[PlanRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	view, err := h.service.CreatePlan(ctx, principal, clientID, req.Narrative)
	if err != nil {
		h.logger.ErrorContext(ctx, "create plan failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, view)
}

func (h *Handler) HandleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := requirePrincipal(w, ctx)
	if !ok {
		return
	}
	planID, err := id.ParsePlanID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid plan id"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[PlanRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	view, err := h.service.UpdatePlan(ctx, principal, planID, req.Narrative)
	if err != nil {
		h.logger.ErrorContext(ctx, "update plan failed", "error", err, "request_id", requestID, "plan_id", planID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) HandleListPlans(w http.ResponseWriter, r *http.Request) {
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

	views, err := h.service.ListPlans(ctx, principal, clientID)
	if err != nil {
		h.logger.ErrorContext(ctx, "list plans failed", "error", err, "request_id", requestID, "client_id", clientID)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"plans": views})
}

func requirePrincipal(w http.ResponseWriter, ctx context.Context) (accmodels.Principal, bool) {
	principal, ok := middleware.GetPrincipal(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated principal"))
		return accmodels.Principal{}, false
	}
	return principal, true
}

func parsePrograms(raw []string) ([]id.ProgramID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	programs := make([]id.ProgramID, 0, len(raw))
	for _, value := range raw {
		programID, err := id.ParseProgramID(value)
		if err != nil {
			return nil, dErrors.New(dErrors.CodeBadRequest, "invalid program id")
		}
		programs = append(programs, programID)
	}
	return programs, nil
}
