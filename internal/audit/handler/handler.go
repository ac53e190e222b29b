// Package handler is the HTTP surface for the audit trail. Queries run under
// the viewer scope the access engine computes; nobody widens their own view
// at the transport layer.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"caseguard/internal/access"
	accmodels "caseguard/internal/access/models"
	"caseguard/internal/audit"
	"caseguard/internal/platform/middleware"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
	"caseguard/pkg/platform/httputil"
)

const defaultQueryLimit = 100

type Handler struct {
	engine  *access.Engine
	auditor *audit.Writer
	logger  *slog.Logger
}

func New(engine *access.Engine, auditor *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, auditor: auditor, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/audit/entries", h.HandleQuery)
}

// EntryView is one audit entry rendered for the API.
type EntryView struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	PrincipalID  id.PrincipalID    `json:"principal_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Outcome      audit.Outcome     `json:"outcome"`
	Programs     []id.ProgramID    `json:"programs,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Demo         bool              `json:"demo,omitempty"`
}

// HandleQuery lists audit entries. Filters arrive as query parameters; the
// query itself is recorded in the trail.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	principal, ok := middleware.GetPrincipal(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no authenticated principal"))
		return
	}
	if err := h.authorize(ctx, principal); err != nil {
		httputil.WriteError(w, err)
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	viewer := h.engine.Scope(principal)
	entries, err := h.auditor.Query(ctx, filter, viewer)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit query failed", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}

	metadata := middleware.AuditMetadata(ctx)
	metadata["result_count"] = strconv.Itoa(len(entries))
	h.auditor.RecordBestEffort(ctx, audit.Entry{
		PrincipalID: principal.ID,
		Action:      audit.ActionAuditQueried,
		Outcome:     audit.OutcomeAllowed,
		Demo:        principal.Demo,
		Metadata:    metadata,
	})

	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, EntryView{
			ID:           entry.ID.String(),
			Timestamp:    entry.Timestamp,
			PrincipalID:  entry.PrincipalID,
			Action:       entry.Action,
			ResourceType: entry.ResourceType,
			ResourceID:   entry.ResourceID,
			Outcome:      entry.Outcome,
			Programs:     entry.Programs,
			Metadata:     entry.Metadata,
			Demo:         entry.Demo,
		})
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (h *Handler) authorize(ctx context.Context, principal accmodels.Principal) error {
	decision, err := h.engine.Check(ctx, principal, accmodels.PermAuditView, access.CheckRequest{})
	if err != nil {
		return err
	}
	if !decision.Allowed() {
		return dErrors.New(dErrors.CodeForbidden, "permission denied")
	}
	return nil
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	query := r.URL.Query()
	filter := audit.Filter{
		Action:       query.Get("action"),
		ResourceType: query.Get("resource_type"),
		ResourceID:   query.Get("resource_id"),
		Limit:        defaultQueryLimit,
	}
	if raw := query.Get("principal_id"); raw != "" {
		principalID, err := id.ParsePrincipalID(raw)
		if err != nil {
			return audit.Filter{}, dErrors.New(dErrors.CodeBadRequest, "invalid principal id")
		}
		filter.PrincipalID = &principalID
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, dErrors.New(dErrors.CodeBadRequest, "since must be RFC 3339")
		}
		filter.Since = since
	}
	if raw := query.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, dErrors.New(dErrors.CodeBadRequest, "until must be RFC 3339")
		}
		filter.Until = until
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return audit.Filter{}, dErrors.New(dErrors.CodeBadRequest, "limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}
