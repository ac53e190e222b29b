package handler

import (
	"strings"
	"time"

	"caseguard/internal/client/models"
	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
	strutil "caseguard/pkg/platform/strings"
	"caseguard/pkg/platform/validation"
)

// CreateClientRequest is the JSON body for client creation.
type CreateClientRequest struct {
	Name     string   `json:"name"`
	DOB      string   `json:"date_of_birth"`
	Contact  string   `json:"contact"`
	Programs []string `json:"programs"`
	Demo     bool     `json:"demo"`
}

func (r *CreateClientRequest) Sanitize() {
	r.Name = strings.TrimSpace(r.Name)
	r.DOB = strings.TrimSpace(r.DOB)
	r.Contact = strings.TrimSpace(r.Contact)
	r.Programs = strutil.DedupeAndTrim(r.Programs)
}

func (r *CreateClientRequest) Validate() error {
	if r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "name is required")
	}
	if len(r.Programs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one program is required")
	}
	if err := validation.CheckSliceCount("programs", len(r.Programs), validation.MaxPrograms); err != nil {
		return err
	}
	if err := validation.CheckStringLength("name", r.Name, validation.MaxNameLength); err != nil {
		return err
	}
	if err := validation.CheckStringLength("date_of_birth", r.DOB, validation.MaxDOBLength); err != nil {
		return err
	}
	return validation.CheckStringLength("contact", r.Contact, validation.MaxContactLength)
}

// UpdateClientRequest carries optional field updates; absent fields are left
// untouched.
type UpdateClientRequest struct {
	Name     *string  `json:"name,omitempty"`
	Contact  *string  `json:"contact,omitempty"`
	Programs []string `json:"programs,omitempty"`
}

func (r *UpdateClientRequest) Sanitize() {
	r.Programs = strutil.DedupeAndTrim(r.Programs)
}

func (r *UpdateClientRequest) Validate() error {
	if r.Name != nil && strings.TrimSpace(*r.Name) == "" {
		return dErrors.New(dErrors.CodeValidation, "name cannot be blank")
	}
	if r.Name != nil {
		if err := validation.CheckStringLength("name", *r.Name, validation.MaxNameLength); err != nil {
			return err
		}
	}
	if r.Contact != nil {
		if err := validation.CheckStringLength("contact", *r.Contact, validation.MaxContactLength); err != nil {
			return err
		}
	}
	return validation.CheckSliceCount("programs", len(r.Programs), validation.MaxPrograms)
}

// NoteRequest is the JSON body for note creation and edits.
type NoteRequest struct {
	Body string `json:"body"`
}

func (r *NoteRequest) Sanitize() {
	r.Body = strings.TrimSpace(r.Body)
}

func (r *NoteRequest) Validate() error {
	if r.Body == "" {
		return dErrors.New(dErrors.CodeValidation, "body is required")
	}
	return validation.CheckStringLength("body", r.Body, validation.MaxNoteBodyLength)
}

// PlanRequest is the JSON body for plan creation.
type PlanRequest struct {
	Narrative string `json:"narrative"`
}

func (r *PlanRequest) Sanitize() {
	r.Narrative = strings.TrimSpace(r.Narrative)
}

func (r *PlanRequest) Validate() error {
	if r.Narrative == "" {
		return dErrors.New(dErrors.CodeValidation, "narrative is required")
	}
	return validation.CheckStringLength("narrative", r.Narrative, validation.MaxNarrativeLength)
}

// ExportRequest carries the justification a gated export requires.
type ExportRequest struct {
	Justification string `json:"justification"`
}

func (r *ExportRequest) Sanitize() {
	r.Justification = strings.TrimSpace(r.Justification)
}

func (r *ExportRequest) Validate() error {
	return validation.CheckStringLength("justification", r.Justification, validation.MaxJustificationLength)
}

// ExportResponse is the flattened export document. Exports leave the trust
// boundary, so a field whose envelope could not be opened carries the
// "content unavailable" marker rather than an unavailable flag the external
// recipient would have to interpret.
type ExportResponse struct {
	ID         id.ClientID    `json:"id"`
	Name       string         `json:"name"`
	DOB        string         `json:"date_of_birth"`
	Contact    string         `json:"contact"`
	Programs   []id.ProgramID `json:"programs"`
	Anonymised bool           `json:"anonymised,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func newExportResponse(view *models.ClientView) ExportResponse {
	return ExportResponse{
		ID:         view.ID,
		Name:       view.Name.Display(),
		DOB:        view.DOB.Display(),
		Contact:    view.Contact.Display(),
		Programs:   view.Programs,
		Anonymised: view.Anonymised,
		CreatedAt:  view.CreatedAt,
		UpdatedAt:  view.UpdatedAt,
	}
}
