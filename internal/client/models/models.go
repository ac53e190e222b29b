// Package models holds the protected resources the trust boundary guards.
// Every personally identifying field is stored as a crypto.Sealed envelope;
// nothing in this package ever holds plaintext at rest.
package models

import (
	"time"

	accmodels "caseguard/internal/access/models"
	"caseguard/internal/crypto"
	id "caseguard/pkg/domain"
)

// Protected field names as they appear in rotation refs and leak scans.
const (
	FieldName      = "name"
	FieldDOB       = "date_of_birth"
	FieldContact   = "contact"
	FieldBody      = "body"
	FieldNarrative = "narrative"
)

// Client is a person served by the organisation. Program enrollments drive
// visibility; SharedWith lists principals granted explicit cross-program
// access.
type Client struct {
	ID         id.ClientID
	Name       crypto.Sealed
	DOB        crypto.Sealed
	Contact    crypto.Sealed
	Programs   []id.ProgramID
	SharedWith []id.PrincipalID
	Demo       bool
	Anonymised bool
	// Version is the optimistic concurrency token; every update is a
	// conditional write against it.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resource projects the client into the access engine's shape.
func (c *Client) Resource() *accmodels.Resource {
	return &accmodels.Resource{
		Type:       "client",
		ID:         c.ID.String(),
		ClientID:   c.ID,
		Programs:   c.Programs,
		SharedWith: c.SharedWith,
		Demo:       c.Demo,
	}
}

// Note is a case note authored by one principal about one client.
type Note struct {
	ID        id.NoteID
	ClientID  id.ClientID
	AuthorID  id.PrincipalID
	Body      crypto.Sealed
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resource projects the note for scope and ownership checks. Program scope
// follows the client the note belongs to.
func (n *Note) Resource(client *Client) *accmodels.Resource {
	return &accmodels.Resource{
		Type:       "note",
		ID:         n.ID.String(),
		ClientID:   n.ClientID,
		OwnerID:    n.AuthorID,
		Programs:   client.Programs,
		SharedWith: client.SharedWith,
		Demo:       client.Demo,
	}
}

// Plan is a service plan narrative for a client.
type Plan struct {
	ID        id.PlanID
	ClientID  id.ClientID
	Narrative crypto.Sealed
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Plan) Resource(client *Client) *accmodels.Resource {
	return &accmodels.Resource{
		Type:       "plan",
		ID:         p.ID.String(),
		ClientID:   p.ClientID,
		Programs:   client.Programs,
		SharedWith: client.SharedWith,
		Demo:       client.Demo,
	}
}

// ProtectedField is one decrypted-for-display value. Unavailable means the
// stored envelope could not be opened; the record itself is still served.
type ProtectedField struct {
	Value       string `json:"value,omitempty"`
	Unavailable bool   `json:"unavailable,omitempty"`
}

// ContentUnavailable is the display marker substituted for a field whose
// envelope failed to decrypt.
const ContentUnavailable = "content unavailable"

func (f ProtectedField) Display() string {
	if f.Unavailable {
		return ContentUnavailable
	}
	return f.Value
}

// ClientView is a client decrypted for display.
type ClientView struct {
	ID         id.ClientID      `json:"id"`
	Name       ProtectedField   `json:"name"`
	DOB        ProtectedField   `json:"date_of_birth"`
	Contact    ProtectedField   `json:"contact"`
	Programs   []id.ProgramID   `json:"programs"`
	SharedWith []id.PrincipalID `json:"shared_with,omitempty"`
	Demo       bool             `json:"demo,omitempty"`
	Anonymised bool             `json:"anonymised,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// NoteView is a note decrypted for display.
type NoteView struct {
	ID        id.NoteID      `json:"id"`
	ClientID  id.ClientID    `json:"client_id"`
	AuthorID  id.PrincipalID `json:"author_id"`
	Body      ProtectedField `json:"body"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PlanView is a plan decrypted for display.
type PlanView struct {
	ID        id.PlanID      `json:"id"`
	ClientID  id.ClientID    `json:"client_id"`
	Narrative ProtectedField `json:"narrative"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ErasureCounts reports how many records an erasure tier touched. Counts are
// the only thing the execution audit ever records.
type ErasureCounts struct {
	Clients int `json:"clients"`
	Notes   int `json:"notes"`
	Plans   int `json:"plans"`
	Fields  int `json:"fields,omitempty"`
}

func (c ErasureCounts) Total() int {
	return c.Clients + c.Notes + c.Plans
}
