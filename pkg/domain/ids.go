// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "caseguard/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing a ClientID where a PrincipalID is expected.
type (
	PrincipalID uuid.UUID
	ClientID    uuid.UUID
	ProgramID   uuid.UUID
	NoteID      uuid.UUID
	PlanID      uuid.UUID
	ErasureID   uuid.UUID
	BlockID     uuid.UUID
)

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParsePrincipalID(s string) (PrincipalID, error) {
	id, err := parseUUID(s, "principal ID")
	return PrincipalID(id), err
}

func ParseClientID(s string) (ClientID, error) {
	id, err := parseUUID(s, "client ID")
	return ClientID(id), err
}

func ParseProgramID(s string) (ProgramID, error) {
	id, err := parseUUID(s, "program ID")
	return ProgramID(id), err
}

func ParseNoteID(s string) (NoteID, error) {
	id, err := parseUUID(s, "note ID")
	return NoteID(id), err
}

func ParsePlanID(s string) (PlanID, error) {
	id, err := parseUUID(s, "plan ID")
	return PlanID(id), err
}

func ParseErasureID(s string) (ErasureID, error) {
	id, err := parseUUID(s, "erasure request ID")
	return ErasureID(id), err
}

func ParseBlockID(s string) (BlockID, error) {
	id, err := parseUUID(s, "access block ID")
	return BlockID(id), err
}

// New functions - for record creation.

func NewPrincipalID() PrincipalID { return PrincipalID(uuid.New()) }
func NewClientID() ClientID       { return ClientID(uuid.New()) }
func NewProgramID() ProgramID     { return ProgramID(uuid.New()) }
func NewNoteID() NoteID           { return NoteID(uuid.New()) }
func NewPlanID() PlanID           { return PlanID(uuid.New()) }
func NewErasureID() ErasureID     { return ErasureID(uuid.New()) }
func NewBlockID() BlockID         { return BlockID(uuid.New()) }

// String methods - for logging and audit attribution.

func (id PrincipalID) String() string { return uuid.UUID(id).String() }
func (id ClientID) String() string    { return uuid.UUID(id).String() }
func (id ProgramID) String() string   { return uuid.UUID(id).String() }
func (id NoteID) String() string      { return uuid.UUID(id).String() }
func (id PlanID) String() string      { return uuid.UUID(id).String() }
func (id ErasureID) String() string   { return uuid.UUID(id).String() }
func (id BlockID) String() string     { return uuid.UUID(id).String() }

// IsNil checks - used for service-layer validation.

func (id PrincipalID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ClientID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ProgramID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id NoteID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id PlanID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id ErasureID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id BlockID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }

func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+label)
	}
	return id, nil
}
