// Package models holds the access-control domain types: principals, roles,
// program memberships, client access blocks, and decisions.
package models

import (
	"time"

	id "caseguard/pkg/domain"
	dErrors "caseguard/pkg/domain-errors"
)

// Role is the closed set of staff roles. Every permission key has an explicit
// effect for every role; there is no implicit deny-by-omission.
type Role string

const (
	RoleAdministrator  Role = "administrator"
	RoleProgramManager Role = "program_manager"
	RoleDirectService  Role = "direct_service"
	RoleFrontDesk      Role = "front_desk"
)

// Roles lists every role, for exhaustive matrix validation and tests.
func Roles() []Role {
	return []Role{RoleAdministrator, RoleProgramManager, RoleDirectService, RoleFrontDesk}
}

// ParseRole validates and parses a role string at trust boundaries.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdministrator, RoleProgramManager, RoleDirectService, RoleFrontDesk:
		return Role(s), nil
	default:
		return "", dErrors.New(dErrors.CodeBadRequest, "unknown role: "+s)
	}
}

// SubRole is a principal's function inside one program.
type SubRole string

const (
	SubRoleCoordinator SubRole = "coordinator"
	SubRoleStaff       SubRole = "staff"
)

// Principal is an authenticated actor. Deactivated principals are never
// deleted so historical audit attribution survives departures.
type Principal struct {
	ID id.PrincipalID
	// DisplayName is staff identity, not client PII; it is not a protected field.
	DisplayName string
	Role        Role
	// Programs maps program membership to the principal's sub-role there.
	Programs map[id.ProgramID]SubRole
	// Demo is immutable after creation and partitions demo from real records.
	Demo   bool
	Active bool
	// SecretHash is the bcrypt hash of the principal's provisioning secret.
	SecretHash string
	CreatedAt  time.Time
}

// MemberOf reports whether the principal belongs to the program.
func (p Principal) MemberOf(program id.ProgramID) bool {
	_, ok := p.Programs[program]
	return ok
}

// ProgramIDs returns the principal's program memberships.
func (p Principal) ProgramIDs() []id.ProgramID {
	out := make([]id.ProgramID, 0, len(p.Programs))
	for program := range p.Programs {
		out = append(out, program)
	}
	return out
}

// IsManagerOf reports whether the principal manages the program: program
// managers by role, or coordinators within that program.
func (p Principal) IsManagerOf(program id.ProgramID) bool {
	sub, ok := p.Programs[program]
	if !ok {
		return false
	}
	return p.Role == RoleProgramManager || sub == SubRoleCoordinator
}

// Program describes a service program. Confidential programs (e.g. domestic
// violence services) are invisible to non-members through every surface,
// including counts and duplicate detection.
type Program struct {
	ID           id.ProgramID
	Name         string
	Confidential bool
}

// Resource is the slice of a protected resource the engine needs for a
// decision: identity, ownership, program association, explicit shares.
// Callers load it; the engine never touches resource stores.
type Resource struct {
	Type     string
	ID       string
	ClientID id.ClientID
	// OwnerID is the authoring principal, used by SCOPED effects.
	OwnerID id.PrincipalID
	// Programs the resource belongs to.
	Programs []id.ProgramID
	// SharedWith lists principals explicitly granted access outside their
	// program scope.
	SharedWith []id.PrincipalID
	Demo       bool
}

// SharedWithPrincipal reports an explicit share for the principal.
func (r Resource) SharedWithPrincipal(p id.PrincipalID) bool {
	for _, shared := range r.SharedWith {
		if shared == p {
			return true
		}
	}
	return false
}

// ClientAccessBlock is an explicit, consent-driven record blocking a principal
// or a whole program from a specific client's record. Consulted before any
// client-resource read and never silently overridden.
type ClientAccessBlock struct {
	ID       id.BlockID
	ClientID id.ClientID
	// Exactly one of BlockedPrincipal / BlockedProgram is set.
	BlockedPrincipal *id.PrincipalID
	BlockedProgram   *id.ProgramID
	CreatedBy        id.PrincipalID
	CreatedAt        time.Time
	// ReasonCategory is a coarse classification ("client_request",
	// "conflict_of_interest"); never free text about the client.
	ReasonCategory string
}

// Validate enforces block invariants at creation.
func (b ClientAccessBlock) Validate() error {
	if b.ClientID.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "block requires a client")
	}
	if (b.BlockedPrincipal == nil) == (b.BlockedProgram == nil) {
		return dErrors.New(dErrors.CodeInvariantViolation, "block must target exactly one principal or program")
	}
	if b.CreatedBy.IsNil() {
		return dErrors.New(dErrors.CodeInvariantViolation, "block requires a creating principal")
	}
	return nil
}

// AppliesTo reports whether the block stops this principal.
func (b ClientAccessBlock) AppliesTo(p Principal) bool {
	if b.BlockedPrincipal != nil && *b.BlockedPrincipal == p.ID {
		return true
	}
	if b.BlockedProgram != nil && p.MemberOf(*b.BlockedProgram) {
		return true
	}
	return false
}
