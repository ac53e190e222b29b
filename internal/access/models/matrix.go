package models

import (
	"sort"

	dErrors "caseguard/pkg/domain-errors"
)

// Effect is the matrix entry for one (role, permission key) pair.
type Effect string

const (
	// EffectAllow grants the action unconditionally.
	EffectAllow Effect = "allow"
	// EffectDeny refuses the action unconditionally.
	EffectDeny Effect = "deny"
	// EffectScoped grants the action only on resources the principal owns or
	// is assigned to.
	EffectScoped Effect = "scoped"
	// EffectGated grants the action only with a justification artifact
	// attached to the call.
	EffectGated Effect = "gated"
)

// PermissionKey is a stable string identifier for an action. Downstream UI
// layers consult the enumeration to decide what controls to render, but the
// server-side Check call is the only authority.
type PermissionKey string

const (
	PermClientView     PermissionKey = "client.view"
	PermClientEdit     PermissionKey = "client.edit"
	PermClientExport   PermissionKey = "client.export"
	PermNoteView       PermissionKey = "note.view"
	PermNoteCreate     PermissionKey = "note.create"
	PermNoteEditOwn    PermissionKey = "note.edit_own"
	PermPlanView       PermissionKey = "plan.view"
	PermPlanEdit       PermissionKey = "plan.edit"
	PermBlockCreate    PermissionKey = "block.create"
	PermBlockRemove    PermissionKey = "block.remove"
	PermAuditView      PermissionKey = "audit.view"
	PermErasureReq     PermissionKey = "erasure.request"
	PermErasureApprove PermissionKey = "erasure.approve"
)

// PermissionKeys lists every key, for exhaustive matrix validation and for the
// UI-facing enumeration endpoint.
func PermissionKeys() []PermissionKey {
	return []PermissionKey{
		PermClientView, PermClientEdit, PermClientExport,
		PermNoteView, PermNoteCreate, PermNoteEditOwn,
		PermPlanView, PermPlanEdit,
		PermBlockCreate, PermBlockRemove,
		PermAuditView,
		PermErasureReq, PermErasureApprove,
	}
}

// Matrix is the authoritative (role, permission key) -> effect mapping.
// It is versioned and immutable once built; the engine swaps whole matrices
// on configuration reload, never mutates one in place.
type Matrix struct {
	Version string
	entries map[Role]map[PermissionKey]Effect
}

// NewMatrix builds a matrix from explicit entries.
func NewMatrix(version string, entries map[Role]map[PermissionKey]Effect) *Matrix {
	copied := make(map[Role]map[PermissionKey]Effect, len(entries))
	for role, perms := range entries {
		rc := make(map[PermissionKey]Effect, len(perms))
		for key, effect := range perms {
			rc[key] = effect
		}
		copied[role] = rc
	}
	return &Matrix{Version: version, entries: copied}
}

// Lookup returns the effect for (role, key). ok is false when the pair is not
// mapped, which the engine treats as a configuration error and fails closed.
func (m *Matrix) Lookup(role Role, key PermissionKey) (Effect, bool) {
	perms, ok := m.entries[role]
	if !ok {
		return "", false
	}
	effect, ok := perms[key]
	return effect, ok
}

// Validate checks the matrix is exhaustive: every permission key has an effect
// for every role. Holes are returned sorted so the configuration-integrity log
// is deterministic.
func (m *Matrix) Validate() error {
	var holes []string
	for _, role := range Roles() {
		for _, key := range PermissionKeys() {
			if _, ok := m.Lookup(role, key); !ok {
				holes = append(holes, string(role)+"/"+string(key))
			}
		}
	}
	if len(holes) == 0 {
		return nil
	}
	sort.Strings(holes)
	msg := "permission matrix has unmapped entries: "
	for i, h := range holes {
		if i > 0 {
			msg += ", "
		}
		msg += h
	}
	return dErrors.New(dErrors.CodeConfiguration, msg)
}

// Entries returns a defensive copy of the full mapping for the enumeration
// endpoint and for tests.
func (m *Matrix) Entries() map[Role]map[PermissionKey]Effect {
	out := make(map[Role]map[PermissionKey]Effect, len(m.entries))
	for role, perms := range m.entries {
		rc := make(map[PermissionKey]Effect, len(perms))
		for key, effect := range perms {
			rc[key] = effect
		}
		out[role] = rc
	}
	return out
}

// DefaultMatrix is the shipped permission matrix, version-tagged so audit
// entries can attribute decisions to a matrix revision.
func DefaultMatrix() *Matrix {
	return NewMatrix("2026-08", map[Role]map[PermissionKey]Effect{
		RoleAdministrator: {
			PermClientView:     EffectAllow,
			PermClientEdit:     EffectAllow,
			PermClientExport:   EffectGated,
			PermNoteView:       EffectAllow,
			PermNoteCreate:     EffectAllow,
			PermNoteEditOwn:    EffectAllow,
			PermPlanView:       EffectAllow,
			PermPlanEdit:       EffectAllow,
			PermBlockCreate:    EffectAllow,
			PermBlockRemove:    EffectAllow,
			PermAuditView:      EffectAllow,
			PermErasureReq:     EffectAllow,
			PermErasureApprove: EffectDeny, // approvals belong to program managers
		},
		RoleProgramManager: {
			PermClientView:     EffectAllow,
			PermClientEdit:     EffectAllow,
			PermClientExport:   EffectGated,
			PermNoteView:       EffectAllow,
			PermNoteCreate:     EffectAllow,
			PermNoteEditOwn:    EffectAllow,
			PermPlanView:       EffectAllow,
			PermPlanEdit:       EffectAllow,
			PermBlockCreate:    EffectAllow,
			PermBlockRemove:    EffectAllow,
			PermAuditView:      EffectAllow,
			PermErasureReq:     EffectAllow,
			PermErasureApprove: EffectAllow,
		},
		RoleDirectService: {
			PermClientView:     EffectAllow,
			PermClientEdit:     EffectScoped,
			PermClientExport:   EffectDeny,
			PermNoteView:       EffectAllow,
			PermNoteCreate:     EffectAllow,
			PermNoteEditOwn:    EffectScoped,
			PermPlanView:       EffectAllow,
			PermPlanEdit:       EffectScoped,
			PermBlockCreate:    EffectAllow,
			PermBlockRemove:    EffectDeny,
			PermAuditView:      EffectDeny,
			PermErasureReq:     EffectDeny,
			PermErasureApprove: EffectDeny,
		},
		RoleFrontDesk: {
			PermClientView:     EffectAllow,
			PermClientEdit:     EffectDeny,
			PermClientExport:   EffectDeny,
			PermNoteView:       EffectDeny,
			PermNoteCreate:     EffectDeny,
			PermNoteEditOwn:    EffectDeny,
			PermPlanView:       EffectDeny,
			PermPlanEdit:       EffectDeny,
			PermBlockCreate:    EffectDeny,
			PermBlockRemove:    EffectDeny,
			PermAuditView:      EffectDeny,
			PermErasureReq:     EffectDeny,
			PermErasureApprove: EffectDeny,
		},
	})
}
