// Package audit implements the append-only audit trail. Entries are emitted from
// domain logic to capture key actions and are kept transport-agnostic so stores
// and sinks can fan out.
//
// No protected-field value ever enters an entry: only identifiers, outcomes, and
// counts. The audit store can therefore be granted broad read access without
// becoming a second PII exposure surface.
package audit

import (
	"time"

	"github.com/google/uuid"

	id "caseguard/pkg/domain"
)

// Outcome classifies how the recorded action concluded.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeDenied  Outcome = "denied"
)

// Entry is an immutable record of one action. Written once; the audit store's
// database role structurally rejects UPDATE and DELETE.
type Entry struct {
	ID           uuid.UUID
	Timestamp    time.Time
	PrincipalID  id.PrincipalID
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      Outcome
	// Programs associates the entry with the target resource's programs so
	// viewer queries can be scoped without consulting the application store.
	Programs []id.ProgramID
	// Metadata carries contextual key/value pairs: denial reasons, record
	// counts, anonymized request origin. Never field content.
	Metadata map[string]string
	// Demo marks entries produced in the demo-data context.
	Demo bool
}

// Actions recorded by the trust boundary.
const (
	ActionAccessDenied    = "access_denied"
	ActionClientCreated   = "client.create"
	ActionClientViewed    = "client.view"
	ActionClientEdited    = "client.edit"
	ActionPlanEdited      = "plan.edit"
	ActionNoteCreated     = "note.create"
	ActionNoteEdited      = "note.edit"
	ActionBlockCreated    = "block.create"
	ActionBlockRemoved    = "block.remove"
	ActionKeysRotated     = "keys.rotated"
	ActionErasureRequest  = "erasure.requested"
	ActionErasureApproval = "erasure.approved"
	ActionErasureRejected = "erasure.rejected"
	ActionErasureCancel   = "erasure.cancelled"
	ActionErasureExecuted = "erasure.executed"
	ActionAuditQueried    = "audit.query"
)

// Filter narrows a viewer query. Zero fields match everything the viewer may see.
type Filter struct {
	PrincipalID  *id.PrincipalID
	ResourceType string
	ResourceID   string
	Action       string
	Since        time.Time
	Until        time.Time
	Limit        int
	// ScopePrograms restricts results to entries tagged with at least one of
	// these programs. Stores apply it before Limit so a scoped viewer's page
	// is not eaten by entries they cannot see. Empty means unrestricted.
	ScopePrograms []id.ProgramID
}

// Viewer is the scope a query runs under. The access engine computes it; the
// audit module only applies it, so program isolation has exactly one
// implementation.
type Viewer struct {
	PrincipalID id.PrincipalID
	// SeesAll is true for administrators and executives.
	SeesAll bool
	// Programs limits visible entries for everyone else.
	Programs []id.ProgramID
}

// Matches reports whether the entry satisfies the filter, scope included.
func (e Entry) Matches(f Filter) bool {
	if len(f.ScopePrograms) > 0 && !programsOverlap(e.Programs, f.ScopePrograms) {
		return false
	}
	if f.PrincipalID != nil && e.PrincipalID != *f.PrincipalID {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && e.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

func programsOverlap(a, b []id.ProgramID) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
