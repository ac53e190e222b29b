// Package models defines the multi-party erasure request and its state
// machine. Erasure is the most destructive operation in the system; every
// transition here is deliberately narrow.
package models

import (
	"fmt"
	"time"

	id "caseguard/pkg/domain"
)

// Tier is the destructive scope of an erasure request.
type Tier string

const (
	// TierAnonymise overwrites protected fields with irreversible
	// placeholders; structural records survive.
	TierAnonymise Tier = "anonymise"
	// TierPurge removes clinical content, keeping minimal identity.
	TierPurge Tier = "purge"
	// TierDelete cascades a full removal after a deferral window.
	TierDelete Tier = "delete"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierAnonymise, TierPurge, TierDelete:
		return Tier(s), nil
	}
	return "", fmt.Errorf("unknown erasure tier %q", s)
}

// State of an erasure request. Rejected, Cancelled and Executed are terminal.
type State string

const (
	StateRequested       State = "requested"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateCancelled       State = "cancelled"
	StateExecuted        State = "executed"
)

// transitions is the only legal edge set. Everything else is a StateError.
var transitions = map[State][]State{
	StateRequested:       {StatePendingApproval},
	StatePendingApproval: {StateApproved, StateRejected},
	StateApproved:        {StateExecuted, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// StateError reports an illegal transition, carrying the state the request
// was actually in.
type StateError struct {
	Current   State
	Attempted State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("erasure request is %s, cannot transition to %s", e.Current, e.Attempted)
}

// Approval records one required approver's sign-off.
type Approval struct {
	ApproverID id.PrincipalID `json:"approver_id"`
	ApprovedAt time.Time      `json:"approved_at"`
}

// Request is a multi-party erasure request for one client.
type Request struct {
	ID       id.ErasureID
	ClientID id.ClientID
	Tier     Tier
	// Reason is an operational category, never client content.
	Reason      string
	RequestedBy id.PrincipalID
	State       State
	// RequiredApprovers is fixed at submission time: every program manager
	// with current non-blocked access to the client.
	RequiredApprovers []id.PrincipalID
	Approvals         []Approval
	RejectedBy        *id.PrincipalID
	CancelledBy       *id.PrincipalID
	// ExecuteAfter is set for the delete tier: execution is deferred until
	// this instant and the request stays cancellable before it.
	ExecuteAfter *time.Time
	ExecutedAt   *time.Time
	// Version guards approval counting; the pending -> approved edge is a
	// compare-and-set so two final approvals cannot both win.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequiresApprovalFrom reports whether the principal is in the required set.
func (r *Request) RequiresApprovalFrom(principalID id.PrincipalID) bool {
	for _, approver := range r.RequiredApprovers {
		if approver == principalID {
			return true
		}
	}
	return false
}

// HasApproved reports whether the principal already signed off.
func (r *Request) HasApproved(principalID id.PrincipalID) bool {
	for _, approval := range r.Approvals {
		if approval.ApproverID == principalID {
			return true
		}
	}
	return false
}

// FullyApproved reports whether every required approver has signed off.
func (r *Request) FullyApproved() bool {
	for _, approver := range r.RequiredApprovers {
		if !r.HasApproved(approver) {
			return false
		}
	}
	return len(r.RequiredApprovers) > 0
}

// Transition moves the request to the next state or returns a StateError.
func (r *Request) Transition(to State) error {
	if !r.State.CanTransition(to) {
		return &StateError{Current: r.State, Attempted: to}
	}
	r.State = to
	return nil
}
