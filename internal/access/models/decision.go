package models

// DecisionOutcome enumerates the possible engine decisions.
type DecisionOutcome string

const (
	DecisionAllow       DecisionOutcome = "allow"
	DecisionDeny        DecisionOutcome = "deny"
	DecisionScopedAllow DecisionOutcome = "scoped_allow"
)

// DenyReason classifies a denial so UI layers can explain why without the
// message naming the data involved.
type DenyReason string

const (
	ReasonRoleForbidden         DenyReason = "role_forbidden"
	ReasonOutOfScope            DenyReason = "out_of_scope"
	ReasonNotOwner              DenyReason = "not_owner"
	ReasonAccessBlocked         DenyReason = "access_blocked"
	ReasonJustificationRequired DenyReason = "justification_required"
	ReasonPrincipalInactive     DenyReason = "principal_inactive"
	ReasonConfigurationGap      DenyReason = "configuration_gap"
)

// ScopeConstraint narrows a ScopedAllow when no concrete resource was supplied:
// the caller must restrict the operation to resources the principal owns or to
// the listed programs.
type ScopeConstraint struct {
	OwnerOnly bool
	Programs  []string
}

// Decision is the outcome of one Check call.
type Decision struct {
	Outcome    DecisionOutcome
	Reason     DenyReason
	Constraint *ScopeConstraint
	// MatrixVersion attributes the decision to a matrix revision for audit.
	MatrixVersion string
}

// Allowed reports whether the caller may proceed (allow or scoped allow).
func (d Decision) Allowed() bool {
	return d.Outcome == DecisionAllow || d.Outcome == DecisionScopedAllow
}

// Denied reports an outright denial.
func (d Decision) Denied() bool { return d.Outcome == DecisionDeny }
