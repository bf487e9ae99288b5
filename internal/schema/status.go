package schema

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state shared by an Assignment and its Response.
type Status string

const (
	StatusAssigned       Status = "Assigned"
	StatusOpened         Status = "Opened"
	StatusSubmitted      Status = "Submitted by PPL"
	StatusRejectedPML    Status = "Rejected by PML"
	StatusRejectedAdmin  Status = "Rejected by Admin"
	StatusApprovedPML    Status = "Approved by PML"
	StatusApprovedAdmin  Status = "Approved by Admin"
	StatusSubmittedLocal Status = "Submitted Local"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusAssigned,
	StatusOpened,
	StatusSubmitted,
	StatusRejectedPML,
	StatusRejectedAdmin,
	StatusApprovedPML,
	StatusApprovedAdmin,
	StatusSubmittedLocal,
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// OrAssigned returns s, or StatusAssigned when s is empty.
// Assignments delivered without a status are treated as freshly assigned.
func (s Status) OrAssigned() Status {
	if s == "" {
		return StatusAssigned
	}
	return s
}

// ParseStatus converts a raw string to a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// Role is the part a user plays in one activity.
type Role string

const (
	// RoleCollector is the field collector (PPL).
	RoleCollector Role = "PPL"
	// RoleSupervisor is the supervisor (PML).
	RoleSupervisor Role = "PML"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCollector || r == RoleSupervisor
}

var (
	// ErrInvalidTransition is returned when no edge connects two statuses.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRoleNotAllowed is returned when an edge exists but the role may not take it.
	ErrRoleNotAllowed = errors.New("role not allowed for transition")
)

type edge struct {
	from Status
	to   Status
}

// edges maps every permitted local transition to the only role allowed to take it.
var edges = map[edge]Role{
	{StatusAssigned, StatusOpened}:          RoleCollector,
	{StatusOpened, StatusSubmitted}:         RoleCollector,
	{StatusSubmittedLocal, StatusSubmitted}: RoleCollector,
	{StatusSubmitted, StatusApprovedPML}:    RoleSupervisor,
	{StatusSubmitted, StatusRejectedPML}:    RoleSupervisor,
	{StatusApprovedPML, StatusSubmitted}:    RoleSupervisor,
}

// CheckTransition validates that role may move a record from one status to another.
func CheckTransition(from, to Status, role Role) error {
	from = from.OrAssigned()
	allowed, ok := edges[edge{from, to}]
	if !ok {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
	}
	if allowed != role {
		return fmt.Errorf("%w: %s cannot move %q -> %q", ErrRoleNotAllowed, role, from, to)
	}
	return nil
}

// CanTransition is the boolean form of CheckTransition.
func CanTransition(from, to Status, role Role) bool {
	return CheckTransition(from, to, role) == nil
}

// Action is a supervisor action tag as reported by the allowed-actions endpoint.
type Action string

const (
	ActionApprove        Action = "APPROVE"
	ActionReject         Action = "REJECT"
	ActionRevertApproval Action = "REVERT_APPROVAL"
)

// AllowedActions derives the supervisor actions available for a status from the
// local state machine. Used when the backend cannot be asked.
func AllowedActions(status Status, role Role) []Action {
	var actions []Action
	if CanTransition(status, StatusApprovedPML, role) {
		actions = append(actions, ActionApprove)
	}
	if CanTransition(status, StatusRejectedPML, role) {
		actions = append(actions, ActionReject)
	}
	if status == StatusApprovedPML && CanTransition(status, StatusSubmitted, role) {
		actions = append(actions, ActionRevertApproval)
	}
	return actions
}
