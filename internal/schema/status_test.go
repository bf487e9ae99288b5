package schema

import (
	"errors"
	"reflect"
	"testing"
)

func TestCheckTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		role    Role
		wantErr error
	}{
		{name: "collector opens", from: StatusAssigned, to: StatusOpened, role: RoleCollector},
		{name: "empty status counts as assigned", from: "", to: StatusOpened, role: RoleCollector},
		{name: "collector submits", from: StatusOpened, to: StatusSubmitted, role: RoleCollector},
		{name: "local create acknowledged", from: StatusSubmittedLocal, to: StatusSubmitted, role: RoleCollector},
		{name: "supervisor approves", from: StatusSubmitted, to: StatusApprovedPML, role: RoleSupervisor},
		{name: "supervisor rejects", from: StatusSubmitted, to: StatusRejectedPML, role: RoleSupervisor},
		{name: "supervisor reverts approval", from: StatusApprovedPML, to: StatusSubmitted, role: RoleSupervisor},
		{name: "supervisor cannot submit", from: StatusOpened, to: StatusSubmitted, role: RoleSupervisor, wantErr: ErrRoleNotAllowed},
		{name: "collector cannot approve", from: StatusSubmitted, to: StatusApprovedPML, role: RoleCollector, wantErr: ErrRoleNotAllowed},
		{name: "no revert from rejected", from: StatusRejectedPML, to: StatusSubmitted, role: RoleSupervisor, wantErr: ErrInvalidTransition},
		{name: "no skipping open", from: StatusAssigned, to: StatusSubmitted, role: RoleCollector, wantErr: ErrInvalidTransition},
		{name: "no reopen after submit", from: StatusSubmitted, to: StatusOpened, role: RoleCollector, wantErr: ErrInvalidTransition},
		{name: "admin statuses are terminal locally", from: StatusApprovedAdmin, to: StatusSubmitted, role: RoleSupervisor, wantErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckTransition(tt.from, tt.to, tt.role)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("CheckTransition() unexpected error: %v", err)
				}
				if !CanTransition(tt.from, tt.to, tt.role) {
					t.Error("CanTransition() = false, want true")
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckTransition() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// Every edge the guard accepts must be an edge of the graph for some role.
func TestCheckTransition_OnlyGraphEdges(t *testing.T) {
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			for _, role := range []Role{RoleCollector, RoleSupervisor} {
				if _, ok := edges[edge{from.OrAssigned(), to}]; CanTransition(from, to, role) && !ok {
					t.Errorf("transition %q -> %q accepted for %s but is not an edge", from, to, role)
				}
			}
		}
	}
}

func TestAllowedActions(t *testing.T) {
	tests := []struct {
		status Status
		role   Role
		want   []Action
	}{
		{StatusSubmitted, RoleSupervisor, []Action{ActionApprove, ActionReject}},
		{StatusApprovedPML, RoleSupervisor, []Action{ActionRevertApproval}},
		{StatusSubmitted, RoleCollector, nil},
		{StatusRejectedPML, RoleSupervisor, nil},
		{StatusOpened, RoleSupervisor, nil},
	}

	for _, tt := range tests {
		got := AllowedActions(tt.status, tt.role)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("AllowedActions(%q, %s) = %v, want %v", tt.status, tt.role, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("Submitted by PPL"); err != nil || s != StatusSubmitted {
		t.Errorf("ParseStatus() = %q, %v", s, err)
	}
	if _, err := ParseStatus("Archived"); err == nil {
		t.Error("ParseStatus() expected error for unknown status")
	}
}
