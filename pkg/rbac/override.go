package rbac

import (
	"fmt"
	"time"
)

// OverrideEvent drives the override approval workflow
type OverrideEvent string

const (
	EventApprove OverrideEvent = "approve"
	EventReject  OverrideEvent = "reject"
)

// Approver is the principal deciding an override
type Approver struct {
	UserID string
	// Level is the approver's effective level in the organization
	Level int
}

type overrideGuard func(o *PermissionOverride, by Approver) error

type overrideAction func(o *PermissionOverride, by Approver, now time.Time)

type overrideTransition struct {
	to     ApprovalStatus
	guards []overrideGuard
	action overrideAction
}

// overrideMachine is the full transition table. Approved and rejected are terminal.
var overrideMachine = map[ApprovalStatus]map[OverrideEvent]overrideTransition{
	StatusPending: {
		EventApprove: {
			to:     StatusApproved,
			guards: []overrideGuard{requireApproverLevel, forbidSelfDecision},
			action: stampDecision,
		},
		EventReject: {
			to:     StatusRejected,
			guards: []overrideGuard{requireApproverLevel},
			action: stampDecision,
		},
	},
}

func requireApproverLevel(_ *PermissionOverride, by Approver) error {
	if by.Level < LevelOrgAdmin {
		return fmt.Errorf("%w: level %d cannot decide overrides", ErrInsufficientLevel, by.Level)
	}
	return nil
}

func forbidSelfDecision(o *PermissionOverride, by Approver) error {
	if by.UserID == o.RequestedBy || by.UserID == o.UserID {
		return fmt.Errorf("%w: overrides cannot be approved by their requester or beneficiary", ErrForbidden)
	}
	return nil
}

func stampDecision(o *PermissionOverride, by Approver, now time.Time) {
	approver := by.UserID
	decidedAt := now.UTC()
	o.ApprovedBy = &approver
	o.ApprovedAt = &decidedAt
}

// ApplyOverrideEvent moves o through the workflow in place. On error o is left untouched.
func ApplyOverrideEvent(o *PermissionOverride, event OverrideEvent, by Approver, now time.Time) error {
	transitions, ok := overrideMachine[o.ApprovalStatus]
	if !ok {
		return fmt.Errorf("override %s is %s: %w", o.ID, o.ApprovalStatus, ErrInvalidTransition)
	}
	t, ok := transitions[event]
	if !ok {
		return fmt.Errorf("override %s cannot %s: %w", o.ID, event, ErrInvalidTransition)
	}
	for _, guard := range t.guards {
		if err := guard(o, by); err != nil {
			return err
		}
	}
	if t.action != nil {
		t.action(o, by, now)
	}
	o.ApprovalStatus = t.to
	return nil
}
