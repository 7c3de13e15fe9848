// Package notify delivers policy update notifications to admin receivers.
//
// Two kinds exist: a policy-changed broadcast sent to every admin holding a
// claim on an affected state except the caller, and a set-result unicast
// sent to the calling admin with the success/failure of its request.
// Delivery is fire-and-forget; an unresolvable or unprotected receiver is
// skipped and logged, never fatal.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/mantle-labs/aegis/pkg/policy"
)

// Kind distinguishes the two notification types.
type Kind string

const (
	// KindPolicyChanged is the broadcast to non-calling claim holders.
	KindPolicyChanged Kind = "policy_changed"
	// KindSetResult is the unicast result sent back to the caller.
	KindSetResult Kind = "set_result"
)

// BindPermission is the permission a receiver must declare to get policy
// notifications. Receivers registered without it are skipped.
const BindPermission = "aegis.permission.BIND_POLICY_RECEIVER"

// TargetUser classifies which user a notification is about, relative to
// the receiving admin.
type TargetUser int

const (
	// TargetUnknown means the affected user has no known relation to the
	// admin.
	TargetUnknown TargetUser = iota
	// TargetLocalUser means the admin's own user is affected.
	TargetLocalUser
	// TargetParentUser means the admin's profile parent is affected.
	TargetParentUser
	// TargetGlobal means the whole device is affected.
	TargetGlobal
)

func (t TargetUser) String() string {
	switch t {
	case TargetLocalUser:
		return "local"
	case TargetParentUser:
		return "parent"
	case TargetGlobal:
		return "global"
	default:
		return "unknown"
	}
}

// Reason is the machine-readable code attached to failed set results and
// policy-changed broadcasts.
type Reason string

// ReasonConflictingAdminPolicy indicates another admin's claim won the
// resolution.
const ReasonConflictingAdminPolicy Reason = "conflicting_admin_policy"

// Notification is the payload delivered to a receiver.
type Notification struct {
	ID           string                `json:"id"`
	Kind         Kind                  `json:"kind"`
	Admin        policy.EnforcingAdmin `json:"admin"`
	PolicyKey    string                `json:"policy_key"`
	CallbackArgs map[string]string     `json:"callback_args,omitempty"`
	TargetUser   TargetUser            `json:"target_user"`
	Success      bool                  `json:"success,omitempty"` // set-result only
	Reason       Reason                `json:"reason,omitempty"`
	SentAt       time.Time             `json:"sent_at"`
}

func newNotification(kind Kind, admin policy.EnforcingAdmin, key string, args map[string]string, target TargetUser) Notification {
	return Notification{
		ID:           uuid.New().String(),
		Kind:         kind,
		Admin:        admin,
		PolicyKey:    key,
		CallbackArgs: args,
		TargetUser:   target,
		SentAt:       time.Now().UTC(),
	}
}
