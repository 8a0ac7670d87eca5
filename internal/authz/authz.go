// Package authz defines actor identity and the capability check applied at
// every component entry point.
//
// Authentication and role resolution happen upstream (the RBAC collaborator);
// this package only decides whether a resolved actor may perform a given
// governance or lifecycle action. Every mutating operation in the system takes
// an Actor so the audit trail always carries a real identity.
package authz

import "errors"

// ErrForbidden is returned when an actor's role does not permit the action.
var ErrForbidden = errors.New("actor role not permitted for this action")

// Role is a resolved actor role.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleAdmin   Role = "admin"
	RoleFinance Role = "finance_admin"
	RoleSystem  Role = "system"
)

// Actor is the identity attached to every mutating call.
type Actor struct {
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// System returns the actor used by background jobs (the release sweeper).
func System() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}

// Action names a capability-checked operation.
type Action string

const (
	ActionPlaceOrder     Action = "order.place"
	ActionConfirmPayment Action = "order.confirm_payment"
	ActionShip           Action = "order.ship"
	ActionDeliver        Action = "order.deliver"
	ActionCancel         Action = "order.cancel"
	ActionReturnRequest  Action = "order.return_request"
	ActionRaiseDispute   Action = "dispute.raise"
	ActionEvaluate       Action = "dispute.evaluate"
	ActionResolve        Action = "dispute.resolve"
	ActionHold           Action = "escrow.hold"
	ActionRelease        Action = "escrow.release"
	ActionRefund         Action = "escrow.refund"
	ActionFreeze         Action = "escrow.freeze"
	ActionUnfreeze       Action = "escrow.unfreeze"
	ActionQueryAudit     Action = "audit.query"
)

// capabilities maps each role to the actions it may perform. Money-moving
// actions (release, refund, resolve) are restricted to finance-capable roles;
// system covers the sweeper's auto-release path.
var capabilities = map[Role]map[Action]bool{
	RoleBuyer: {
		ActionPlaceOrder:     true,
		ActionConfirmPayment: true,
		ActionCancel:         true,
		ActionReturnRequest:  true,
		ActionRaiseDispute:   true,
	},
	RoleSeller: {
		ActionShip:         true,
		ActionDeliver:      true,
		ActionRaiseDispute: true,
	},
	RoleAdmin: {
		ActionCancel:       true,
		ActionRaiseDispute: true,
		ActionEvaluate:     true,
		ActionFreeze:       true,
		ActionUnfreeze:     true,
		ActionQueryAudit:   true,
	},
	RoleFinance: {
		ActionCancel:       true,
		ActionRaiseDispute: true,
		ActionEvaluate:     true,
		ActionResolve:      true,
		ActionRelease:      true,
		ActionRefund:       true,
		ActionFreeze:       true,
		ActionUnfreeze:     true,
		ActionQueryAudit:   true,
	},
	RoleSystem: {
		ActionConfirmPayment: true,
		ActionHold:           true,
		ActionRelease:        true,
		ActionRefund:         true,
		ActionFreeze:         true,
		ActionUnfreeze:       true,
	},
}

// Check verifies that the actor may perform action. It is the single
// capability gate used by every component entry point; handlers never
// reimplement role logic.
func Check(actor Actor, action Action) error {
	if actor.ID == "" {
		return ErrForbidden
	}
	if capabilities[actor.Role][action] {
		return nil
	}
	return ErrForbidden
}
