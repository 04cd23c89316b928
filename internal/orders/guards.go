package orders

import (
	"fmt"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

type Action string

const (
	ActionPlace          Action = "place"
	ActionAccept         Action = "accept"
	ActionReject         Action = "reject"
	ActionCancel         Action = "cancel"
	ActionScanSeller     Action = "scan_seller_token"
	ActionScanUser       Action = "scan_user_token"
	ActionMasterCancel   Action = "master_cancel"
	ActionOverrideStatus Action = "override_status"
)

type ownership int

const (
	ownerNone ownership = iota
	ownerBuyer
	ownerSeller
)

type guard struct {
	roles map[domain.Role]bool
	from  map[domain.OrderStatus]bool
	// owner names whose order it must be. Outlet staff and masters act on
	// any order they are allowed to touch.
	owner ownership
}

func roles(rs ...domain.Role) map[domain.Role]bool {
	m := make(map[domain.Role]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}

func states(ss ...domain.OrderStatus) map[domain.OrderStatus]bool {
	m := make(map[domain.OrderStatus]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// guards is the whole transition table. Anything not listed is refused.
var guards = map[Action]guard{
	ActionPlace: {
		roles: roles(domain.RoleUser),
	},
	ActionAccept: {
		roles: roles(domain.RoleSeller),
		from:  states(domain.OrderStatusPendingSeller),
		owner: ownerSeller,
	},
	ActionReject: {
		roles: roles(domain.RoleSeller),
		from:  states(domain.OrderStatusPendingSeller),
		owner: ownerSeller,
	},
	ActionCancel: {
		roles: roles(domain.RoleUser),
		from:  states(domain.OrderStatusPendingSeller),
		owner: ownerBuyer,
	},
	ActionScanSeller: {
		roles: roles(domain.RoleSeller, domain.RoleOutlet),
		from:  states(domain.OrderStatusSellerAccepted),
		owner: ownerSeller,
	},
	ActionScanUser: {
		roles: roles(domain.RoleUser, domain.RoleOutlet),
		from:  states(domain.OrderStatusHandedOver),
		owner: ownerBuyer,
	},
	ActionMasterCancel: {
		roles: roles(domain.RoleMaster),
		from:  states(domain.OrderStatusSellerAccepted, domain.OrderStatusHandedOver),
	},
	ActionOverrideStatus: {
		roles: roles(domain.RoleMaster, domain.RoleOutlet),
		from:  states(domain.OrderStatusPendingSeller),
	},
}

// authorize checks the actor against the action's role set and, for
// buyers and sellers, ownership of the order.
func authorize(action Action, actor domain.Actor, o *domain.Order) error {
	g, ok := guards[action]
	if !ok {
		return fmt.Errorf("%w: unknown action %s", domain.ErrInvalidTransition, action)
	}
	if !g.roles[actor.Role] {
		return fmt.Errorf("%w: %s cannot %s", domain.ErrUnauthorized, actor.Role, action)
	}
	if o == nil {
		return nil
	}

	switch {
	case g.owner == ownerBuyer && actor.Role == domain.RoleUser && o.UserID != actor.ID:
		return fmt.Errorf("%w: order %s belongs to another buyer", domain.ErrUnauthorized, o.OrderNumber)
	case g.owner == ownerSeller && actor.Role == domain.RoleSeller && o.SellerID != actor.ID:
		return fmt.Errorf("%w: order %s belongs to another seller", domain.ErrUnauthorized, o.OrderNumber)
	}
	return nil
}

func checkState(action Action, o *domain.Order) error {
	if !guards[action].from[o.Status] {
		return fmt.Errorf("%w: cannot %s order %s in state %s",
			domain.ErrInvalidTransition, action, o.OrderNumber, o.Status)
	}
	return nil
}

// canRead reports whether the actor may see the order at all.
func canRead(actor domain.Actor, o *domain.Order) bool {
	switch actor.Role {
	case domain.RoleUser:
		return o.UserID == actor.ID
	case domain.RoleSeller:
		return o.SellerID == actor.ID
	case domain.RoleOutlet, domain.RoleMaster:
		return true
	}
	return false
}
