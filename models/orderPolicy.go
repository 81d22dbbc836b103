package models

// transitionPolicy lists, per source status, the target statuses each
// actor role may request. Absence means forbidden. "paid" can only be
// reached by the system (payment confirmation webhook); customers can
// only cancel their own pending orders.
var transitionPolicy = map[OrderStatus]map[OrderStatus][]ActorRole{
	OrderStatusPending: {
		OrderStatusPaid:      {ActorRoleSystem},
		OrderStatusShipped:   {ActorRoleAdmin, ActorRoleSystem},
		OrderStatusCancelled: {ActorRoleCustomer, ActorRoleAdmin, ActorRoleSystem},
	},
	OrderStatusPaid: {
		OrderStatusShipped:   {ActorRoleAdmin, ActorRoleSystem},
		OrderStatusCancelled: {ActorRoleAdmin, ActorRoleSystem},
	},
	OrderStatusShipped: {
		OrderStatusDelivered: {ActorRoleAdmin, ActorRoleSystem},
		OrderStatusCancelled: {ActorRoleAdmin, ActorRoleSystem},
	},
	OrderStatusDelivered: {
		// post-delivery cancellation (returned goods); reverses the
		// recognized revenue and books the stock back in
		OrderStatusCancelled: {ActorRoleAdmin, ActorRoleSystem},
	},
	// cancelled is terminal
}

// ValidateOrderTransition checks both the edge and the actor. The edge
// check wins: an impossible transition reports InvalidTransitionError
// even for an actor who could never perform it.
func ValidateOrderTransition(from OrderStatus, to OrderStatus, actor ActorRole) error {
	targets, ok := transitionPolicy[from]
	if !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	roles, ok := targets[to]
	if !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	for _, role := range roles {
		if role == actor {
			return nil
		}
	}
	return &ForbiddenError{Actor: actor, Action: string("change order status to " + to)}
}
