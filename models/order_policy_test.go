package models_test

import (
	"errors"
	"testing"

	"bitbucket.org/mmdatafocus/commerce_backend/models"
)

func TestOrderTransitionPolicy(t *testing.T) {
	cases := []struct {
		name  string
		from  models.OrderStatus
		to    models.OrderStatus
		actor models.ActorRole
		ok    bool
	}{
		{"system confirms payment", models.OrderStatusPending, models.OrderStatusPaid, models.ActorRoleSystem, true},
		{"admin cannot mark paid", models.OrderStatusPending, models.OrderStatusPaid, models.ActorRoleAdmin, false},
		{"customer cannot mark paid", models.OrderStatusPending, models.OrderStatusPaid, models.ActorRoleCustomer, false},
		{"customer cancels pending", models.OrderStatusPending, models.OrderStatusCancelled, models.ActorRoleCustomer, true},
		{"customer cannot cancel paid", models.OrderStatusPaid, models.OrderStatusCancelled, models.ActorRoleCustomer, false},
		{"customer cannot ship", models.OrderStatusPaid, models.OrderStatusShipped, models.ActorRoleCustomer, false},
		{"admin ships paid", models.OrderStatusPaid, models.OrderStatusShipped, models.ActorRoleAdmin, true},
		{"admin ships pending cod", models.OrderStatusPending, models.OrderStatusShipped, models.ActorRoleAdmin, true},
		{"admin delivers shipped", models.OrderStatusShipped, models.OrderStatusDelivered, models.ActorRoleAdmin, true},
		{"admin cancels shipped", models.OrderStatusShipped, models.OrderStatusCancelled, models.ActorRoleAdmin, true},
		{"delivered is terminal for shipping", models.OrderStatusDelivered, models.OrderStatusShipped, models.ActorRoleAdmin, false},
		{"admin cancels delivered for returns", models.OrderStatusDelivered, models.OrderStatusCancelled, models.ActorRoleAdmin, true},
		{"customer cannot cancel delivered", models.OrderStatusDelivered, models.OrderStatusCancelled, models.ActorRoleCustomer, false},
		{"cancelled is terminal", models.OrderStatusCancelled, models.OrderStatusPending, models.ActorRoleAdmin, false},
		{"no skipping pending to delivered", models.OrderStatusPending, models.OrderStatusDelivered, models.ActorRoleAdmin, false},
		{"no going back paid to pending", models.OrderStatusPaid, models.OrderStatusPending, models.ActorRoleSystem, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := models.ValidateOrderTransition(tc.from, tc.to, tc.actor)
			if tc.ok && err != nil {
				t.Fatalf("expected transition %s -> %s by %s to be allowed, got %v", tc.from, tc.to, tc.actor, err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected transition %s -> %s by %s to be rejected", tc.from, tc.to, tc.actor)
			}
		})
	}
}

func TestTransitionErrorTypes(t *testing.T) {
	// impossible edge reports InvalidTransitionError even for an actor
	// who could never perform it
	err := models.ValidateOrderTransition(models.OrderStatusDelivered, models.OrderStatusPaid, models.ActorRoleCustomer)
	var transitionErr *models.InvalidTransitionError
	if !errors.As(err, &transitionErr) {
		t.Fatalf("expected InvalidTransitionError, got %T: %v", err, err)
	}

	// possible edge with wrong actor reports ForbiddenError
	err = models.ValidateOrderTransition(models.OrderStatusPaid, models.OrderStatusShipped, models.ActorRoleCustomer)
	var forbiddenErr *models.ForbiddenError
	if !errors.As(err, &forbiddenErr) {
		t.Fatalf("expected ForbiddenError, got %T: %v", err, err)
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []models.OrderStatus{models.OrderStatusDelivered, models.OrderStatusCancelled} {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []models.OrderStatus{models.OrderStatusPending, models.OrderStatusPaid, models.OrderStatusShipped} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
