package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError covers malformed inputs before any db work starts.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

type OrderNotFoundError struct {
	OrderId string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order %s not found", e.OrderId)
}

type InvalidTransitionError struct {
	From OrderStatus
	To   OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

type ForbiddenError struct {
	Actor  ActorRole
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("%s is not allowed to %s", e.Actor, e.Action)
}

// InsufficientStockError is returned when a conditional stock update
// matched zero rows; Available is the quantity read after the miss and
// may already be stale.
type InsufficientStockError struct {
	VariantId string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %s, available %s",
		e.VariantId, e.Requested, e.Available)
}

type InventoryError struct {
	VariantId string
	Message   string
}

func (e *InventoryError) Error() string {
	return fmt.Sprintf("inventory error for variant %s: %s", e.VariantId, e.Message)
}

type PaymentError struct {
	IntentId string
	Message  string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment intent %s: %s", e.IntentId, e.Message)
}

type PeriodClosedError struct {
	PeriodKey string
	Status    PeriodStatus
}

func (e *PeriodClosedError) Error() string {
	return fmt.Sprintf("financial period %s is %s; posting rejected", e.PeriodKey, e.Status)
}

type UnbalancedEntryError struct {
	Debits  decimal.Decimal
	Credits decimal.Decimal
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("journal entry does not balance: debits %s, credits %s", e.Debits, e.Credits)
}
