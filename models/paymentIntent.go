package models

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// paymentAmountTolerance absorbs gateway rounding on confirmed amounts.
var paymentAmountTolerance = decimal.NewFromFloat(0.01)

type PaymentIntent struct {
	ID            string              `gorm:"primary_key;size:36" json:"id"`
	OrderId       string              `gorm:"size:36;uniqueIndex;not null" json:"order_id"`
	Amount        decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"amount"`
	Method        PaymentMethod       `gorm:"size:10;not null" json:"method"`
	Status        PaymentIntentStatus `gorm:"size:10;index;not null;default:'pending'" json:"status"`
	FailureReason string              `gorm:"size:255" json:"failure_reason"`
	ExpiresAt     time.Time           `gorm:"index;not null" json:"expires_at"`
	ConfirmedAt   *time.Time          `json:"confirmed_at"`
	CreatedAt     time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

func paymentIntentTTL() time.Duration {
	if v := os.Getenv("PAYMENT_INTENT_TTL_MINUTES"); v != "" {
		if minutes, err := strconv.Atoi(v); err == nil && minutes > 0 {
			return time.Duration(minutes) * time.Minute
		}
	}
	return 15 * time.Minute
}

// createPaymentIntent opens the intent inside the order's transaction.
// COD orders never get one.
func createPaymentIntent(tx *gorm.DB, order *Order) (*PaymentIntent, error) {

	intent := PaymentIntent{
		ID:        uuid.NewString(),
		OrderId:   order.ID,
		Amount:    order.TotalAmount,
		Method:    order.PaymentMethod,
		Status:    PaymentIntentStatusPending,
		ExpiresAt: time.Now().Add(paymentIntentTTL()),
	}
	if err := tx.Create(&intent).Error; err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreatePaymentIntent reopens the payment attempt on a pending online
// order. A still-live intent comes back unchanged; a failed or expired
// one gets a fresh window so the customer can retry before the zombie
// sweep reclaims the order.
func CreatePaymentIntent(ctx context.Context, orderId string) (*PaymentIntent, error) {

	actor := actorFromContext(ctx)
	actorId, _ := utils.GetUserIdFromContext(ctx)

	db := config.GetDB()
	tx := db.Begin()

	order, err := lockOrder(tx.WithContext(ctx), orderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if actor == ActorRoleCustomer && order.CustomerId != actorId {
		tx.Rollback()
		return nil, &OrderNotFoundError{OrderId: orderId}
	}
	if order.PaymentMethod.IsCashOnDelivery() {
		tx.Rollback()
		return nil, NewValidationError("cash on delivery orders have no payment intent")
	}
	if order.Status != OrderStatusPending {
		tx.Rollback()
		return nil, &PaymentError{Message: "order is no longer payable"}
	}

	var intent PaymentIntent
	err = tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&intent, "order_id = ?", order.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fresh, err := createPaymentIntent(tx.WithContext(ctx), order)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		WriteAuditLog(ctx, AuditActionPaymentRetried, order.ID, "payment_intent", fresh)
		return fresh, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if intent.Status == PaymentIntentStatusPending && time.Now().Before(intent.ExpiresAt) {
		tx.Rollback()
		return &intent, nil
	}
	if intent.Status == PaymentIntentStatusSucceeded {
		tx.Rollback()
		return nil, &PaymentError{IntentId: intent.ID, Message: "payment already succeeded"}
	}

	expiresAt := time.Now().Add(paymentIntentTTL())
	err = tx.WithContext(ctx).Model(&PaymentIntent{}).Where("id = ?", intent.ID).
		Updates(map[string]interface{}{
			"status":         PaymentIntentStatusPending,
			"failure_reason": "",
			"expires_at":     expiresAt,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	intent.Status = PaymentIntentStatusPending
	intent.FailureReason = ""
	intent.ExpiresAt = expiresAt

	WriteAuditLog(ctx, AuditActionPaymentRetried, order.ID, "payment_intent", intent)
	return &intent, nil
}

// failPendingPaymentIntent marks the order's intent failed if it is
// still pending. Missing or already-settled intents are left alone.
func failPendingPaymentIntent(tx *gorm.DB, orderId string, reason string) error {

	return tx.Model(&PaymentIntent{}).
		Where("order_id = ? AND status = ?", orderId, PaymentIntentStatusPending).
		Updates(map[string]interface{}{
			"status":         PaymentIntentStatusFailed,
			"failure_reason": reason,
		}).Error
}

type PaymentConfirmation struct {
	IntentId   string          `json:"intent_id" binding:"required"`
	PaidAmount decimal.Decimal `json:"paid_amount" binding:"required"`
	Reference  string          `json:"reference"`
}

// ConfirmPaymentIntent settles an intent from a gateway webhook.
// Replayed confirmations of a succeeded intent return the intent
// unchanged. A mismatched amount fails the intent and leaves the order
// pending for the sweeper.
func ConfirmPaymentIntent(ctx context.Context, input *PaymentConfirmation) (*PaymentIntent, error) {

	db := config.GetDB()
	tx := db.Begin()

	var intent PaymentIntent
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&intent, "id = ?", input.IntentId).Error
	if err != nil {
		tx.Rollback()
		return nil, &PaymentError{IntentId: input.IntentId, Message: "payment intent not found"}
	}

	switch intent.Status {
	case PaymentIntentStatusSucceeded:
		// webhook replay
		tx.Rollback()
		return &intent, nil
	case PaymentIntentStatusFailed, PaymentIntentStatusExpired:
		tx.Rollback()
		return nil, &PaymentError{IntentId: intent.ID, Message: "payment intent already " + string(intent.Status)}
	}

	if time.Now().After(intent.ExpiresAt) {
		// the sweeper just hasn't caught it yet; settle it the same way
		err = tx.WithContext(ctx).Model(&PaymentIntent{}).Where("id = ?", intent.ID).
			Updates(map[string]interface{}{
				"status":         PaymentIntentStatusExpired,
				"failure_reason": "payment window expired",
			}).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		order, err := lockOrder(tx.WithContext(ctx), intent.OrderId)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := internalCancelOrder(tx.WithContext(ctx), ctx, order, ActorRoleSystem, SystemActorId,
			"payment window expired"); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return nil, &PaymentError{IntentId: intent.ID, Message: "payment window expired"}
	}

	if input.PaidAmount.Sub(intent.Amount).Abs().GreaterThan(paymentAmountTolerance) {
		err = tx.WithContext(ctx).Model(&PaymentIntent{}).Where("id = ?", intent.ID).
			Updates(map[string]interface{}{
				"status":         PaymentIntentStatusFailed,
				"failure_reason": "amount mismatch",
			}).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		return nil, &PaymentError{IntentId: intent.ID, Message: "paid amount does not match intent amount"}
	}

	order, err := lockOrder(tx.WithContext(ctx), intent.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if order.Status != OrderStatusPending {
		// paid too late (order cancelled or force-shipped); the money
		// has landed, so flag it for manual refund instead of dropping
		// the confirmation silently
		err = tx.WithContext(ctx).Model(&PaymentIntent{}).Where("id = ?", intent.ID).
			Updates(map[string]interface{}{
				"status":         PaymentIntentStatusFailed,
				"failure_reason": "order no longer payable; refund required",
			}).Error
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		config.GetLogger().WithFields(logrus.Fields{
			"module":       "models",
			"funcName":     "ConfirmPaymentIntent",
			"intent_id":    intent.ID,
			"order_id":     order.ID,
			"order_status": order.Status,
		}).Warn("late payment confirmed on a non-payable order; manual refund required")
		return nil, &PaymentError{IntentId: intent.ID, Message: "order is no longer payable"}
	}

	now := time.Now()
	err = tx.WithContext(ctx).Model(&PaymentIntent{}).Where("id = ?", intent.ID).
		Updates(map[string]interface{}{
			"status":       PaymentIntentStatusSucceeded,
			"confirmed_at": &now,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	err = tx.WithContext(ctx).Model(&Order{}).Where("id = ?", order.ID).
		Updates(map[string]interface{}{
			"status":  OrderStatusPaid,
			"paid_at": &now,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// payment burns the reservation into a committed sale
	for _, item := range order.Items {
		if err := commitStock(tx.WithContext(ctx), order.WarehouseId, item.VariantId, item.Quantity, order.ID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	// cash received before delivery is a liability until recognition
	_, err = createJournalEntry(tx.WithContext(ctx), &newJournalEntry{
		TransactionDate: now,
		Description:     "Payment received for order " + order.OrderNumber,
		ReferenceId:     order.ID,
		ReferenceType:   "order_payment",
		Lines: []newJournalLine{
			{AccountCode: AccountCodeCash, Debit: intent.Amount},
			{AccountCode: AccountCodeDeferredRevenue, Credit: intent.Amount},
		},
	})
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := createOrderStatusLog(tx.WithContext(ctx), order.ID, OrderStatusPending, OrderStatusPaid,
		ActorRoleSystem, SystemActorId, "payment confirmed"); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	intent.Status = PaymentIntentStatusSucceeded
	intent.ConfirmedAt = &now

	WriteAuditLog(ctx, AuditActionPaymentConfirmed, order.ID, "payment_intent", intent)
	return &intent, nil
}

// FailPaymentIntent settles a gateway failure: the intent fails and the
// order cancels, releasing its reservations. Already-settled intents
// are a no-op.
func FailPaymentIntent(ctx context.Context, intentId string, reason string) (*PaymentIntent, error) {

	db := config.GetDB()
	tx := db.Begin()

	var intent PaymentIntent
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&intent, "id = ?", intentId).Error
	if err != nil {
		tx.Rollback()
		return nil, &PaymentError{IntentId: intentId, Message: "payment intent not found"}
	}
	if intent.Status != PaymentIntentStatusPending {
		tx.Rollback()
		return &intent, nil
	}

	err = tx.WithContext(ctx).Model(&PaymentIntent{}).Where("id = ?", intent.ID).
		Updates(map[string]interface{}{
			"status":         PaymentIntentStatusFailed,
			"failure_reason": reason,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	order, err := lockOrder(tx.WithContext(ctx), intent.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := internalCancelOrder(tx.WithContext(ctx), ctx, order, ActorRoleSystem, SystemActorId,
		"payment failed: "+reason); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	intent.Status = PaymentIntentStatusFailed
	intent.FailureReason = reason

	WriteAuditLog(ctx, AuditActionPaymentFailed, order.ID, "payment_intent", intent)
	return &intent, nil
}

// ProcessExpiredPayments sweeps intents that outlived their TTL without
// a gateway verdict. Each intent settles in its own transaction; one
// bad row never stalls the rest.
func ProcessExpiredPayments(ctx context.Context) (int, error) {

	db := config.GetDB()
	logger := config.GetLogger()

	var expired []PaymentIntent
	err := db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", PaymentIntentStatusPending, time.Now()).
		Limit(200).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, stale := range expired {
		if err := expireOnePayment(ctx, stale.ID); err != nil {
			config.LogError(logger, "models", "ProcessExpiredPayments", "expire payment intent",
				map[string]interface{}{"intent_id": stale.ID, "order_id": stale.OrderId}, err)
			continue
		}
		processed++
	}
	return processed, nil
}

func expireOnePayment(ctx context.Context, intentId string) error {

	db := config.GetDB()
	tx := db.Begin()

	var intent PaymentIntent
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&intent, "id = ?", intentId).Error
	if err != nil {
		tx.Rollback()
		return err
	}
	// re-check under lock; a webhook may have settled it meanwhile
	if intent.Status != PaymentIntentStatusPending || intent.ExpiresAt.After(time.Now()) {
		tx.Rollback()
		return nil
	}

	err = tx.WithContext(ctx).Model(&PaymentIntent{}).Where("id = ?", intent.ID).
		Updates(map[string]interface{}{
			"status":         PaymentIntentStatusExpired,
			"failure_reason": "payment window expired",
		}).Error
	if err != nil {
		tx.Rollback()
		return err
	}

	order, err := lockOrder(tx.WithContext(ctx), intent.OrderId)
	if err != nil {
		tx.Rollback()
		return err
	}
	if err := internalCancelOrder(tx.WithContext(ctx), ctx, order, ActorRoleSystem, SystemActorId,
		"payment window expired"); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

// ProcessZombieOrders cancels pending orders stuck past maxAge with no
// live payment attempt. Orders holding a pending intent belong to the
// expiry sweep; COD orders are exempt because they legitimately sit
// pending until shipment.
func ProcessZombieOrders(ctx context.Context, maxAge time.Duration) (int, error) {

	db := config.GetDB()
	logger := config.GetLogger()

	cutoff := time.Now().Add(-maxAge)
	var zombies []Order
	err := db.WithContext(ctx).
		Where("status = ? AND payment_method <> ? AND created_at < ?",
			OrderStatusPending, PaymentMethodCash, cutoff).
		Where("NOT EXISTS (SELECT 1 FROM payment_intents WHERE payment_intents.order_id = orders.id AND payment_intents.status = ?)",
			PaymentIntentStatusPending).
		Limit(200).
		Find(&zombies).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, zombie := range zombies {
		if err := cancelOneZombie(ctx, zombie.ID, cutoff); err != nil {
			config.LogError(logger, "models", "ProcessZombieOrders", "cancel zombie order",
				map[string]interface{}{"order_id": zombie.ID}, err)
			continue
		}
		processed++
	}
	return processed, nil
}

func cancelOneZombie(ctx context.Context, orderId string, cutoff time.Time) error {

	db := config.GetDB()
	tx := db.Begin()

	order, err := lockOrder(tx.WithContext(ctx), orderId)
	if err != nil {
		tx.Rollback()
		return err
	}
	// re-check under lock
	if order.Status != OrderStatusPending || !order.CreatedAt.Before(cutoff) {
		tx.Rollback()
		return nil
	}
	if err := internalCancelOrder(tx.WithContext(ctx), ctx, order, ActorRoleSystem, SystemActorId,
		"abandoned order reclaimed"); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit().Error
}
