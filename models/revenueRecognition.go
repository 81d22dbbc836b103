package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RevenueRecognition marks that an order's revenue has been posted.
// One row per order; reversal deletes the row so a re-delivery can
// recognize again.
type RevenueRecognition struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	OrderId            string          `gorm:"size:36;uniqueIndex;not null" json:"order_id"`
	JournalEntryId     int             `gorm:"not null" json:"journal_entry_id"`
	CogsJournalEntryId int             `json:"cogs_journal_entry_id"`
	RevenueAmount      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"revenue_amount"`
	CogsAmount         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"cogs_amount"`
	GrossProfit        decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"gross_profit"`
	RefundedAmount     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"refunded_amount"`
	RecognizedBy       string          `gorm:"size:36" json:"recognized_by"`
	RecognizedAt       time.Time       `gorm:"not null" json:"recognized_at"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// revenueDebitAccount picks the counter-account for recognition:
// prepaid money sits in deferred revenue, COD collects cash on the
// doorstep, anything delivered unpaid becomes a receivable.
func revenueDebitAccount(order *Order) string {
	switch {
	case order.PaidAt != nil:
		return AccountCodeDeferredRevenue
	case order.PaymentMethod.IsCashOnDelivery():
		return AccountCodeCash
	default:
		return AccountCodeAccountsReceivable
	}
}

// recognizeRevenue posts the delivery entries for an order: revenue
// (cash or receivable against sales) plus a COGS entry when the order
// carried cost. Skips silently if the order was already recognized.
func recognizeRevenue(tx *gorm.DB, ctx context.Context, order *Order, at time.Time) error {

	var count int64
	if err := tx.Model(&RevenueRecognition{}).Where("order_id = ?", order.ID).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	// prepaid orders parked the cash in deferred revenue at payment
	// time; delivery clears that liability. COD turns into a
	// receivable collected off-system.
	debitAccount := revenueDebitAccount(order)

	revenueEntry, err := createJournalEntry(tx, &newJournalEntry{
		TransactionDate: at,
		Description:     "Revenue recognized for order " + order.OrderNumber,
		ReferenceId:     order.ID,
		ReferenceType:   "order_revenue",
		Lines: []newJournalLine{
			{AccountCode: debitAccount, Debit: order.TotalAmount},
			{AccountCode: AccountCodeSales, Credit: order.TotalAmount},
		},
	})
	if err != nil {
		return err
	}

	recognizedBy, _ := utils.GetUserIdFromContext(ctx)
	if recognizedBy == "" {
		recognizedBy = SystemActorId
	}
	recognition := RevenueRecognition{
		OrderId:        order.ID,
		JournalEntryId: revenueEntry.ID,
		RevenueAmount:  order.TotalAmount,
		CogsAmount:     order.TotalCost,
		GrossProfit:    order.TotalAmount.Sub(order.TotalCost),
		RecognizedBy:   recognizedBy,
		RecognizedAt:   at,
	}

	if order.TotalCost.GreaterThan(decimal.Zero) {
		cogsEntry, err := createJournalEntry(tx, &newJournalEntry{
			TransactionDate: at,
			Description:     "Cost of goods sold for order " + order.OrderNumber,
			ReferenceId:     order.ID,
			ReferenceType:   "order_cogs",
			Lines: []newJournalLine{
				{AccountCode: AccountCodeCostOfGoodsSold, Debit: order.TotalCost},
				{AccountCode: AccountCodeInventoryAsset, Credit: order.TotalCost},
			},
		})
		if err != nil {
			return err
		}
		recognition.CogsJournalEntryId = cogsEntry.ID
	}

	return tx.Create(&recognition).Error
}

// reverseRevenue mirrors the recognition entries and removes the
// recognition marker. No-op when the order was never recognized.
func reverseRevenue(tx *gorm.DB, ctx context.Context, order *Order, at time.Time) error {

	var recognition RevenueRecognition
	err := tx.Where("order_id = ?", order.ID).First(&recognition).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		// anything else aborts the cancellation; committing here would
		// return stock while the revenue entries survive
		return err
	}

	debitAccount := revenueDebitAccount(order)

	_, err = createJournalEntry(tx, &newJournalEntry{
		TransactionDate: at,
		Description:     "Revenue reversed for order " + order.OrderNumber,
		ReferenceId:     order.ID,
		ReferenceType:   "order_revenue_reversal",
		Lines: []newJournalLine{
			{AccountCode: AccountCodeSales, Debit: recognition.RevenueAmount},
			{AccountCode: debitAccount, Credit: recognition.RevenueAmount},
		},
	})
	if err != nil {
		return err
	}

	if recognition.CogsAmount.GreaterThan(decimal.Zero) {
		_, err = createJournalEntry(tx, &newJournalEntry{
			TransactionDate: at,
			Description:     "Cost of goods sold reversed for order " + order.OrderNumber,
			ReferenceId:     order.ID,
			ReferenceType:   "order_cogs_reversal",
			Lines: []newJournalLine{
				{AccountCode: AccountCodeInventoryAsset, Debit: recognition.CogsAmount},
				{AccountCode: AccountCodeCostOfGoodsSold, Credit: recognition.CogsAmount},
			},
		})
		if err != nil {
			return err
		}
	}

	// raw delete; the gorm hook would veto model-based deletes
	return tx.Exec("DELETE FROM revenue_recognitions WHERE id = ?", recognition.ID).Error
}

type NewRefund struct {
	OrderId string          `json:"order_id" binding:"required"`
	Amount  decimal.Decimal `json:"amount" binding:"required"`
	Reason  string          `json:"reason"`
}

// CreateRefundEntry posts a partial or full refund against a delivered
// order. The revenue side refunds the requested amount; the cost side
// restores inventory value in proportion to how much of the order came
// back.
func CreateRefundEntry(ctx context.Context, input *NewRefund) (*JournalEntry, error) {

	if input.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, NewValidationError("refund amount must be positive")
	}

	db := config.GetDB()
	tx := db.Begin()

	order, err := lockOrder(tx.WithContext(ctx), input.OrderId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if order.Status != OrderStatusDelivered {
		tx.Rollback()
		return nil, NewValidationError("only delivered orders can be refunded")
	}

	var recognition RevenueRecognition
	err = tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", order.ID).First(&recognition).Error
	if err != nil {
		tx.Rollback()
		return nil, NewValidationError("order %s has no recognized revenue to refund", order.ID)
	}

	refundable := recognition.RevenueAmount.Sub(recognition.RefundedAmount)
	if input.Amount.GreaterThan(refundable) {
		tx.Rollback()
		return nil, NewValidationError("refund %s exceeds refundable balance %s", input.Amount, refundable)
	}

	now := time.Now()
	refundEntry, err := createJournalEntry(tx.WithContext(ctx), &newJournalEntry{
		TransactionDate: now,
		Description:     "Refund for order " + order.OrderNumber,
		ReferenceId:     order.ID,
		ReferenceType:   "order_refund",
		Lines: []newJournalLine{
			{AccountCode: AccountCodeSales, Debit: input.Amount},
			{AccountCode: AccountCodeCash, Credit: input.Amount},
		},
	})
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// cost restored proportionally to the refunded share of revenue
	if recognition.CogsAmount.GreaterThan(decimal.Zero) && recognition.RevenueAmount.GreaterThan(decimal.Zero) {
		cogsPortion := recognition.CogsAmount.Mul(input.Amount).
			Div(recognition.RevenueAmount).Round(4)
		if cogsPortion.GreaterThan(decimal.Zero) {
			_, err = createJournalEntry(tx.WithContext(ctx), &newJournalEntry{
				TransactionDate: now,
				Description:     "Cost restored on refund for order " + order.OrderNumber,
				ReferenceId:     order.ID,
				ReferenceType:   "order_refund_cogs",
				Lines: []newJournalLine{
					{AccountCode: AccountCodeInventoryAsset, Debit: cogsPortion},
					{AccountCode: AccountCodeCostOfGoodsSold, Credit: cogsPortion},
				},
			})
			if err != nil {
				tx.Rollback()
				return nil, err
			}
		}
	}

	err = tx.WithContext(ctx).Exec(
		"UPDATE revenue_recognitions SET refunded_amount = refunded_amount + ? WHERE id = ? AND revenue_amount - refunded_amount >= ?",
		input.Amount, recognition.ID, input.Amount).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	WriteAuditLog(ctx, AuditActionOrderRefunded, order.ID, "order", map[string]interface{}{
		"amount": input.Amount, "reason": input.Reason,
	})
	return refundEntry, nil
}

// GetRevenueRecognition returns the recognition marker for one order.
func GetRevenueRecognition(ctx context.Context, orderId string) (*RevenueRecognition, error) {

	db := config.GetDB()
	var recognition RevenueRecognition
	err := db.WithContext(ctx).Where("order_id = ?", orderId).First(&recognition).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &recognition, nil
}
