package workflow

import (
	"context"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// RefundRequest is the admin-facing refund input. A zero amount means
// refund everything still refundable on the order.
type RefundRequest struct {
	OrderId string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
}

// ProcessOrderRefund resolves the refund amount and posts the refund
// entries.
func ProcessOrderRefund(ctx context.Context, input *RefundRequest) (*models.JournalEntry, error) {

	logger := config.GetLogger()

	amount := input.Amount
	if amount.IsZero() {
		recognition, err := models.GetRevenueRecognition(ctx, input.OrderId)
		if err != nil {
			return nil, models.NewValidationError("order %s has no recognized revenue to refund", input.OrderId)
		}
		amount = recognition.RevenueAmount.Sub(recognition.RefundedAmount)
		if amount.LessThanOrEqual(decimal.Zero) {
			return nil, models.NewValidationError("order %s is already fully refunded", input.OrderId)
		}
	}

	entry, err := models.CreateRefundEntry(ctx, &models.NewRefund{
		OrderId: input.OrderId,
		Amount:  amount,
		Reason:  input.Reason,
	})
	if err != nil {
		config.LogError(logger, "workflow", "ProcessOrderRefund", "create refund entry",
			map[string]interface{}{"order_id": input.OrderId, "amount": amount}, err)
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"module":   "workflow",
		"func":     "ProcessOrderRefund",
		"order_id": input.OrderId,
		"amount":   amount.String(),
	}).Info("refund posted")
	return entry, nil
}
