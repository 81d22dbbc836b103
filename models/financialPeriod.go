package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FinancialPeriod is a calendar month of the ledger. Posting is only
// allowed while the period is open; closed periods can reopen, locked
// ones cannot.
type FinancialPeriod struct {
	ID           string       `gorm:"primary_key;size:36" json:"id"`
	PeriodKey    string       `gorm:"size:7;uniqueIndex;not null" json:"period_key"`
	StartDate    time.Time    `gorm:"not null" json:"start_date"`
	EndDate      time.Time    `gorm:"not null" json:"end_date"`
	Status       PeriodStatus `gorm:"size:10;not null;default:'open'" json:"status"`
	ClosedAt     *time.Time   `json:"closed_at"`
	ClosedBy     string       `gorm:"size:36" json:"closed_by"`
	ReopenedAt   *time.Time   `json:"reopened_at"`
	ReopenedBy   string       `gorm:"size:36" json:"reopened_by"`
	ReopenReason string       `gorm:"size:255" json:"reopen_reason"`
	CreatedAt    time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

func PeriodKeyFor(t time.Time) string {
	return t.Format("2006-01")
}

func periodBounds(key string) (time.Time, time.Time, error) {
	start, err := time.Parse("2006-01", key)
	if err != nil {
		return time.Time{}, time.Time{}, NewValidationError("invalid period key %s; want YYYY-MM", key)
	}
	return start, start.AddDate(0, 1, 0), nil
}

// getOrCreatePeriod resolves the period containing date, creating the
// month as open on first use.
func getOrCreatePeriod(tx *gorm.DB, date time.Time) (*FinancialPeriod, error) {

	key := PeriodKeyFor(date)
	var period FinancialPeriod
	err := tx.Where("period_key = ?", key).First(&period).Error
	if err == nil {
		return &period, nil
	}

	start, end, err := periodBounds(key)
	if err != nil {
		return nil, err
	}
	period = FinancialPeriod{
		ID:        uuid.NewString(),
		PeriodKey: key,
		StartDate: start,
		EndDate:   end,
		Status:    PeriodStatusOpen,
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&period).Error; err != nil {
		return nil, err
	}
	// re-read in case a concurrent tx created it first
	if err := tx.Where("period_key = ?", key).First(&period).Error; err != nil {
		return nil, err
	}
	return &period, nil
}

// validateTransactionDate is the posting guard every journal entry
// passes through. Anything but an open period rejects the posting.
func validateTransactionDate(tx *gorm.DB, date time.Time) error {

	period, err := getOrCreatePeriod(tx, date)
	if err != nil {
		return err
	}
	if period.Status.BlocksPosting() {
		return &PeriodClosedError{PeriodKey: period.PeriodKey, Status: period.Status}
	}
	return nil
}

// PeriodCloseSummary reports the ledger totals of one period.
type PeriodCloseSummary struct {
	PeriodKey    string          `json:"period_key"`
	EntryCount   int64           `json:"entry_count"`
	TotalDebits  decimal.Decimal `json:"total_debits"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	RevenueTotal decimal.Decimal `json:"revenue_total"`
	CogsTotal    decimal.Decimal `json:"cogs_total"`
	NetRevenue   decimal.Decimal `json:"net_revenue"`
	Warnings     []string        `json:"warnings,omitempty"`
}

func summarizePeriod(tx *gorm.DB, start time.Time, end time.Time) (*PeriodCloseSummary, error) {

	var summary PeriodCloseSummary

	err := tx.Model(&JournalEntry{}).
		Where("transaction_date >= ? AND transaction_date < ?", start, end).
		Count(&summary.EntryCount).Error
	if err != nil {
		return nil, err
	}

	type totals struct {
		Debits  decimal.Decimal
		Credits decimal.Decimal
	}
	var t totals
	err = tx.Model(&TransactionLine{}).
		Select("COALESCE(SUM(transaction_lines.debit),0) AS debits, COALESCE(SUM(transaction_lines.credit),0) AS credits").
		Joins("JOIN journal_entries ON journal_entries.id = transaction_lines.journal_entry_id").
		Where("journal_entries.transaction_date >= ? AND journal_entries.transaction_date < ?", start, end).
		Scan(&t).Error
	if err != nil {
		return nil, err
	}
	summary.TotalDebits = t.Debits
	summary.TotalCredits = t.Credits

	accountNet := func(code string, debitNormal bool) (decimal.Decimal, error) {
		var row totals
		err := tx.Model(&TransactionLine{}).
			Select("COALESCE(SUM(transaction_lines.debit),0) AS debits, COALESCE(SUM(transaction_lines.credit),0) AS credits").
			Joins("JOIN journal_entries ON journal_entries.id = transaction_lines.journal_entry_id").
			Joins("JOIN accounts ON accounts.id = transaction_lines.account_id").
			Where("accounts.code = ?", code).
			Where("journal_entries.transaction_date >= ? AND journal_entries.transaction_date < ?", start, end).
			Scan(&row).Error
		if err != nil {
			return decimal.Zero, err
		}
		if debitNormal {
			return row.Debits.Sub(row.Credits), nil
		}
		return row.Credits.Sub(row.Debits), nil
	}

	if summary.RevenueTotal, err = accountNet(AccountCodeSales, false); err != nil {
		return nil, err
	}
	if summary.CogsTotal, err = accountNet(AccountCodeCostOfGoodsSold, true); err != nil {
		return nil, err
	}
	summary.NetRevenue = summary.RevenueTotal.Sub(summary.CogsTotal)
	return &summary, nil
}

// ClosePeriod freezes a month: status walks open -> closing -> closed
// in one transaction, and the summary is computed while no new postings
// can land in it.
func ClosePeriod(ctx context.Context, periodKey string) (*PeriodCloseSummary, error) {

	db := config.GetDB()
	tx := db.Begin()

	start, _, err := periodBounds(periodKey)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	period, err := getOrCreatePeriod(tx.WithContext(ctx), start)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(period, "period_key = ?", periodKey).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if period.Status != PeriodStatusOpen {
		tx.Rollback()
		return nil, NewValidationError("period %s is %s; only open periods can close", periodKey, period.Status)
	}

	if err := tx.WithContext(ctx).Model(&FinancialPeriod{}).Where("id = ?", period.ID).
		Update("status", PeriodStatusClosing).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	summary, err := summarizePeriod(tx.WithContext(ctx), period.StartDate, period.EndDate)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	summary.PeriodKey = periodKey

	closedBy, _ := utils.GetUserIdFromContext(ctx)
	now := time.Now()
	err = tx.WithContext(ctx).Model(&FinancialPeriod{}).Where("id = ?", period.ID).
		Updates(map[string]interface{}{
			"status":    PeriodStatusClosed,
			"closed_at": &now,
			"closed_by": closedBy,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	WriteAuditLog(ctx, AuditActionPeriodClosed, period.ID, "financial_period", summary)
	return summary, nil
}

// PreviewPeriodClose reports what ClosePeriod would freeze, without
// touching the period status. Warnings flag conditions an accountant
// would want to resolve before closing.
func PreviewPeriodClose(ctx context.Context, periodKey string) (*PeriodCloseSummary, error) {

	start, end, err := periodBounds(periodKey)
	if err != nil {
		return nil, err
	}
	db := config.GetDB()
	summary, err := summarizePeriod(db.WithContext(ctx), start, end)
	if err != nil {
		return nil, err
	}
	summary.PeriodKey = periodKey

	var openOrders int64
	err = db.WithContext(ctx).Model(&Order{}).
		Where("created_at >= ? AND created_at < ?", start, end).
		Where("status IN ?", []OrderStatus{OrderStatusPending, OrderStatusPaid, OrderStatusShipped}).
		Count(&openOrders).Error
	if err != nil {
		return nil, err
	}
	if openOrders > 0 {
		summary.Warnings = append(summary.Warnings,
			fmt.Sprintf("%d orders from this period are not yet delivered or cancelled", openOrders))
	}
	if !summary.TotalDebits.Sub(summary.TotalCredits).Abs().LessThanOrEqual(entryBalanceTolerance) {
		summary.Warnings = append(summary.Warnings,
			fmt.Sprintf("period debits %s do not match credits %s", summary.TotalDebits, summary.TotalCredits))
	}
	return summary, nil
}

// GetCurrentPeriod returns the period of the current month, creating it
// open on first use.
func GetCurrentPeriod(ctx context.Context) (*FinancialPeriod, error) {

	db := config.GetDB()
	tx := db.Begin()
	period, err := getOrCreatePeriod(tx.WithContext(ctx), time.Now())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return period, nil
}

// ReopenPeriod walks closed back to open. Locked periods stay shut.
func ReopenPeriod(ctx context.Context, periodKey string, reason string) (*FinancialPeriod, error) {

	db := config.GetDB()
	tx := db.Begin()

	var period FinancialPeriod
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&period, "period_key = ?", periodKey).Error
	if err != nil {
		tx.Rollback()
		return nil, NewValidationError("period %s not found", periodKey)
	}
	if period.Status == PeriodStatusLocked {
		tx.Rollback()
		return nil, NewValidationError("period %s is locked and cannot reopen", periodKey)
	}
	if period.Status != PeriodStatusClosed {
		tx.Rollback()
		return nil, NewValidationError("period %s is %s; only closed periods can reopen", periodKey, period.Status)
	}

	reopenedBy, _ := utils.GetUserIdFromContext(ctx)
	now := time.Now()
	err = tx.WithContext(ctx).Model(&FinancialPeriod{}).Where("id = ?", period.ID).
		Updates(map[string]interface{}{
			"status":        PeriodStatusOpen,
			"closed_at":     nil,
			"closed_by":     "",
			"reopened_at":   &now,
			"reopened_by":   reopenedBy,
			"reopen_reason": reason,
		}).Error
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	period.Status = PeriodStatusOpen
	period.ClosedAt = nil
	period.ClosedBy = ""
	period.ReopenedAt = &now
	period.ReopenedBy = reopenedBy
	period.ReopenReason = reason

	WriteAuditLog(ctx, AuditActionPeriodReopened, period.ID, "financial_period", period)
	return &period, nil
}

// LockPeriod makes a closed period permanent.
func LockPeriod(ctx context.Context, periodKey string) (*FinancialPeriod, error) {

	db := config.GetDB()
	tx := db.Begin()

	var period FinancialPeriod
	err := tx.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&period, "period_key = ?", periodKey).Error
	if err != nil {
		tx.Rollback()
		return nil, NewValidationError("period %s not found", periodKey)
	}
	if period.Status != PeriodStatusClosed {
		tx.Rollback()
		return nil, NewValidationError("period %s is %s; only closed periods can lock", periodKey, period.Status)
	}

	if err := tx.WithContext(ctx).Model(&FinancialPeriod{}).Where("id = ?", period.ID).
		Update("status", PeriodStatusLocked).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	period.Status = PeriodStatusLocked
	return &period, nil
}

func GetFinancialPeriods(ctx context.Context) ([]*FinancialPeriod, error) {

	db := config.GetDB()
	var periods []*FinancialPeriod
	if err := db.WithContext(ctx).Order("period_key DESC").Find(&periods).Error; err != nil {
		return nil, err
	}
	return periods, nil
}
