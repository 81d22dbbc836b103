package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Account struct {
	ID              int             `gorm:"primary_key" json:"id"`
	Code            string          `gorm:"size:10;uniqueIndex;not null" json:"code"`
	Name            string          `gorm:"size:100;not null" json:"name"`
	MainType        AccountMainType `gorm:"size:15;not null" json:"main_type"`
	Balance         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	IsSystemAccount *bool           `gorm:"not null;default:false" json:"is_system_account"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type systemAccount struct {
	Code     string
	Name     string
	MainType AccountMainType
}

var systemAccounts = []systemAccount{
	{AccountCodeCash, "Cash", AccountMainTypeAsset},
	{AccountCodeAccountsReceivable, "Accounts Receivable", AccountMainTypeAsset},
	{AccountCodeInventoryAsset, "Inventory", AccountMainTypeAsset},
	{AccountCodeAccountsPayable, "Accounts Payable", AccountMainTypeLiability},
	{AccountCodeDeferredRevenue, "Deferred Revenue", AccountMainTypeLiability},
	{AccountCodeOwnersEquity, "Owner's Equity", AccountMainTypeEquity},
	{AccountCodeSales, "Sales Revenue", AccountMainTypeIncome},
	{AccountCodeCostOfGoodsSold, "Cost of Goods Sold", AccountMainTypeExpense},
}

// SeedSystemAccounts creates any missing chart-of-accounts rows. Safe
// to run on every boot.
func SeedSystemAccounts(ctx context.Context) error {

	db := config.GetDB()
	for _, seed := range systemAccounts {
		var count int64
		if err := db.WithContext(ctx).Model(&Account{}).
			Where("code = ?", seed.Code).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		account := Account{
			Code:            seed.Code,
			Name:            seed.Name,
			MainType:        seed.MainType,
			Balance:         decimal.Zero,
			IsSystemAccount: utils.NewTrue(),
		}
		if err := db.WithContext(ctx).Create(&account).Error; err != nil {
			return err
		}
	}
	return nil
}

func getAccountByCode(tx *gorm.DB, code string) (*Account, error) {

	var account Account
	if err := tx.Where("code = ?", code).First(&account).Error; err != nil {
		return nil, NewValidationError("account %s not found; chart of accounts not seeded", code)
	}
	return &account, nil
}

// applyToAccountBalance moves an account balance by a signed posting.
// Debit-normal accounts grow on debit; credit-normal grow on credit.
func applyToAccountBalance(tx *gorm.DB, account *Account, debit decimal.Decimal, credit decimal.Decimal) error {

	var delta decimal.Decimal
	if account.MainType.IsDebitNormal() {
		delta = debit.Sub(credit)
	} else {
		delta = credit.Sub(debit)
	}
	return tx.Exec("UPDATE accounts SET balance = balance + ? WHERE id = ?", delta, account.ID).Error
}

func GetAccounts(ctx context.Context) ([]*Account, error) {
	return utils.FetchAllModels[Account](ctx)
}
