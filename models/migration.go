package models

import (
	"bitbucket.org/mmdatafocus/commerce_backend/config"
)

// MigrateTable runs gorm auto-migration for every model. Order matters
// only for readability; gorm resolves the schema per table.
func MigrateTable() error {

	db := config.GetDB()
	return db.AutoMigrate(
		&Warehouse{},
		&Inventory{},
		&InventoryLog{},
		&Order{},
		&OrderItem{},
		&OrderStatusLog{},
		&PaymentIntent{},
		&Account{},
		&JournalEntry{},
		&TransactionLine{},
		&RevenueRecognition{},
		&FinancialPeriod{},
		&AuditLog{},
	)
}
