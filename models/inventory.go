package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Inventory holds per-warehouse stock for one variant. Available
// quantity is always derived (on_hand - reserved), never stored.
type Inventory struct {
	ID          int             `gorm:"primary_key" json:"id"`
	WarehouseId int             `gorm:"not null;uniqueIndex:idx_warehouse_variant" json:"warehouse_id"`
	VariantId   string          `gorm:"size:36;not null;uniqueIndex:idx_warehouse_variant" json:"variant_id"`
	OnHand      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"on_hand"`
	Reserved    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"reserved"`
	UnitCost    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"unit_cost"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (i *Inventory) Available() decimal.Decimal {
	return i.OnHand.Sub(i.Reserved)
}

// InventoryLog records every stock movement for traceability.
type InventoryLog struct {
	ID          int             `gorm:"primary_key" json:"id"`
	WarehouseId int             `gorm:"index;not null" json:"warehouse_id"`
	VariantId   string          `gorm:"size:36;index;not null" json:"variant_id"`
	Action      InventoryAction `gorm:"size:10;not null" json:"action"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	OrderId     string          `gorm:"size:36;index" json:"order_id"`
	Reason      string          `gorm:"size:255" json:"reason"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func logStockMovement(tx *gorm.DB, warehouseId int, variantId string, action InventoryAction,
	quantity decimal.Decimal, orderId string, reason string) error {

	log := InventoryLog{
		WarehouseId: warehouseId,
		VariantId:   variantId,
		Action:      action,
		Quantity:    quantity,
		OrderId:     orderId,
		Reason:      reason,
	}
	return tx.Create(&log).Error
}

// reserveStock moves quantity from available into reserved. The guard
// on (on_hand - reserved) and the increment run in one conditional
// UPDATE so concurrent reservations cannot oversell.
func reserveStock(tx *gorm.DB, warehouseId int, variantId string, quantity decimal.Decimal, orderId string) error {

	if quantity.LessThanOrEqual(decimal.Zero) {
		return &InventoryError{VariantId: variantId, Message: "reserve quantity must be positive"}
	}

	result := tx.Exec(
		"UPDATE inventories SET reserved = reserved + ? WHERE warehouse_id = ? AND variant_id = ? AND on_hand - reserved >= ?",
		quantity, warehouseId, variantId, quantity)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return insufficientStock(tx, warehouseId, variantId, quantity)
	}

	return logStockMovement(tx, warehouseId, variantId, InventoryActionReserve, quantity, orderId, "")
}

// commitStock burns a reservation: both on_hand and reserved decrease.
// Requires a matching prior reservation; the guard rejects commits that
// would drive either column negative.
func commitStock(tx *gorm.DB, warehouseId int, variantId string, quantity decimal.Decimal, orderId string) error {

	if quantity.LessThanOrEqual(decimal.Zero) {
		return &InventoryError{VariantId: variantId, Message: "commit quantity must be positive"}
	}

	result := tx.Exec(
		"UPDATE inventories SET on_hand = on_hand - ?, reserved = reserved - ? WHERE warehouse_id = ? AND variant_id = ? AND reserved >= ? AND on_hand >= ?",
		quantity, quantity, warehouseId, variantId, quantity, quantity)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &InventoryError{VariantId: variantId, Message: "cannot commit more than reserved"}
	}

	return logStockMovement(tx, warehouseId, variantId, InventoryActionCommit, quantity, orderId, "")
}

// releaseStock returns a reservation to the available pool.
func releaseStock(tx *gorm.DB, warehouseId int, variantId string, quantity decimal.Decimal, orderId string, reason string) error {

	if quantity.LessThanOrEqual(decimal.Zero) {
		return &InventoryError{VariantId: variantId, Message: "release quantity must be positive"}
	}

	result := tx.Exec(
		"UPDATE inventories SET reserved = reserved - ? WHERE warehouse_id = ? AND variant_id = ? AND reserved >= ?",
		quantity, warehouseId, variantId, quantity)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &InventoryError{VariantId: variantId, Message: "cannot release more than reserved"}
	}

	return logStockMovement(tx, warehouseId, variantId, InventoryActionRelease, quantity, orderId, reason)
}

// increaseStock adds physical stock back (restock, cancelled shipment
// returns). Creates the inventory row on first sight of the variant.
func increaseStock(tx *gorm.DB, warehouseId int, variantId string, quantity decimal.Decimal,
	action InventoryAction, orderId string, reason string) error {

	if quantity.LessThanOrEqual(decimal.Zero) {
		return &InventoryError{VariantId: variantId, Message: "increase quantity must be positive"}
	}

	result := tx.Exec(
		"UPDATE inventories SET on_hand = on_hand + ? WHERE warehouse_id = ? AND variant_id = ?",
		quantity, warehouseId, variantId)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		inventory := Inventory{
			WarehouseId: warehouseId,
			VariantId:   variantId,
			OnHand:      quantity,
			Reserved:    decimal.Zero,
		}
		if err := tx.Create(&inventory).Error; err != nil {
			return err
		}
	}

	return logStockMovement(tx, warehouseId, variantId, action, quantity, orderId, reason)
}

func insufficientStock(tx *gorm.DB, warehouseId int, variantId string, requested decimal.Decimal) error {

	var inventory Inventory
	available := decimal.Zero
	err := tx.Where("warehouse_id = ? AND variant_id = ?", warehouseId, variantId).First(&inventory).Error
	if err == nil {
		available = inventory.Available()
	}
	return &InsufficientStockError{
		VariantId: variantId,
		Requested: requested,
		Available: available,
	}
}

type NewStockIncrease struct {
	WarehouseId int             `json:"warehouse_id"`
	VariantId   string          `json:"variant_id" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	Reason      string          `json:"reason"`
}

// IncreaseStock is the admin restock entry point.
func IncreaseStock(ctx context.Context, input *NewStockIncrease) (*Inventory, error) {

	warehouseId := input.WarehouseId
	if warehouseId == 0 {
		defaultId, err := GetDefaultWarehouseId(ctx)
		if err != nil {
			return nil, err
		}
		warehouseId = defaultId
	}

	db := config.GetDB()
	tx := db.Begin()

	if err := increaseStock(tx.WithContext(ctx), warehouseId, input.VariantId, input.Quantity,
		InventoryActionIncrease, "", input.Reason); err != nil {
		tx.Rollback()
		return nil, err
	}
	if input.UnitCost.GreaterThan(decimal.Zero) {
		if err := tx.WithContext(ctx).Exec(
			"UPDATE inventories SET unit_cost = ? WHERE warehouse_id = ? AND variant_id = ?",
			input.UnitCost, warehouseId, input.VariantId).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	var inventory Inventory
	if err := db.WithContext(ctx).
		Where("warehouse_id = ? AND variant_id = ?", warehouseId, input.VariantId).
		First(&inventory).Error; err != nil {
		return nil, err
	}
	return &inventory, nil
}

// GetInventory returns the stock row for one variant in one warehouse.
func GetInventory(ctx context.Context, warehouseId int, variantId string) (*Inventory, error) {

	db := config.GetDB()
	var inventory Inventory
	err := db.WithContext(ctx).
		Where("warehouse_id = ? AND variant_id = ?", warehouseId, variantId).
		First(&inventory).Error
	if err != nil {
		return nil, &InventoryError{VariantId: variantId, Message: "inventory not found"}
	}
	return &inventory, nil
}

// ListInventory returns every stock row of one warehouse.
func ListInventory(ctx context.Context, warehouseId int) ([]*Inventory, error) {

	db := config.GetDB()
	var rows []*Inventory
	err := db.WithContext(ctx).
		Where("warehouse_id = ?", warehouseId).
		Order("variant_id").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
