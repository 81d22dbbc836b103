package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
)

type Warehouse struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Address   string    `gorm:"size:255" json:"address"`
	IsDefault *bool     `gorm:"not null;default:false" json:"is_default"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const defaultWarehouseCacheKey = "default_warehouse_id"

// GetDefaultWarehouseId resolves the warehouse used when checkout input
// does not name one. Cached in redis; the single-warehouse deployment
// hits this on every checkout.
func GetDefaultWarehouseId(ctx context.Context) (int, error) {

	var cachedId int
	found, err := config.GetRedisObject(defaultWarehouseCacheKey, &cachedId)
	if err == nil && found && cachedId > 0 {
		return cachedId, nil
	}

	db := config.GetDB()
	var warehouse Warehouse
	err = db.WithContext(ctx).Where("is_default = ?", true).First(&warehouse).Error
	if err != nil {
		// fall back to the oldest active warehouse
		err = db.WithContext(ctx).Where("is_active = ?", true).Order("id").First(&warehouse).Error
		if err != nil {
			return 0, NewValidationError("no warehouse configured")
		}
	}

	if err := config.SetRedisObject(defaultWarehouseCacheKey, warehouse.ID, 10*time.Minute); err != nil {
		logger := config.GetLogger()
		config.LogError(logger, "models", "GetDefaultWarehouseId", "cache default warehouse", warehouse.ID, err)
	}
	return warehouse.ID, nil
}

type NewWarehouse struct {
	Name      string `json:"name" binding:"required"`
	Address   string `json:"address"`
	IsDefault *bool  `json:"is_default"`
}

func CreateWarehouse(ctx context.Context, input *NewWarehouse) (*Warehouse, error) {

	db := config.GetDB()
	isDefault := input.IsDefault != nil && *input.IsDefault

	warehouse := Warehouse{
		Name:      input.Name,
		Address:   input.Address,
		IsDefault: &isDefault,
		IsActive:  utils.NewTrue(),
	}

	tx := db.Begin()
	if isDefault {
		// only one default at a time
		if err := tx.WithContext(ctx).Model(&Warehouse{}).
			Where("is_default = ?", true).
			Update("is_default", false).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
	}
	if err := tx.WithContext(ctx).Create(&warehouse).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if err := config.DeleteRedisKey(defaultWarehouseCacheKey); err != nil {
		logger := config.GetLogger()
		config.LogError(logger, "models", "CreateWarehouse", "invalidate warehouse cache", warehouse.ID, err)
	}
	return &warehouse, nil
}

func GetWarehouses(ctx context.Context) ([]*Warehouse, error) {
	return utils.FetchAllModels[Warehouse](ctx)
}
