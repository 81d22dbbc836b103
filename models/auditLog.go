package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"github.com/google/uuid"
)

type AuditAction string

const (
	AuditActionOrderCreated       AuditAction = "ORDER_CREATED"
	AuditActionOrderStatusChanged AuditAction = "ORDER_STATUS_CHANGED"
	AuditActionOrderCancelled     AuditAction = "ORDER_CANCELLED"
	AuditActionOrderRefunded      AuditAction = "ORDER_REFUNDED"
	AuditActionPaymentConfirmed   AuditAction = "PAYMENT_CONFIRMED"
	AuditActionPaymentFailed      AuditAction = "PAYMENT_FAILED"
	AuditActionPaymentRetried     AuditAction = "PAYMENT_RETRIED"
	AuditActionPeriodClosed       AuditAction = "PERIOD_CLOSED"
	AuditActionPeriodReopened     AuditAction = "PERIOD_REOPENED"
	AuditActionStockAdjusted      AuditAction = "STOCK_ADJUSTED"
	AuditActionSweepCompleted     AuditAction = "SWEEP_COMPLETED"
)

type AuditLog struct {
	ID            int         `gorm:"primary_key" json:"id"`
	Action        AuditAction `gorm:"size:30;index;not null" json:"action"`
	ReferenceId   string      `gorm:"size:36;index" json:"reference_id"`
	ReferenceType string      `gorm:"size:30" json:"reference_type"`
	ActorId       string      `gorm:"size:36" json:"actor_id"`
	ActorName     string      `gorm:"size:100" json:"actor_name"`
	CorrelationId string      `gorm:"size:36;index" json:"correlation_id"`
	Payload       string      `gorm:"type:text" json:"payload"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// WriteAuditLog records an audit row outside the business transaction.
// Best effort: an audit failure is logged but never fails the caller.
func WriteAuditLog(ctx context.Context, action AuditAction, referenceId string, referenceType string, payload interface{}) {

	logger := config.GetLogger()

	payloadJson := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			config.LogError(logger, "models", "WriteAuditLog", "marshal payload",
				map[string]interface{}{"action": action, "reference_id": referenceId}, err)
		} else {
			payloadJson = string(b)
		}
	}

	actorId, _ := utils.GetUserIdFromContext(ctx)
	if actorId == "" {
		actorId = SystemActorId
	}
	actorName, _ := utils.GetUserNameFromContext(ctx)

	record := AuditLog{
		Action:        action,
		ReferenceId:   referenceId,
		ReferenceType: referenceType,
		ActorId:       actorId,
		ActorName:     actorName,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		Payload:       payloadJson,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		config.LogError(logger, "models", "WriteAuditLog", "persist audit log",
			map[string]interface{}{"action": action, "reference_id": referenceId}, err)
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// GetAuditLogs lists audit rows for one reference, newest first.
func GetAuditLogs(ctx context.Context, referenceId string, limit int) ([]*AuditLog, error) {

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	db := config.GetDB()
	var logs []*AuditLog
	err := db.WithContext(ctx).
		Where("reference_id = ?", referenceId).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
