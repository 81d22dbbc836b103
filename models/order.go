package models

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Order struct {
	ID            string              `gorm:"primary_key;size:36" json:"id"`
	OrderNumber   string              `gorm:"size:20;uniqueIndex;not null" json:"order_number"`
	CustomerId    string              `gorm:"size:36;index;not null" json:"customer_id"`
	Status        OrderStatus         `gorm:"size:10;index;not null;default:'pending'" json:"status"`
	PaymentMethod PaymentMethod       `gorm:"size:10;not null" json:"payment_method"`
	WarehouseId   int                 `gorm:"not null" json:"warehouse_id"`
	CustomerName  string              `gorm:"size:100" json:"customer_name"`
	CustomerEmail string              `gorm:"size:100" json:"customer_email"`
	CustomerPhone string              `gorm:"size:20" json:"customer_phone"`
	ShippingAddr  string              `gorm:"size:255" json:"shipping_address"`
	ShippingCity  string              `gorm:"size:100" json:"shipping_city"`
	Subtotal      decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"subtotal"`
	Discount      decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"discount"`
	ShippingFee   decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"shipping_fee"`
	TotalAmount   decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"total_amount"`
	TotalCost     decimal.Decimal     `gorm:"type:decimal(20,4);not null;default:0" json:"total_cost"`
	CancelReason  string              `gorm:"size:255" json:"cancel_reason"`
	Items         []*OrderItem        `gorm:"foreignKey:OrderId" json:"items"`
	StatusHistory []*OrderStatusLog   `gorm:"foreignKey:OrderId" json:"status_history"`
	PaymentIntent *PaymentIntent      `gorm:"foreignKey:OrderId" json:"payment_intent"`
	PaidAt        *time.Time          `json:"paid_at"`
	ShippedAt     *time.Time          `json:"shipped_at"`
	DeliveredAt   *time.Time          `json:"delivered_at"`
	CancelledAt   *time.Time          `json:"cancelled_at"`
	CreatedAt     time.Time           `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type OrderItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	OrderId     string          `gorm:"size:36;index;not null" json:"order_id"`
	VariantId   string          `gorm:"size:36;not null" json:"variant_id"`
	ProductName string          `gorm:"size:255;not null" json:"product_name"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	UnitCost    decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"unit_cost"`
	LineTotal   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"line_total"`
}

// OrderStatusLog is the append-only transition trail of one order.
type OrderStatusLog struct {
	ID         int         `gorm:"primary_key" json:"id"`
	OrderId    string      `gorm:"size:36;index;not null" json:"order_id"`
	FromStatus OrderStatus `gorm:"size:10" json:"from_status"`
	ToStatus   OrderStatus `gorm:"size:10;not null" json:"to_status"`
	ActorRole  ActorRole   `gorm:"size:10;not null" json:"actor_role"`
	ActorId    string      `gorm:"size:36" json:"actor_id"`
	Reason     string      `gorm:"size:255" json:"reason"`
	CreatedAt  time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

type OrdersEdge Edge[Order]

func (o Order) GetId() string {
	return o.ID
}

// implements CompositeCursor
func (o Order) GetCursor() string {
	return o.CreatedAt.Format("2006-01-02 15:04:05.000")
}

type OrdersConnection struct {
	PageInfo *PageInfo     `json:"pageInfo"`
	Edges    []*OrdersEdge `json:"edges"`
}

type NewOrderItem struct {
	VariantId   string          `json:"variant_id" binding:"required"`
	ProductName string          `json:"product_name" binding:"required"`
	Quantity    decimal.Decimal `json:"quantity" binding:"required"`
	UnitPrice   decimal.Decimal `json:"unit_price" binding:"required"`
}

type NewOrder struct {
	PaymentMethod PaymentMethod   `json:"payment_method" binding:"required"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email" binding:"omitempty,email"`
	CustomerPhone string          `json:"customer_phone"`
	ShippingAddr  string          `json:"shipping_address"`
	ShippingCity  string          `json:"shipping_city"`
	Discount      decimal.Decimal `json:"discount"`
	ShippingFee   decimal.Decimal `json:"shipping_fee"`
	WarehouseId   int             `json:"warehouse_id"`
	Items         []*NewOrderItem `json:"items" binding:"required,dive"`
}

func (input *NewOrder) validate() error {
	if len(input.Items) == 0 {
		return NewValidationError("order must contain at least one item")
	}
	switch input.PaymentMethod {
	case PaymentMethodCash, PaymentMethodPaymob, PaymentMethodWallet:
	default:
		return NewValidationError("unknown payment method %s", input.PaymentMethod)
	}
	seen := make(map[string]bool, len(input.Items))
	for _, item := range input.Items {
		if item.Quantity.LessThanOrEqual(decimal.Zero) {
			return NewValidationError("quantity for variant %s must be positive", item.VariantId)
		}
		if item.UnitPrice.LessThan(decimal.Zero) {
			return NewValidationError("unit price for variant %s cannot be negative", item.VariantId)
		}
		if seen[item.VariantId] {
			return NewValidationError("variant %s appears more than once", item.VariantId)
		}
		seen[item.VariantId] = true
	}
	if input.ShippingFee.LessThan(decimal.Zero) {
		return NewValidationError("shipping fee cannot be negative")
	}
	if input.Discount.LessThan(decimal.Zero) {
		return NewValidationError("discount cannot be negative")
	}
	return nil
}

// CreateOrder places an order: reserves stock for every line, snapshots
// unit costs, and opens a payment intent for online methods. All of it
// commits or none of it does.
func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {

	customerId, ok := utils.GetUserIdFromContext(ctx)
	if !ok || customerId == "" {
		return nil, NewValidationError("customer id is required")
	}
	if err := input.validate(); err != nil {
		return nil, err
	}

	warehouseId := input.WarehouseId
	if warehouseId == 0 {
		defaultId, err := GetDefaultWarehouseId(ctx)
		if err != nil {
			return nil, err
		}
		warehouseId = defaultId
	}

	orderId := uuid.NewString()
	order := Order{
		ID:            orderId,
		OrderNumber:   "ORD-" + strings.ToUpper(orderId[:8]),
		CustomerId:    customerId,
		Status:        OrderStatusPending,
		PaymentMethod: input.PaymentMethod,
		WarehouseId:   warehouseId,
		CustomerName:  input.CustomerName,
		CustomerEmail: input.CustomerEmail,
		CustomerPhone: input.CustomerPhone,
		ShippingAddr:  input.ShippingAddr,
		ShippingCity:  input.ShippingCity,
		Discount:      input.Discount,
		ShippingFee:   input.ShippingFee,
	}

	db := config.GetDB()
	tx := db.Begin()

	subtotal := decimal.Zero
	totalCost := decimal.Zero
	for _, line := range input.Items {
		// cost snapshot at order time; missing inventory rows cost zero
		unitCost := decimal.Zero
		var inventory Inventory
		err := tx.WithContext(ctx).
			Where("warehouse_id = ? AND variant_id = ?", warehouseId, line.VariantId).
			First(&inventory).Error
		if err == nil {
			unitCost = inventory.UnitCost
		}

		lineTotal := line.UnitPrice.Mul(line.Quantity)
		subtotal = subtotal.Add(lineTotal)
		totalCost = totalCost.Add(unitCost.Mul(line.Quantity))

		order.Items = append(order.Items, &OrderItem{
			VariantId:   line.VariantId,
			ProductName: line.ProductName,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			UnitCost:    unitCost,
			LineTotal:   lineTotal,
		})
	}
	order.Subtotal = subtotal
	order.TotalCost = totalCost
	if input.Discount.GreaterThan(subtotal) {
		tx.Rollback()
		return nil, NewValidationError("discount cannot exceed the order subtotal")
	}
	order.TotalAmount = subtotal.Sub(input.Discount).Add(input.ShippingFee)

	if err := tx.WithContext(ctx).Create(&order).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, line := range input.Items {
		if err := reserveStock(tx.WithContext(ctx), warehouseId, line.VariantId, line.Quantity, order.ID); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if !order.PaymentMethod.IsCashOnDelivery() {
		intent, err := createPaymentIntent(tx.WithContext(ctx), &order)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		order.PaymentIntent = intent
	}

	if err := createOrderStatusLog(tx.WithContext(ctx), order.ID, "", OrderStatusPending,
		ActorRoleCustomer, customerId, ""); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	WriteAuditLog(ctx, AuditActionOrderCreated, order.ID, "order", order)
	return &order, nil
}

func createOrderStatusLog(tx *gorm.DB, orderId string, from OrderStatus, to OrderStatus,
	actor ActorRole, actorId string, reason string) error {

	log := OrderStatusLog{
		OrderId:    orderId,
		FromStatus: from,
		ToStatus:   to,
		ActorRole:  actor,
		ActorId:    actorId,
		Reason:     reason,
	}
	return tx.Create(&log).Error
}

// lockOrder loads the order with its items under FOR UPDATE so the
// status cannot move underneath the transition.
func lockOrder(tx *gorm.DB, orderId string) (*Order, error) {

	var order Order
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, "id = ?", orderId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &OrderNotFoundError{OrderId: orderId}
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Where("order_id = ?", orderId).Find(&order.Items).Error; err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus drives the order state machine. Every transition,
// including those triggered internally, funnels through here or through
// internalCancelOrder; nothing else writes Order.Status.
func UpdateOrderStatus(ctx context.Context, orderId string, newStatus OrderStatus, reason string) (*Order, error) {

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
	if err := ValidateOrderTransition(order.Status, newStatus, actor); err != nil {
		tx.Rollback()
		return nil, err
	}

	if newStatus == OrderStatusCancelled {
		if err := internalCancelOrder(tx.WithContext(ctx), ctx, order, actor, actorId, reason); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		WriteAuditLog(ctx, AuditActionOrderCancelled, order.ID, "order", order)
		return order, nil
	}

	previous := order.Status
	now := time.Now()
	updates := map[string]interface{}{"status": newStatus}

	switch newStatus {
	case OrderStatusPaid:
		// payment burns the reservation into a committed sale
		for _, item := range order.Items {
			if err := commitStock(tx.WithContext(ctx), order.WarehouseId, item.VariantId, item.Quantity, order.ID); err != nil {
				tx.Rollback()
				return nil, err
			}
		}
		updates["paid_at"] = &now
	case OrderStatusShipped:
		// paid orders committed their stock at payment time; only the
		// pending -> shipped path (COD, force-ship) commits here
		if previous == OrderStatusPending {
			for _, item := range order.Items {
				if err := commitStock(tx.WithContext(ctx), order.WarehouseId, item.VariantId, item.Quantity, order.ID); err != nil {
					tx.Rollback()
					return nil, err
				}
			}
		}
		updates["shipped_at"] = &now
	case OrderStatusDelivered:
		updates["delivered_at"] = &now
		if err := recognizeRevenue(tx.WithContext(ctx), ctx, order, now); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.WithContext(ctx).Model(&Order{}).Where("id = ?", order.ID).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := createOrderStatusLog(tx.WithContext(ctx), order.ID, previous, newStatus,
		actor, actorId, reason); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	order.Status = newStatus
	switch newStatus {
	case OrderStatusPaid:
		order.PaidAt = &now
	case OrderStatusShipped:
		order.ShippedAt = &now
	case OrderStatusDelivered:
		order.DeliveredAt = &now
	}

	WriteAuditLog(ctx, AuditActionOrderStatusChanged, order.ID, "order", map[string]interface{}{
		"from": previous, "to": newStatus,
	})
	return order, nil
}

// internalCancelOrder is the single cancellation path. The caller holds
// the row lock and owns the transaction; order reflects the pre-cancel
// state. Idempotent: cancelling a cancelled order is a no-op.
func internalCancelOrder(tx *gorm.DB, ctx context.Context, order *Order,
	actor ActorRole, actorId string, reason string) error {

	if order.Status == OrderStatusCancelled {
		return nil
	}

	// undo whatever the stock ledger currently holds for this order:
	// pending orders still hold a reservation, everything past payment
	// committed the stock and gets it back as a return
	switch order.Status {
	case OrderStatusPending:
		for _, item := range order.Items {
			if err := releaseStock(tx, order.WarehouseId, item.VariantId, item.Quantity, order.ID, reason); err != nil {
				return err
			}
		}
	case OrderStatusPaid, OrderStatusShipped, OrderStatusDelivered:
		for _, item := range order.Items {
			if err := increaseStock(tx, order.WarehouseId, item.VariantId, item.Quantity,
				InventoryActionReturn, order.ID, reason); err != nil {
				return err
			}
		}
	}

	if order.Status == OrderStatusDelivered {
		if err := reverseRevenue(tx, ctx, order, time.Now()); err != nil {
			return err
		}
	}

	if err := failPendingPaymentIntent(tx, order.ID, "order cancelled"); err != nil {
		return err
	}

	now := time.Now()
	previous := order.Status
	err := tx.Model(&Order{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
		"status":        OrderStatusCancelled,
		"cancelled_at":  &now,
		"cancel_reason": reason,
	}).Error
	if err != nil {
		return err
	}
	if err := createOrderStatusLog(tx, order.ID, previous, OrderStatusCancelled,
		actor, actorId, reason); err != nil {
		return err
	}

	order.Status = OrderStatusCancelled
	order.CancelledAt = &now
	order.CancelReason = reason
	return nil
}

func actorFromContext(ctx context.Context) ActorRole {
	role, ok := utils.GetActorRoleFromContext(ctx)
	if !ok || role == "" {
		return ActorRoleCustomer
	}
	return ActorRole(role)
}

// GetOrder returns an order visible to the requesting customer.
func GetOrder(ctx context.Context, id string) (*Order, error) {

	order, err := utils.FetchModel[Order](ctx, id, "Items", "StatusHistory", "PaymentIntent")
	if err != nil {
		return nil, &OrderNotFoundError{OrderId: id}
	}
	if actorFromContext(ctx) == ActorRoleCustomer {
		customerId, _ := utils.GetUserIdFromContext(ctx)
		if order.CustomerId != customerId {
			return nil, &OrderNotFoundError{OrderId: id}
		}
	}
	return order, nil
}

// OrderFilter narrows PaginateOrders. Zero-value fields are ignored.
type OrderFilter struct {
	Status     *OrderStatus
	CustomerId *string
	Search     string
	From       *time.Time
	To         *time.Time
}

// PaginateOrders lists orders newest first, optionally filtered.
func PaginateOrders(ctx context.Context, limit int, after *string,
	filter *OrderFilter) (*OrdersConnection, error) {

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if filter == nil {
		filter = &OrderFilter{}
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Model(&Order{}).Preload("Items")
	if filter.Status != nil {
		dbCtx = dbCtx.Where("status = ?", *filter.Status)
	}
	if filter.CustomerId != nil && *filter.CustomerId != "" {
		dbCtx = dbCtx.Where("customer_id = ?", *filter.CustomerId)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + s + "%"
		dbCtx = dbCtx.Where("order_number LIKE ? OR customer_name LIKE ? OR customer_email LIKE ?", like, like, like)
	}
	if filter.From != nil {
		dbCtx = dbCtx.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		dbCtx = dbCtx.Where("created_at < ?", *filter.To)
	}

	edges, pageInfo, err := FetchPageCompositeCursor[Order](dbCtx, limit, after, "created_at", "<")
	if err != nil {
		return nil, err
	}

	connection := OrdersConnection{PageInfo: pageInfo}
	for i := range edges {
		edge := OrdersEdge(edges[i])
		connection.Edges = append(connection.Edges, &edge)
	}
	return &connection, nil
}
