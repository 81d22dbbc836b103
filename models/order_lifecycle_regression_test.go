package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/models"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"bitbucket.org/mmdatafocus/commerce_backend/workflow"
	"github.com/shopspring/decimal"
)

// setupCommerceDB boots a throwaway MySQL container, connects the
// global DB, migrates and seeds the chart of accounts. Redis is left
// unconnected on purpose: caching and sweep locks must degrade
// gracefully without it.
func setupCommerceDB(t *testing.T) {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "commerce_test")

	config.ConnectDatabaseWithRetry()
	if err := models.MigrateTable(); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	if err := models.SeedSystemAccounts(context.Background()); err != nil {
		t.Fatalf("SeedSystemAccounts: %v", err)
	}

	if _, err := models.CreateWarehouse(context.Background(), &models.NewWarehouse{
		Name:      "Main Warehouse",
		IsDefault: utils.NewTrue(),
	}); err != nil {
		t.Fatalf("CreateWarehouse: %v", err)
	}
}

func customerContext(id string) context.Context {
	ctx := utils.SetUserIdInContext(context.Background(), id)
	ctx = utils.SetUserNameInContext(ctx, "Test Customer")
	return utils.SetActorRoleInContext(ctx, string(models.ActorRoleCustomer))
}

func adminContext() context.Context {
	ctx := utils.SetUserIdInContext(context.Background(), "admin-1")
	ctx = utils.SetUserNameInContext(ctx, "Test Admin")
	return utils.SetActorRoleInContext(ctx, string(models.ActorRoleAdmin))
}

func systemContext() context.Context {
	ctx := utils.SetUserIdInContext(context.Background(), models.SystemActorId)
	return utils.SetActorRoleInContext(ctx, string(models.ActorRoleSystem))
}

func seedStock(t *testing.T, variantId string, qty int64, unitCost int64) {
	t.Helper()
	if _, err := models.IncreaseStock(adminContext(), &models.NewStockIncrease{
		VariantId: variantId,
		Quantity:  decimal.NewFromInt(qty),
		UnitCost:  decimal.NewFromInt(unitCost),
	}); err != nil {
		t.Fatalf("IncreaseStock %s: %v", variantId, err)
	}
}

func mustInventory(t *testing.T, variantId string) *models.Inventory {
	t.Helper()
	warehouseId, err := models.GetDefaultWarehouseId(context.Background())
	if err != nil {
		t.Fatalf("GetDefaultWarehouseId: %v", err)
	}
	inventory, err := models.GetInventory(context.Background(), warehouseId, variantId)
	if err != nil {
		t.Fatalf("GetInventory %s: %v", variantId, err)
	}
	return inventory
}

func accountBalance(t *testing.T, code string) decimal.Decimal {
	t.Helper()
	accounts, err := models.GetAccounts(context.Background())
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	for _, account := range accounts {
		if account.Code == code {
			return account.Balance
		}
	}
	t.Fatalf("account %s not found", code)
	return decimal.Zero
}

func placeOrder(t *testing.T, ctx context.Context, method models.PaymentMethod, variantId string, qty int64, unitPrice int64, shipping int64) *models.Order {
	t.Helper()
	order, err := models.CreateOrder(ctx, &models.NewOrder{
		PaymentMethod: method,
		ShippingFee:   decimal.NewFromInt(shipping),
		Items: []*models.NewOrderItem{
			{VariantId: variantId, ProductName: "Widget", Quantity: decimal.NewFromInt(qty), UnitPrice: decimal.NewFromInt(unitPrice)},
		},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func TestOrderLifecycle_HappyPathRecognizesRevenue(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-red", 10, 30)

	custCtx := customerContext("cust-1")
	order := placeOrder(t, custCtx, models.PaymentMethodPaymob, "variant-red", 2, 100, 10)

	if order.Status != models.OrderStatusPending {
		t.Fatalf("new order should be pending, got %s", order.Status)
	}
	if order.PaymentIntent == nil {
		t.Fatal("online order should open a payment intent")
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(210)) {
		t.Fatalf("total = %s, want 210", order.TotalAmount)
	}
	if !order.TotalCost.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("total cost = %s, want 60", order.TotalCost)
	}

	inv := mustInventory(t, "variant-red")
	if !inv.Reserved.Equal(decimal.NewFromInt(2)) || !inv.OnHand.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("after checkout: on_hand=%s reserved=%s, want 10/2", inv.OnHand, inv.Reserved)
	}

	sysCtx := systemContext()
	confirmation := &models.PaymentConfirmation{
		IntentId:   order.PaymentIntent.ID,
		PaidAmount: decimal.NewFromInt(210),
	}
	intent, err := models.ConfirmPaymentIntent(sysCtx, confirmation)
	if err != nil {
		t.Fatalf("ConfirmPaymentIntent: %v", err)
	}
	if intent.Status != models.PaymentIntentStatusSucceeded {
		t.Fatalf("intent status = %s, want succeeded", intent.Status)
	}

	// webhook replay settles idempotently
	replay, err := models.ConfirmPaymentIntent(sysCtx, confirmation)
	if err != nil {
		t.Fatalf("replayed confirmation should not error: %v", err)
	}
	if replay.Status != models.PaymentIntentStatusSucceeded {
		t.Fatalf("replay status = %s, want succeeded", replay.Status)
	}

	db := config.GetDB()
	var paidLogs int64
	if err := db.Model(&models.OrderStatusLog{}).
		Where("order_id = ? AND to_status = ?", order.ID, models.OrderStatusPaid).
		Count(&paidLogs).Error; err != nil {
		t.Fatalf("count status logs: %v", err)
	}
	if paidLogs != 1 {
		t.Fatalf("replay must not duplicate the paid transition; got %d logs", paidLogs)
	}

	// payment commits the reservation and parks the cash as a liability
	inv = mustInventory(t, "variant-red")
	if !inv.OnHand.Equal(decimal.NewFromInt(8)) || !inv.Reserved.Equal(decimal.NewFromInt(0)) {
		t.Fatalf("after payment: on_hand=%s reserved=%s, want 8/0", inv.OnHand, inv.Reserved)
	}
	if got := accountBalance(t, models.AccountCodeDeferredRevenue); !got.Equal(decimal.NewFromInt(210)) {
		t.Fatalf("deferred revenue after payment = %s, want 210", got)
	}

	adminCtx := adminContext()
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusShipped, ""); err != nil {
		t.Fatalf("ship: %v", err)
	}
	inv = mustInventory(t, "variant-red")
	if !inv.OnHand.Equal(decimal.NewFromInt(8)) || !inv.Reserved.Equal(decimal.NewFromInt(0)) {
		t.Fatalf("after ship: on_hand=%s reserved=%s, want 8/0", inv.OnHand, inv.Reserved)
	}

	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusDelivered, ""); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	recognition, err := models.GetRevenueRecognition(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("delivery should recognize revenue: %v", err)
	}
	if !recognition.RevenueAmount.Equal(decimal.NewFromInt(210)) || !recognition.CogsAmount.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("recognition revenue=%s cogs=%s, want 210/60", recognition.RevenueAmount, recognition.CogsAmount)
	}

	if got := accountBalance(t, models.AccountCodeSales); !got.Equal(decimal.NewFromInt(210)) {
		t.Fatalf("sales balance = %s, want 210", got)
	}
	if got := accountBalance(t, models.AccountCodeCash); !got.Equal(decimal.NewFromInt(210)) {
		t.Fatalf("cash balance = %s, want 210", got)
	}
	if got := accountBalance(t, models.AccountCodeCostOfGoodsSold); !got.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("cogs balance = %s, want 60", got)
	}
	if got := accountBalance(t, models.AccountCodeInventoryAsset); !got.Equal(decimal.NewFromInt(-60)) {
		t.Fatalf("inventory asset balance = %s, want -60", got)
	}
	if got := accountBalance(t, models.AccountCodeDeferredRevenue); !got.Equal(decimal.Zero) {
		t.Fatalf("deferred revenue after delivery = %s, want 0", got)
	}

	// delivering twice must not double-post
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusDelivered, ""); err == nil {
		t.Fatal("delivered -> delivered should be rejected")
	}
}

func TestConcurrentCheckout_NeverOversells(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-scarce", 10, 5)

	const attempts = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	oversold := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx := customerContext(fmt.Sprintf("cust-%d", n))
			_, err := models.CreateOrder(ctx, &models.NewOrder{
				PaymentMethod: models.PaymentMethodCash,
				Items: []*models.NewOrderItem{
					{VariantId: "variant-scarce", ProductName: "Scarce", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(50)},
				},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
				return
			}
			var stockErr *models.InsufficientStockError
			if !errors.As(err, &stockErr) {
				oversold++
				t.Errorf("unexpected checkout error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if oversold != 0 {
		t.Fatalf("%d checkouts failed with non-stock errors", oversold)
	}
	if succeeded != 10 {
		t.Fatalf("exactly 10 of %d checkouts should win the stock, got %d", attempts, succeeded)
	}

	inv := mustInventory(t, "variant-scarce")
	if !inv.Reserved.Equal(decimal.NewFromInt(10)) || !inv.OnHand.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("after race: on_hand=%s reserved=%s, want 10/10", inv.OnHand, inv.Reserved)
	}
}

func TestReclamationSweep_ExpiryAndZombies(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-sweep", 20, 10)

	db := config.GetDB()

	// online order whose payment window has passed
	expiredOrder := placeOrder(t, customerContext("cust-exp"), models.PaymentMethodPaymob, "variant-sweep", 3, 40, 0)
	if err := db.Exec("UPDATE payment_intents SET expires_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour), expiredOrder.PaymentIntent.ID).Error; err != nil {
		t.Fatalf("backdate intent: %v", err)
	}

	// online order that failed on amount mismatch, now a zombie
	mismatchOrder := placeOrder(t, customerContext("cust-mm"), models.PaymentMethodWallet, "variant-sweep", 2, 40, 0)
	_, err := models.ConfirmPaymentIntent(systemContext(), &models.PaymentConfirmation{
		IntentId:   mismatchOrder.PaymentIntent.ID,
		PaidAmount: decimal.NewFromInt(1),
	})
	var paymentErr *models.PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("mismatched amount should fail with PaymentError, got %v", err)
	}
	reloaded, err := models.GetOrder(customerContext("cust-mm"), mismatchOrder.ID)
	if err != nil {
		t.Fatalf("reload mismatch order: %v", err)
	}
	if reloaded.Status != models.OrderStatusPending {
		t.Fatalf("mismatch leaves the order pending for the sweeper, got %s", reloaded.Status)
	}
	if err := db.Exec("UPDATE orders SET created_at = ? WHERE id = ?",
		time.Now().Add(-48*time.Hour), mismatchOrder.ID).Error; err != nil {
		t.Fatalf("backdate order: %v", err)
	}

	// old COD order; sweeps must leave it alone
	codOrder := placeOrder(t, customerContext("cust-cod"), models.PaymentMethodCash, "variant-sweep", 1, 40, 0)
	if err := db.Exec("UPDATE orders SET created_at = ? WHERE id = ?",
		time.Now().Add(-72*time.Hour), codOrder.ID).Error; err != nil {
		t.Fatalf("backdate cod order: %v", err)
	}

	report, err := workflow.RunReclamationSweep(systemContext())
	if err != nil {
		t.Fatalf("RunReclamationSweep: %v", err)
	}
	if report.Skipped {
		t.Fatal("sweep must run without redis instead of skipping")
	}
	if report.ExpiredPayments != 1 {
		t.Fatalf("expired payments = %d, want 1", report.ExpiredPayments)
	}
	if report.ZombieOrders != 1 {
		t.Fatalf("zombie orders = %d, want 1", report.ZombieOrders)
	}

	assertStatus := func(orderId string, want models.OrderStatus) {
		t.Helper()
		var order models.Order
		if err := db.First(&order, "id = ?", orderId).Error; err != nil {
			t.Fatalf("reload order %s: %v", orderId, err)
		}
		if order.Status != want {
			t.Fatalf("order %s status = %s, want %s", orderId, order.Status, want)
		}
	}
	assertStatus(expiredOrder.ID, models.OrderStatusCancelled)
	assertStatus(mismatchOrder.ID, models.OrderStatusCancelled)
	assertStatus(codOrder.ID, models.OrderStatusPending)

	var intent models.PaymentIntent
	if err := db.First(&intent, "id = ?", expiredOrder.PaymentIntent.ID).Error; err != nil {
		t.Fatalf("reload intent: %v", err)
	}
	if intent.Status != models.PaymentIntentStatusExpired {
		t.Fatalf("intent status = %s, want expired", intent.Status)
	}

	// only the COD reservation survives
	inv := mustInventory(t, "variant-sweep")
	if !inv.Reserved.Equal(decimal.NewFromInt(1)) || !inv.OnHand.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("after sweep: on_hand=%s reserved=%s, want 20/1", inv.OnHand, inv.Reserved)
	}

	// sweep is idempotent
	report, err = workflow.RunReclamationSweep(systemContext())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if report.ExpiredPayments != 0 || report.ZombieOrders != 0 {
		t.Fatalf("second sweep should find nothing, got %+v", report)
	}
}

func TestCancelDeliveredOrder_ReturnsStockAndReversesRevenue(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-return", 5, 20)

	adminCtx := adminContext()
	order := placeOrder(t, customerContext("cust-ret"), models.PaymentMethodCash, "variant-return", 2, 100, 0)

	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusShipped, ""); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusDelivered, ""); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// COD collects the cash at the doorstep
	if got := accountBalance(t, models.AccountCodeCash); !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("cash balance = %s, want 200", got)
	}

	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusCancelled, "customer returned goods"); err != nil {
		t.Fatalf("cancel delivered: %v", err)
	}

	inv := mustInventory(t, "variant-return")
	if !inv.OnHand.Equal(decimal.NewFromInt(5)) || !inv.Reserved.Equal(decimal.NewFromInt(0)) {
		t.Fatalf("after return: on_hand=%s reserved=%s, want 5/0", inv.OnHand, inv.Reserved)
	}

	if _, err := models.GetRevenueRecognition(context.Background(), order.ID); err == nil {
		t.Fatal("reversal should remove the recognition marker")
	}
	if got := accountBalance(t, models.AccountCodeSales); !got.Equal(decimal.Zero) {
		t.Fatalf("sales balance after reversal = %s, want 0", got)
	}
	if got := accountBalance(t, models.AccountCodeCostOfGoodsSold); !got.Equal(decimal.Zero) {
		t.Fatalf("cogs balance after reversal = %s, want 0", got)
	}
	if got := accountBalance(t, models.AccountCodeCash); !got.Equal(decimal.Zero) {
		t.Fatalf("cash balance after reversal = %s, want 0", got)
	}

	// a second cancel is a no-op, not an error path that double-returns stock
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusCancelled, "again"); err == nil {
		t.Fatal("cancelled -> cancelled should be rejected by the policy")
	}
	inv = mustInventory(t, "variant-return")
	if !inv.OnHand.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("stock must not be returned twice, on_hand=%s", inv.OnHand)
	}
}

func TestPeriodClose_BlocksPostingUntilReopened(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-period", 5, 10)

	adminCtx := adminContext()
	order := placeOrder(t, customerContext("cust-per"), models.PaymentMethodCash, "variant-period", 1, 100, 0)
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusShipped, ""); err != nil {
		t.Fatalf("ship: %v", err)
	}

	periodKey := models.PeriodKeyFor(time.Now())
	if _, err := models.ClosePeriod(adminCtx, periodKey); err != nil {
		t.Fatalf("ClosePeriod: %v", err)
	}

	_, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusDelivered, "")
	var periodErr *models.PeriodClosedError
	if !errors.As(err, &periodErr) {
		t.Fatalf("delivery into a closed period should fail with PeriodClosedError, got %v", err)
	}

	// the whole transition rolled back
	db := config.GetDB()
	var reloaded models.Order
	if err := db.First(&reloaded, "id = ?", order.ID).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != models.OrderStatusShipped {
		t.Fatalf("failed delivery must leave the order shipped, got %s", reloaded.Status)
	}

	if _, err := models.ReopenPeriod(adminCtx, periodKey, "late delivery confirmations"); err != nil {
		t.Fatalf("ReopenPeriod: %v", err)
	}
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusDelivered, ""); err != nil {
		t.Fatalf("deliver after reopen: %v", err)
	}

	summary, err := models.PreviewPeriodClose(adminCtx, periodKey)
	if err != nil {
		t.Fatalf("PreviewPeriodClose: %v", err)
	}
	if !summary.RevenueTotal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("preview revenue = %s, want 100", summary.RevenueTotal)
	}

	if _, err := models.ClosePeriod(adminCtx, periodKey); err != nil {
		t.Fatalf("close again: %v", err)
	}
	if _, err := models.LockPeriod(adminCtx, periodKey); err != nil {
		t.Fatalf("LockPeriod: %v", err)
	}
	if _, err := models.ReopenPeriod(adminCtx, periodKey, "should not work"); err == nil {
		t.Fatal("locked periods must not reopen")
	}
}

func TestRefund_PostsProportionalEntries(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-refund", 5, 40)

	adminCtx := adminContext()
	order := placeOrder(t, customerContext("cust-ref"), models.PaymentMethodCash, "variant-refund", 2, 100, 0)
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusShipped, ""); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusDelivered, ""); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// refund half of the 200 order; cogs 80 restores proportionally
	if _, err := workflow.ProcessOrderRefund(adminCtx, &workflow.RefundRequest{
		OrderId: order.ID,
		Amount:  decimal.NewFromInt(100),
		Reason:  "one unit returned",
	}); err != nil {
		t.Fatalf("ProcessOrderRefund: %v", err)
	}

	if got := accountBalance(t, models.AccountCodeSales); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("sales balance after refund = %s, want 100", got)
	}
	if got := accountBalance(t, models.AccountCodeCostOfGoodsSold); !got.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("cogs balance after refund = %s, want 40", got)
	}

	recognition, err := models.GetRevenueRecognition(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("recognition should survive a partial refund: %v", err)
	}
	if !recognition.RefundedAmount.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("refunded amount = %s, want 100", recognition.RefundedAmount)
	}

	// refunding more than the remaining balance is rejected
	if _, err := workflow.ProcessOrderRefund(adminCtx, &workflow.RefundRequest{
		OrderId: order.ID,
		Amount:  decimal.NewFromInt(150),
	}); err == nil {
		t.Fatal("over-refund should be rejected")
	}

	// empty amount refunds the remainder
	if _, err := workflow.ProcessOrderRefund(adminCtx, &workflow.RefundRequest{
		OrderId: order.ID,
	}); err != nil {
		t.Fatalf("full remainder refund: %v", err)
	}
	if got := accountBalance(t, models.AccountCodeSales); !got.Equal(decimal.Zero) {
		t.Fatalf("sales balance after full refund = %s, want 0", got)
	}
}

func TestCancelDeliveredOrder_AbortsWhenRecognitionUnreadable(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-broken", 5, 20)

	adminCtx := adminContext()
	order := placeOrder(t, customerContext("cust-brk"), models.PaymentMethodCash, "variant-broken", 2, 100, 0)
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusShipped, ""); err != nil {
		t.Fatalf("ship: %v", err)
	}
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusDelivered, ""); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	// make the recognition row unreadable mid-cancel; the whole
	// cancellation must abort, not commit with the revenue left behind
	db := config.GetDB()
	if err := db.Exec("RENAME TABLE revenue_recognitions TO revenue_recognitions_hidden").Error; err != nil {
		t.Fatalf("hide recognitions table: %v", err)
	}
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusCancelled, "returned"); err == nil {
		t.Fatal("cancel must fail when the recognition row cannot be read")
	}

	var reloaded models.Order
	if err := db.First(&reloaded, "id = ?", order.ID).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != models.OrderStatusDelivered {
		t.Fatalf("failed cancel must leave the order delivered, got %s", reloaded.Status)
	}
	inv := mustInventory(t, "variant-broken")
	if !inv.OnHand.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("failed cancel must not return stock, on_hand=%s", inv.OnHand)
	}
	if got := accountBalance(t, models.AccountCodeSales); !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("sales balance = %s, want 200", got)
	}

	// once the read works again the same cancel goes through cleanly
	if err := db.Exec("RENAME TABLE revenue_recognitions_hidden TO revenue_recognitions").Error; err != nil {
		t.Fatalf("restore recognitions table: %v", err)
	}
	if _, err := models.UpdateOrderStatus(adminCtx, order.ID, models.OrderStatusCancelled, "returned"); err != nil {
		t.Fatalf("cancel after restore: %v", err)
	}
	inv = mustInventory(t, "variant-broken")
	if !inv.OnHand.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("after cancel: on_hand=%s, want 5", inv.OnHand)
	}
	if got := accountBalance(t, models.AccountCodeSales); !got.Equal(decimal.Zero) {
		t.Fatalf("sales balance after reversal = %s, want 0", got)
	}
}

func TestDatabasePool_UsesReadCommitted(t *testing.T) {
	setupCommerceDB(t)

	// the conditional stock updates assume READ COMMITTED on every
	// pooled connection, not just the one that ran a SET SESSION
	db := config.GetDB()
	for i := 0; i < 5; i++ {
		var isolation string
		if err := db.Raw("SELECT @@transaction_isolation").Scan(&isolation).Error; err != nil {
			t.Fatalf("read isolation level: %v", err)
		}
		if isolation != "READ-COMMITTED" {
			t.Fatalf("transaction_isolation = %s, want READ-COMMITTED", isolation)
		}
	}
}

func TestUpdateOrderStatus_UnknownOrderReportsNotFound(t *testing.T) {
	setupCommerceDB(t)

	_, err := models.UpdateOrderStatus(adminContext(), "no-such-order", models.OrderStatusShipped, "")
	var notFoundErr *models.OrderNotFoundError
	if !errors.As(err, &notFoundErr) {
		t.Fatalf("expected OrderNotFoundError, got %T: %v", err, err)
	}
}

func TestRetryPaymentIntent_ReopensFailedAttempt(t *testing.T) {
	setupCommerceDB(t)
	seedStock(t, "variant-retry", 5, 10)

	custCtx := customerContext("cust-retry")
	order := placeOrder(t, custCtx, models.PaymentMethodPaymob, "variant-retry", 1, 100, 0)

	// gateway captured the wrong amount; the attempt burns
	_, err := models.ConfirmPaymentIntent(systemContext(), &models.PaymentConfirmation{
		IntentId:   order.PaymentIntent.ID,
		PaidAmount: decimal.NewFromInt(7),
	})
	var paymentErr *models.PaymentError
	if !errors.As(err, &paymentErr) {
		t.Fatalf("mismatched amount should fail with PaymentError, got %v", err)
	}

	intent, err := models.CreatePaymentIntent(custCtx, order.ID)
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}
	if intent.Status != models.PaymentIntentStatusPending {
		t.Fatalf("retried intent status = %s, want pending", intent.Status)
	}
	if !intent.ExpiresAt.After(time.Now()) {
		t.Fatalf("retried intent should get a fresh window, expires %s", intent.ExpiresAt)
	}

	// retrying a live attempt is idempotent
	again, err := models.CreatePaymentIntent(custCtx, order.ID)
	if err != nil {
		t.Fatalf("second retry: %v", err)
	}
	if again.ID != intent.ID {
		t.Fatalf("live attempt must come back unchanged, got %s vs %s", again.ID, intent.ID)
	}

	// other customers cannot touch it
	if _, err := models.CreatePaymentIntent(customerContext("cust-other"), order.ID); err == nil {
		t.Fatal("foreign customer must not reopen the intent")
	}

	// the retried attempt settles normally
	if _, err := models.ConfirmPaymentIntent(systemContext(), &models.PaymentConfirmation{
		IntentId:   intent.ID,
		PaidAmount: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("confirm retried intent: %v", err)
	}
	reloaded, err := models.GetOrder(custCtx, order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if reloaded.Status != models.OrderStatusPaid {
		t.Fatalf("order status = %s, want paid", reloaded.Status)
	}

	// paid orders are done retrying
	if _, err := models.CreatePaymentIntent(custCtx, order.ID); err == nil {
		t.Fatal("paid orders must not reopen a payment intent")
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("commerce-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=commerce_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
