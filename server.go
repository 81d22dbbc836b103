package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/commerce_backend/config"
	"bitbucket.org/mmdatafocus/commerce_backend/middlewares"
	"bitbucket.org/mmdatafocus/commerce_backend/models"
	"bitbucket.org/mmdatafocus/commerce_backend/utils"
	"bitbucket.org/mmdatafocus/commerce_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("commerce-backend")

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// respondError maps domain errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var (
		validationErr   *models.ValidationError
		notFoundErr     *models.OrderNotFoundError
		transitionErr   *models.InvalidTransitionError
		forbiddenErr    *models.ForbiddenError
		stockErr        *models.InsufficientStockError
		inventoryErr    *models.InventoryError
		paymentErr      *models.PaymentError
		periodClosedErr *models.PeriodClosedError
		unbalancedErr   *models.UnbalancedEntryError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &forbiddenErr):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &transitionErr),
		errors.As(err, &stockErr),
		errors.As(err, &inventoryErr),
		errors.As(err, &paymentErr),
		errors.As(err, &periodClosedErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &unbalancedErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger := config.GetLogger()
		config.LogError(logger, "server.go", "respondError", "unhandled error", c.Request.URL.Path, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func checkoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "checkout")
		defer span.End()

		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := models.CreateOrder(ctx, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, order)
	}
}

func getOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := models.GetOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func listOrdersHandler(adminView bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		limit := 20
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}

		var filter models.OrderFilter
		if v := c.Query("status"); v != "" {
			s := models.OrderStatus(v)
			filter.Status = &s
		}
		if adminView {
			if v := c.Query("customer_id"); v != "" {
				filter.CustomerId = &v
			}
			filter.Search = c.Query("search")
			if v := c.Query("from"); v != "" {
				if t, err := time.Parse("2006-01-02", v); err == nil {
					filter.From = &t
				}
			}
			if v := c.Query("to"); v != "" {
				if t, err := time.Parse("2006-01-02", v); err == nil {
					filter.To = &t
				}
			}
		} else {
			// customers only see their own orders
			id, ok := utils.GetUserIdFromContext(ctx)
			if !ok || id == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			filter.CustomerId = &id
		}

		connection, err := models.PaginateOrders(ctx, limit, after, &filter)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, connection)
	}
}

// paymentWebhookHandler settles gateway verdicts. The gateway signs
// requests with a shared secret header; payloads carry the intent id,
// the verdict and the captured amount.
func paymentWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := os.Getenv("WEBHOOK_SECRET")
		if secret != "" && c.GetHeader("X-Webhook-Secret") != secret {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var event struct {
			IntentId   string          `json:"intent_id" binding:"required"`
			Status     string          `json:"status" binding:"required"`
			PaidAmount decimal.Decimal `json:"paid_amount"`
			Reference  string          `json:"reference"`
			Reason     string          `json:"reason"`
		}
		if err := c.ShouldBindJSON(&event); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		// webhook work runs as the system actor
		ctx := utils.SetActorRoleInContext(c.Request.Context(), string(models.ActorRoleSystem))
		ctx = utils.SetUserIdInContext(ctx, models.SystemActorId)

		switch event.Status {
		case "succeeded":
			intent, err := models.ConfirmPaymentIntent(ctx, &models.PaymentConfirmation{
				IntentId:   event.IntentId,
				PaidAmount: event.PaidAmount,
				Reference:  event.Reference,
			})
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, intent)
		case "failed":
			reason := event.Reason
			if reason == "" {
				reason = "gateway reported failure"
			}
			intent, err := models.FailPaymentIntent(ctx, event.IntentId, reason)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, intent)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown webhook status " + event.Status})
		}
	}
}

func updateOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Status models.OrderStatus `json:"status" binding:"required"`
			Reason string             `json:"reason"`
		}
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		order, err := models.UpdateOrderStatus(c.Request.Context(), c.Param("id"), input.Status, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func cancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&input)

		order, err := models.UpdateOrderStatus(c.Request.Context(), c.Param("id"), models.OrderStatusCancelled, input.Reason)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func retryPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		intent, err := models.CreatePaymentIntent(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, intent)
	}
}

func refundOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// empty body means full refund
		var input workflow.RefundRequest
		_ = c.ShouldBindJSON(&input)
		input.OrderId = c.Param("id")

		entry, err := workflow.ProcessOrderRefund(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func restockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockIncrease
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		inventory, err := models.IncreaseStock(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		models.WriteAuditLog(c.Request.Context(), models.AuditActionStockAdjusted, input.VariantId, "inventory", input)
		c.JSON(http.StatusOK, inventory)
	}
}

func getInventoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		warehouseId := 0
		if v := c.Query("warehouse_id"); v != "" {
			warehouseId, _ = strconv.Atoi(v)
		}
		if warehouseId == 0 {
			id, err := models.GetDefaultWarehouseId(ctx)
			if err != nil {
				respondError(c, err)
				return
			}
			warehouseId = id
		}

		variantId := c.Query("variant_id")
		if variantId == "" {
			rows, err := models.ListInventory(ctx, warehouseId)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, rows)
			return
		}
		inventory, err := models.GetInventory(ctx, warehouseId, variantId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inventory)
	}
}

func createJournalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewJournalEntry
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		entry, err := models.CreateJournalEntry(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

func listJournalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		var after *string
		if v := c.Query("after"); v != "" {
			after = &v
		}
		var fromDate, toDate *time.Time
		if v := c.Query("from"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				fromDate = &t
			}
		}
		if v := c.Query("to"); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				toDate = &t
			}
		}

		connection, err := models.PaginateJournalEntries(c.Request.Context(), limit, after, fromDate, toDate)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, connection)
	}
}

func cronSweepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := os.Getenv("CRON_TOKEN")
		if token != "" && c.GetHeader("X-Cron-Token") != token {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetActorRoleInContext(c.Request.Context(), string(models.ActorRoleSystem))
		ctx = utils.SetUserIdInContext(ctx, models.SystemActorId)

		report, err := workflow.RunReclamationSweep(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server first; app endpoints return 503 until the
	// database is connected.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/health" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PATCH", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "X-Correlation-Id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(gin.Recovery())

	customerRole := string(models.ActorRoleCustomer)
	adminRole := string(models.ActorRoleAdmin)

	r.POST("/checkout", middlewares.RequireRole(customerRole, adminRole), checkoutHandler())
	r.GET("/orders", middlewares.RequireRole(customerRole), listOrdersHandler(false))
	r.GET("/orders/:id", middlewares.RequireRole(customerRole, adminRole), getOrderHandler())
	r.POST("/orders/:id/cancel", middlewares.RequireRole(customerRole), cancelOrderHandler())
	r.POST("/orders/:id/payment-intent", middlewares.RequireRole(customerRole, adminRole), retryPaymentHandler())

	r.POST("/webhooks/payment", paymentWebhookHandler())
	r.POST("/cron/sweep", cronSweepHandler())

	admin := r.Group("/admin", middlewares.RequireRole(adminRole))
	{
		admin.GET("/orders", listOrdersHandler(true))
		admin.GET("/orders/:id", getOrderHandler())
		admin.PATCH("/orders/:id/status", updateOrderStatusHandler())
		admin.POST("/orders/:id/refund", refundOrderHandler())

		admin.POST("/inventory/restock", restockHandler())
		admin.GET("/inventory", getInventoryHandler())

		admin.GET("/warehouses", func(c *gin.Context) {
			warehouses, err := models.GetWarehouses(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, warehouses)
		})
		admin.POST("/warehouses", func(c *gin.Context) {
			var input models.NewWarehouse
			if err := c.ShouldBindJSON(&input); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			warehouse, err := models.CreateWarehouse(c.Request.Context(), &input)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusCreated, warehouse)
		})

		admin.GET("/accounts", func(c *gin.Context) {
			accounts, err := models.GetAccounts(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, accounts)
		})
		admin.GET("/journals", listJournalsHandler())
		admin.POST("/journals", createJournalHandler())
		admin.GET("/audit/:referenceId", func(c *gin.Context) {
			logs, err := models.GetAuditLogs(c.Request.Context(), c.Param("referenceId"), 50)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, logs)
		})

		admin.GET("/periods", func(c *gin.Context) {
			periods, err := models.GetFinancialPeriods(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, periods)
		})
		admin.GET("/periods/current", func(c *gin.Context) {
			period, err := models.GetCurrentPeriod(c.Request.Context())
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, period)
		})
		admin.GET("/periods/:key/preview", func(c *gin.Context) {
			summary, err := models.PreviewPeriodClose(c.Request.Context(), c.Param("key"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, summary)
		})
		admin.POST("/periods/:key/close", func(c *gin.Context) {
			summary, err := models.ClosePeriod(c.Request.Context(), c.Param("key"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, summary)
		})
		admin.POST("/periods/:key/reopen", func(c *gin.Context) {
			var input struct {
				Reason string `json:"reason"`
			}
			_ = c.ShouldBindJSON(&input)
			period, err := models.ReopenPeriod(c.Request.Context(), c.Param("key"), input.Reason)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, period)
		})
		admin.POST("/periods/:key/lock", func(c *gin.Context) {
			period, err := models.LockPeriod(c.Request.Context(), c.Param("key"))
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, period)
		})
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
		if err := models.SeedSystemAccounts(context.Background()); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// In-process sweep scheduler; external cron can drive /cron/sweep
	// instead by setting the interval to 0.
	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	go runSweepScheduler(sweepCtx)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}
}

func runSweepScheduler(ctx context.Context) {
	intervalMinutes := 5
	if v := os.Getenv("SWEEP_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			intervalMinutes = n
		}
	}
	if intervalMinutes <= 0 {
		return
	}

	logger := config.GetLogger()
	ticker := time.NewTicker(time.Duration(intervalMinutes) * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx := utils.SetActorRoleInContext(ctx, string(models.ActorRoleSystem))
			sweepCtx = utils.SetUserIdInContext(sweepCtx, models.SystemActorId)
			if _, err := workflow.RunReclamationSweep(sweepCtx); err != nil {
				config.LogError(logger, "server.go", "runSweepScheduler", "sweep pass", nil, err)
			}
		}
	}
}
