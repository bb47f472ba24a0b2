package main

import (
	"context"

	"bursar/internal/customers"
	"bursar/internal/handlers"
	"bursar/internal/ledger"
	bursarmollie "bursar/internal/mollie"
	bursarstripe "bursar/internal/stripe"
	"bursar/pkg/auth"
	"bursar/pkg/config"
	"bursar/pkg/database"
	"bursar/pkg/logging"
	"bursar/pkg/monitoring"
	"bursar/pkg/server"
	"bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Credit Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	stripeKey := config.RequireEnv("STRIPE_SECRET_KEY")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("DB_APPLY_SCHEMA", false) {
		if err := database.ApplySchema(context.Background(), db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":      dbURL,
		"JWT_SECRET":        jwtSecret,
		"STRIPE_SECRET_KEY": stripeKey,
	}))

	// Create custom ledger metrics
	metrics := &handlers.BursarMetrics{
		CreditOperations:         metricsCollector.NewCounter("credit_operations_total", "Credit ledger operations", []string{"operation", "outcome"}),
		RechargeAttempts:         metricsCollector.NewCounter("recharge_attempts_total", "Auto-recharge attempts", []string{"status"}),
		CheckoutSessions:         metricsCollector.NewCounter("checkout_sessions_total", "Checkout sessions created", []string{"provider", "status"}),
		WebhookEvents:            metricsCollector.NewCounter("webhook_events_total", "Webhook events received", []string{"provider", "event_type"}),
		WebhookSignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook signature verification failures", []string{"provider"}),
	}

	// Payment provider clients
	stripeClient := bursarstripe.NewClient(bursarstripe.Config{
		SecretKey:     stripeKey,
		WebhookSecret: config.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		Logger:        logger,
	})

	var mollieClient *bursarmollie.Client
	if mollieKey := config.GetEnv("MOLLIE_API_KEY", ""); mollieKey != "" {
		var err error
		mollieClient, err = bursarmollie.NewClient(bursarmollie.Config{
			APIKey:        mollieKey,
			WebhookSecret: config.GetEnv("MOLLIE_WEBHOOK_SECRET", ""),
			Logger:        logger,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Mollie client")
		}
	}

	// Domain services
	ledgerSvc := ledger.NewService(db, logger)
	recharger := ledger.NewAutoRecharger(db, logger, ledgerSvc, stripeClient)
	recharger.OnAttempt(func(status string) {
		metrics.RechargeAttempts.WithLabelValues(status).Inc()
	})
	ledgerSvc.SetRecharger(recharger)

	customerStore := customers.NewStore(db, logger)
	checkoutSvc := handlers.NewCheckoutService(db, logger, stripeClient, mollieClient)

	// Initialize handlers
	handlers.Init(handlers.Deps{
		DB:            db,
		Logger:        logger,
		Metrics:       metrics,
		Ledger:        ledgerSvc,
		Pricer:        ledger.NewPricerFromEnv(),
		Recharger:     recharger,
		CustomerStore: customerStore,
		Checkout:      checkoutSvc,
	})

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/credit", handlers.GetCredit)
			protected.GET("/credit/transactions", handlers.GetCreditTransactions)
			protected.POST("/credit/validate", handlers.ValidateCredit)
			protected.POST("/credit/deduct", handlers.DeductCredit)
			protected.GET("/auto-recharge", handlers.GetAutoRecharge)
			protected.POST("/auto-recharge", handlers.UpdateAutoRecharge)
			protected.POST("/checkout-session", handlers.CreateCheckoutSession)
		}

		// Webhook endpoints (no auth required)
		router.POST("/webhooks/stripe", handlers.HandleStripeWebhook)
		router.POST("/webhooks/mollie", handlers.HandleMollieWebhook)
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
