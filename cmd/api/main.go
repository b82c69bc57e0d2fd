package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/dialdesk/dialdesk/internal/agents"
	"github.com/dialdesk/dialdesk/internal/api/router"
	"github.com/dialdesk/dialdesk/internal/calls"
	"github.com/dialdesk/dialdesk/internal/clients"
	appconfig "github.com/dialdesk/dialdesk/internal/config"
	"github.com/dialdesk/dialdesk/internal/http/handlers"
	httpmiddleware "github.com/dialdesk/dialdesk/internal/http/middleware"
	"github.com/dialdesk/dialdesk/internal/notify"
	"github.com/dialdesk/dialdesk/internal/numbers"
	"github.com/dialdesk/dialdesk/internal/observability/metrics"
	"github.com/dialdesk/dialdesk/internal/payments"
	"github.com/dialdesk/dialdesk/internal/realtime"
	"github.com/dialdesk/dialdesk/internal/retell"
	"github.com/dialdesk/dialdesk/internal/routing"
	"github.com/dialdesk/dialdesk/internal/twilio"
	"github.com/dialdesk/dialdesk/internal/webhookjobs"
	workerjobs "github.com/dialdesk/dialdesk/internal/worker/webhookjobs"
	"github.com/dialdesk/dialdesk/pkg/logging"
)

func main() {
	// .env is optional outside local development.
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting dialdesk API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database pool
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	clientRepo := clients.NewRepository(pool)
	agentRepo := agents.NewRepository(pool)
	numberRepo := numbers.NewRepository(pool)
	callRepo := calls.NewRepository(pool)
	jobStore := webhookjobs.NewStore(pool)

	// External service clients
	retellClient, err := retell.New(retell.Config{
		APIKey:  cfg.RetellAPIKey,
		BaseURL: cfg.RetellBaseURL,
		Logger:  logger.Logger,
	})
	if err != nil {
		logger.Error("failed to build voice platform client", "error", err)
		os.Exit(1)
	}

	twilioClient, err := twilio.New(twilio.Config{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		Logger:     logger.Logger,
	})
	if err != nil {
		logger.Error("failed to build carrier client", "error", err)
		os.Exit(1)
	}

	stripeClient, err := payments.NewStripeClient(payments.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		Logger:        logger.Logger,
	})
	if err != nil {
		logger.Error("failed to build billing client", "error", err)
		os.Exit(1)
	}

	packages, err := payments.ParseMinutePackages(cfg.StripeMinutePackagesJSON, cfg.StripePriceID, cfg.StripeMinutesPerUnit)
	if err != nil {
		logger.Error("invalid minute package configuration", "error", err)
		os.Exit(1)
	}

	// Metrics
	webhookMetrics := metrics.NewWebhookMetrics(nil)
	jobMetrics := metrics.NewJobMetrics(nil)

	// Email notifications: stub sender keeps the flow alive without a key
	var sender notify.EmailSender
	if cfg.SendGridAPIKey != "" {
		sender = notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger)
	} else {
		sender = notify.NewStubEmailSender(logger)
	}
	notifier := notify.NewService(sender, cfg.PublicBaseURL+"/billing", cfg.PublicBaseURL+"/support", logger)

	// Realtime event hub for connected dashboards
	hub := realtime.NewHub(logger)
	go hub.Run(ctx)

	// Routing orchestrator: suspend/restore across a client's numbers
	orchestrator, err := routing.New(routing.Config{
		Numbers:          numberRepo,
		Clients:          clientRepo,
		Carrier:          twilioClient,
		Jobs:             jobStore,
		Notify:           notifier,
		Events:           hub,
		Logger:           logger.Logger,
		TrunkSID:         cfg.TwilioTrunkSID,
		FallbackVoiceURL: cfg.TwilioOutOfMinutesVoiceURL,
		FallbackAgentID:  cfg.RetellFallbackAgentID,
	})
	if err != nil {
		logger.Error("failed to build routing orchestrator", "error", err)
		os.Exit(1)
	}

	// Job queue worker, driven by the cron trigger endpoint and optionally
	// an in-process ticker
	jobWorker := workerjobs.NewWorker(jobStore, retellClient, workerjobs.Config{
		BatchSize:      cfg.JobBatchSize,
		MaxRetries:     cfg.JobMaxRetries,
		InterJobDelay:  cfg.JobInterDelay,
		CallTimeout:    cfg.JobCallTimeout,
		AlertThreshold: cfg.JobAlertThreshold,
	}, jobMetrics, logger)
	if cfg.JobRunInterval > 0 {
		go jobWorker.Run(ctx, cfg.JobRunInterval)
	}
	queueTrigger := workerjobs.NewTriggerHandler(jobWorker, cfg.CronSecret, logger)

	// Webhook handlers
	retellWebhook := handlers.NewRetellWebhookHandler(
		retellClient,
		agentRepo,
		callRepo,
		clientRepo,
		orchestrator,
		hub,
		webhookMetrics,
		logger,
	)
	stripeWebhook := handlers.NewStripeWebhookHandler(
		stripeClient,
		stripeClient,
		packages,
		clientRepo,
		orchestrator,
		twilioClient,
		numberRepo,
		hub,
		webhookMetrics,
		logger,
		handlers.StripeWebhookConfig{
			TrunkSID:          cfg.TwilioTrunkSID,
			FallbackVoiceURL:  cfg.TwilioOutOfMinutesVoiceURL,
			MonthlyNumberCost: cfg.PhoneNumberMonthlyCost,
		},
	)

	// Tenant dashboard API
	dashboard := handlers.NewDashboard(
		agentRepo,
		retellClient,
		numberRepo,
		twilioClient,
		stripeClient,
		callRepo,
		clientRepo,
		logger,
		handlers.DashboardConfig{
			PublicBaseURL:      cfg.PublicBaseURL,
			SIPTrunkURI:        cfg.TwilioSIPTrunkURI,
			PhoneNumberPriceID: cfg.StripePhoneNumberPriceID,
			MinutePriceID:      cfg.StripePriceID,
		},
	)

	// Rate limiting is skipped entirely when Redis is not configured
	var rdb *redis.Client
	var limiter *httpmiddleware.RateLimiter
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer rdb.Close()
		limiter = httpmiddleware.NewRateLimiter(rdb, 0, 0, logger)
	}

	// Setup router
	routerCfg := &router.Config{
		Logger:             logger,
		RetellWebhook:      retellWebhook,
		StripeWebhook:      stripeWebhook,
		QueueTrigger:       queueTrigger,
		Dashboard:          dashboard,
		Realtime:           hub,
		RateLimiter:        limiter,
		MetricsHandler:     promhttp.Handler(),
		DashboardJWTSecret: cfg.DashboardJWTSecret,
		CORSAllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
	}
	r := router.New(routerCfg)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Stop the hub and background worker before draining requests
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
