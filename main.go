package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"thephotocrm/automation"
	"thephotocrm/config"
	"thephotocrm/content"
	"thephotocrm/middleware"
	"thephotocrm/routes"
	"thephotocrm/sender"
	"thephotocrm/store"
	"thephotocrm/utils"
	"thephotocrm/worker"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	utils.ConfigureLogger(cfg.Environment)

	if err := config.InitSentry(); err != nil {
		logrus.Warnf("Sentry disabled: %v", err)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}
	if err := config.ConnectRedis(); err != nil {
		logrus.Fatalf("Failed to connect to Redis: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc := cfg.Engine.DefaultLocation()
	schedules := store.NewScheduleStore(config.DB)

	var seen automation.SeenCache
	if config.Redis != nil {
		seen = automation.NewRedisSeenCache(config.Redis, cfg.Engine.TransitionCacheTTL)
	}
	engine := automation.NewEngine(config.DB, schedules, automation.Options{
		DefaultLocation: loc,
		Seen:            seen,
		Logger:          logrus.WithField("component", "engine"),
	})

	channels := setupChannels(cfg)
	src := content.NewDBSource(config.DB)
	hub := worker.NewHub()

	// Initialize and start the dispatcher
	dispatcher := worker.NewDispatcher(schedules, worker.NewDBResolver(config.DB), src, channels, hub, worker.Config{
		WorkerID:       cfg.Engine.WorkerID,
		Interval:       cfg.Engine.SweepInterval,
		BatchSize:      cfg.Engine.SweepBatchSize,
		MaxRetries:     cfg.Engine.MaxSendRetries,
		RetryBaseDelay: cfg.Engine.RetryBaseDelay,
		RetryMaxDelay:  cfg.Engine.RetryMaxDelay,
		StaleAfter:     cfg.Engine.StaleClaimAfter,
		SendTimeout:    cfg.Engine.SendTimeout,
		TenantRate:     cfg.Engine.TenantSendRate,
		TenantBurst:    cfg.Engine.TenantSendBurst,
	}, logrus.WithField("app", "thephotocrm"))

	halted := make(chan error, 1)
	go func() {
		halted <- dispatcher.Start(ctx)
	}()

	maintenance := worker.NewMaintenanceWorker(schedules, cfg.Engine.MaintenanceInterval, logrus.WithField("app", "thephotocrm"))
	go maintenance.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "thephotocrm",
		DisableStartupMessage: cfg.Environment == "production",
	})

	// Add CORS middleware
	app.Use(middleware.CORS(cfg.AllowedOrigins))

	// Setup routes
	routes.SetupRoutes(app, routes.Deps{
		DB:              config.DB,
		Redis:           config.Redis,
		Engine:          engine,
		Schedules:       schedules,
		Content:         src,
		Hub:             hub,
		JWTSecret:       cfg.JWTSecret,
		IntakeRateLimit: cfg.IntakeRateLimit,
		DefaultLocation: loc,
	})

	// Start server
	serverErr := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", cfg.ServerPort)
		serverErr <- app.Listen(":" + cfg.ServerPort)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logrus.Info("Shutdown signal received")
	case err := <-halted:
		if err != nil {
			logrus.WithError(err).Error("Dispatcher halted on a store failure")
			exitCode = 1
		}
	case err := <-serverErr:
		if err != nil {
			logrus.WithError(err).Error("Server stopped")
			exitCode = 1
		}
	}

	stop()
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logrus.WithError(err).Warn("Server shutdown incomplete")
	}
	if config.Redis != nil {
		_ = config.Redis.Close()
	}
	sentry.Flush(2 * time.Second)
	os.Exit(exitCode)
}

// setupChannels picks the real transports that are configured and logs the
// rest.
func setupChannels(cfg config.Config) worker.Channels {
	fallback := sender.NewLogSender(logrus.WithField("component", "log_sender"))

	var email sender.EmailSender = fallback
	if cfg.SMTP.Host != "" {
		email = sender.NewSMTPEmailSender(sender.SMTPConfig{
			Host:       cfg.SMTP.Host,
			Port:       cfg.SMTP.Port,
			Username:   cfg.SMTP.Username,
			Password:   cfg.SMTP.Password,
			FromEmail:  cfg.SMTP.FromEmail,
			FromName:   cfg.SMTP.FromName,
			Encryption: cfg.SMTP.Encryption,
		}, cfg.Engine.SendTimeout, logrus.WithField("component", "smtp"))
	} else {
		logrus.Warn("SMTP_HOST not set; emails are logged instead of sent")
	}

	var sms sender.SMSSender = fallback
	if cfg.SMS.GatewayURL != "" {
		sms = sender.NewHTTPSMSSender(sender.SMSGatewayConfig{
			URL:      cfg.SMS.GatewayURL,
			APIToken: cfg.SMS.APIToken,
			From:     cfg.SMS.From,
		}, cfg.Engine.SendTimeout, logrus.WithField("component", "sms"))
	} else {
		logrus.Warn("SMS_GATEWAY_URL not set; text messages are logged instead of sent")
	}

	return worker.Channels{
		Email:    email,
		SMS:      sms,
		Document: sender.NewDocumentMailer(email, cfg.DocumentBaseURL),
	}
}
