package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/krsnalabs/booking-automation/internal/accounts"
	"github.com/krsnalabs/booking-automation/internal/config"
	"github.com/krsnalabs/booking-automation/internal/database"
	"github.com/krsnalabs/booking-automation/internal/engine"
	"github.com/krsnalabs/booking-automation/internal/notify"
	"github.com/krsnalabs/booking-automation/internal/provider"
	"github.com/krsnalabs/booking-automation/internal/secrets"
	"github.com/krsnalabs/booking-automation/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting email sync engine")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Access tokens come from the external token-refresh service
	tokens := provider.NewTokenServiceClient(cfg.TokenServiceURL, cfg.ProviderTimeout)

	registry := provider.Registry{
		"gmail": provider.NewGmail(provider.GmailConfig{
			BaseURL: cfg.GmailBaseURL,
			Timeout: cfg.ProviderTimeout,
			RPS:     cfg.ProviderRPS,
		}, tokens, logger),
		"outlook": provider.NewOutlook(provider.OutlookConfig{
			BaseURL:         cfg.GraphBaseURL,
			NotificationURL: cfg.OutlookNotificationURL,
			Timeout:         cfg.ProviderTimeout,
			RPS:             cfg.ProviderRPS,
		}, tokens, logger),
	}

	// Operator alerts (optional)
	var notifier engineNotifier = notify.Nop{}
	if cfg.AlertsEnabled() {
		tg, err := notify.NewTelegram(cfg.TelegramAlertToken, cfg.TelegramAlertChatID, logger)
		if err != nil {
			logger.Error("failed to create telegram notifier", "error", err)
			os.Exit(1)
		}
		notifier = tg
		logger.Info("telegram operator alerts enabled")
	}

	eng := engine.New(db, registry, notifier, engine.Options{
		Workers:      cfg.SyncWorkers,
		SyncInterval: cfg.SyncInterval,
		SyncTimeout:  cfg.SyncTimeout,
		Watch: engine.WatchOptions{
			Window:        cfg.RenewalWindow,
			SweepInterval: cfg.RenewalSweepInterval,
			MaxAttempts:   cfg.RenewalMaxAttempts,
			BackoffBase:   cfg.BackoffBase,
			BackoffCap:    cfg.BackoffCap,
			Timeout:       cfg.ProviderTimeout,
		},
		Dispatch: engine.DispatcherOptions{
			MaxAttempts:   cfg.SendMaxAttempts,
			BackoffBase:   cfg.BackoffBase,
			BackoffCap:    cfg.BackoffCap,
			Timeout:       cfg.ProviderTimeout,
			SweepInterval: cfg.RetrySweepInterval,
		},
	}, logger)

	cipher, err := secrets.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("failed to create cipher", "error", err)
		os.Exit(1)
	}
	accountSvc := accounts.NewService(db, cipher, logger)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: webhook.New(db, eng, eng, accountSvc, logger).Handler(),
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("webhook server shutdown failed", "error", err)
		}
		cancel()
	}()

	// Admission opens before the server listens, so a push that lands
	// during startup schedules a sync instead of being dropped
	eng.Start(ctx)

	go func() {
		logger.Info("webhook server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook server failed", "error", err)
			cancel()
		}
	}()

	// Run blocks until shutdown and lets in-flight syncs finish
	eng.Run(ctx)

	logger.Info("engine stopped")
}

// engineNotifier matches both notify implementations
type engineNotifier = notify.Notifier

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
