package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/nmoreno/instagateway/internal/auth"
	"github.com/nmoreno/instagateway/internal/config"
	"github.com/nmoreno/instagateway/internal/humanize"
	"github.com/nmoreno/instagateway/internal/media"
	"github.com/nmoreno/instagateway/internal/platform/rest"
	"github.com/nmoreno/instagateway/internal/poller"
	"github.com/nmoreno/instagateway/internal/registry"
	"github.com/nmoreno/instagateway/internal/server"
	"github.com/nmoreno/instagateway/internal/store"
	"github.com/nmoreno/instagateway/internal/webhook"
	"github.com/nmoreno/instagateway/pkg/models"
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
	logger.Info("starting messaging gateway")

	// Connect to database
	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
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

	// Seed the operator user when bootstrap credentials are configured
	if cfg.AppPassword != "" {
		if err := seedOperator(ctx, db, cfg.AppUsername, cfg.AppPassword); err != nil {
			logger.Error("failed to seed operator user", "error", err)
			os.Exit(1)
		}
	}

	// Create components
	connector := rest.NewConnector(rest.Config{
		BaseURL: cfg.PlatformURL,
		APIKey:  cfg.PlatformAPIKey,
		Timeout: cfg.PlatformTimeout,
	})
	reg := registry.New(connector, db, registry.Config{
		LoginAttempts: cfg.LoginAttempts,
		LoginBackoff:  cfg.LoginBackoff,
	}, logger)
	dispatcher := webhook.NewDispatcher(cfg.WebhookTimeout, logger)
	resolver := media.NewResolver(cfg.MediaFetchTimeout)
	pipeline := humanize.New(reg, resolver, logger)
	engine := poller.New(reg, dispatcher, cfg.PollInterval, logger)
	authService := auth.New(db, cfg.JWTSecret, cfg.JWTExpires, logger)

	// Restore account state and sessions from the database
	restoreAccounts(ctx, db, reg, logger)

	srv := server.New(server.Deps{
		Config:     cfg,
		Registry:   reg,
		Pipeline:   pipeline,
		Dispatcher: dispatcher,
		Auth:       authService,
		Logger:     logger,
	})

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")
		cancel()
	}()

	// Start the polling engine
	go engine.Run(ctx)

	// Start the HTTP server
	logger.Info("gateway is running, press Ctrl+C to stop")
	if err := srv.Run(ctx); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped")
}

// seedOperator creates the bootstrap operator user if it does not exist yet.
func seedOperator(ctx context.Context, db *store.DB, username, password string) error {
	_, err := db.GetAppUserByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	return db.CreateAppUser(ctx, &models.AppUser{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
	})
}

// restoreAccounts reloads persisted account state and re-establishes sessions.
func restoreAccounts(ctx context.Context, db *store.DB, reg *registry.Registry, logger *slog.Logger) {
	records, err := db.GetAllAccounts(ctx)
	if err != nil {
		logger.Error("failed to load stored accounts", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	logger.Info("restoring accounts", "count", len(records))
	for _, rec := range records {
		webhooks, err := db.GetWebhooks(ctx, rec.Username)
		if err != nil {
			logger.Warn("failed to load webhooks", "username", rec.Username, "error", err)
		}
		reg.Restore(ctx, rec, webhooks)
	}
}

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
