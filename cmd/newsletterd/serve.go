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

	"github.com/spf13/cobra"

	"github.com/musequill/newsletter/internal/analytics"
	"github.com/musequill/newsletter/internal/api"
	"github.com/musequill/newsletter/internal/config"
	"github.com/musequill/newsletter/internal/db"
	"github.com/musequill/newsletter/internal/export"
	"github.com/musequill/newsletter/internal/mailer"
	"github.com/musequill/newsletter/internal/metrics"
	"github.com/musequill/newsletter/internal/ratelimit"
	"github.com/musequill/newsletter/internal/repository"
	"github.com/musequill/newsletter/internal/signup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the newsletter service",
	RunE:  runServe,
}

var configFile string

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/newsletterd/config.yaml", "Path to configuration file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	subscribers := repository.NewSubscriberRepository(database.DB)
	events := repository.NewEventRepository(database.DB)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger)
	}

	queue, err := mailer.NewBoltStorage(cfg.Mailer.QueuePath, cfg.Mailer.QueueLimit)
	if err != nil {
		return err
	}
	defer queue.Close()

	var sender mailer.Sender
	if cfg.SMTPConfigured() {
		sender = mailer.NewSMTPSender(cfg.SMTP, logger.With("component", "smtp"))
	} else {
		logger.Warn("SMTP not configured, welcome emails will be skipped")
	}

	dispatcher := mailer.NewDispatcher(queue, sender, subscribers, events, cfg.Mailer, logger.With("component", "mailer"))

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			Window:     cfg.RateLimit.Window,
			WriteLimit: cfg.RateLimit.WriteLimit,
			ReadLimit:  cfg.RateLimit.ReadLimit,
		})
	}

	signupSvc := signup.NewService(subscribers, events, dispatcher, logger.With("component", "signup"))
	aggregator := analytics.NewAggregator(database.DB, cfg.LaunchDate(), cfg.Analytics.TopReferrers)
	exporter := export.NewService(database.DB)

	server := api.NewServer(cfg, signupSvc, aggregator, exporter, subscribers, events, limiter, logger)

	dispatcher.Start()

	if metricsServer != nil {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}

	// Drain in-flight welcome emails before closing storage
	dispatcher.Stop()
	if limiter != nil {
		limiter.Stop()
	}

	logger.Info("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
