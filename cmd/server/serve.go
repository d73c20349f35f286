package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/noahxzhu/webpush-notify/internal/config"
	"github.com/noahxzhu/webpush-notify/internal/dispatch"
	"github.com/noahxzhu/webpush-notify/internal/model"
	"github.com/noahxzhu/webpush-notify/internal/registry"
	"github.com/noahxzhu/webpush-notify/internal/schedule"
	"github.com/noahxzhu/webpush-notify/internal/storage"
	"github.com/noahxzhu/webpush-notify/internal/web"
	"github.com/noahxzhu/webpush-notify/internal/webpush"
	"github.com/noahxzhu/webpush-notify/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the notification scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	store, err := storage.Open(storage.Config{
		Driver:   cfg.Storage.Driver,
		FilePath: cfg.Storage.FilePath,
		Seed:     cfg.Storage.Seed,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := storage.Close(store); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	reg := registry.New(store, logger)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	// Push client
	keys, source, err := webpush.ResolveKeys(webpush.VAPIDKeys{
		Public:  cfg.VAPID.PublicKey,
		Private: cfg.VAPID.PrivateKey,
	}, cfg.VAPID.KeyFile, cfg.VAPID.AutoGenerate)
	if err != nil {
		return fmt.Errorf("resolve vapid keys: %w", err)
	}
	client := webpush.NewClient(keys, cfg.VAPID.Subscriber, cfg.Dispatch.AttemptTimeout)
	if client.Configured() {
		logger.Info("VAPID keys ready", "source", source)
	} else {
		logger.Warn("VAPID keys not configured, push delivery disabled")
	}

	dispatcher := dispatch.New(dispatch.Config{
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
		RetryDelay:       cfg.Dispatch.RetryDelay,
		AttemptTimeout:   cfg.Dispatch.AttemptTimeout,
		AuthFailureLimit: cfg.Dispatch.AuthFailureLimit,
		RatePerSec:       cfg.Dispatch.RatePerSec,
	}, client, reg, logger)

	// Schedule
	hours, err := cfg.Schedule.FixedHours()
	if err != nil {
		return err
	}
	table, err := schedule.NewTable(hours, cfg.Schedule.TimezoneOffset)
	if err != nil {
		return fmt.Errorf("build schedule: %w", err)
	}
	filler, err := schedule.NewPool(cfg.Schedule.Filler)
	if err != nil {
		return fmt.Errorf("filler pool: %w", err)
	}
	welcome, err := schedule.NewPool(cfg.Schedule.Welcome)
	if err != nil {
		return fmt.Errorf("welcome pool: %w", err)
	}
	state := schedule.NewState()
	policy := schedule.NewPolicy(schedule.PolicyConfig{
		Title: cfg.Schedule.Title,
		FixedOptions: model.DeliveryOptions{
			TTL:     cfg.Schedule.FixedTTL,
			Urgency: model.Urgency(cfg.Schedule.FixedUrgency),
		},
		FillerOptions: model.DeliveryOptions{
			TTL:     cfg.Schedule.FillerTTL,
			Urgency: model.Urgency(cfg.Schedule.FillerUrgency),
		},
	}, table, filler, state)

	w := worker.NewWorker(worker.Config{
		TickSpec: cfg.Scheduler.TickSpec,
		Title:    cfg.Schedule.Title,
		WelcomeOptions: model.DeliveryOptions{
			TTL:     cfg.Schedule.FixedTTL,
			Urgency: model.UrgencyHigh,
		},
		Enabled: client.Configured(),
	}, worker.Deps{
		Registry:   reg,
		Dispatcher: dispatcher,
		Policy:     policy,
		Table:      table,
		Filler:     filler,
		Welcome:    welcome,
		State:      state,
		Logger:     logger,
	})

	workerErr := make(chan error, 1)
	go func() { workerErr <- w.Start(ctx) }()

	// Web server
	srv := web.NewServer(reg, w, web.Options{
		PublicKey:   client.PublicKey(),
		CORSOrigins: cfg.Server.CORSOrigins,
		StaticDir:   cfg.Server.StaticDir,
		DebugToken:  cfg.Server.DebugToken,
		Logger:      logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", httpServer.Addr, "subscriptions", reg.Len(), "offset_hours", table.Offset())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stop()
		return fmt.Errorf("http server: %w", err)
	case err := <-workerErr:
		if err != nil {
			stop()
			return fmt.Errorf("worker: %w", err)
		}
	}

	logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	w.Wait()
	logger.Info("Server exited")
	return nil
}
