package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/zapcast/internal/api"
	"github.com/busybox42/zapcast/internal/cache"
	"github.com/busybox42/zapcast/internal/campaign"
	"github.com/busybox42/zapcast/internal/config"
	"github.com/busybox42/zapcast/internal/dispatch"
	"github.com/busybox42/zapcast/internal/logging"
	"github.com/busybox42/zapcast/internal/metrics"
	"github.com/busybox42/zapcast/internal/quota"
	"github.com/busybox42/zapcast/internal/ratelimit"
	"github.com/busybox42/zapcast/internal/scheduler"
	"github.com/busybox42/zapcast/internal/store"
	"github.com/busybox42/zapcast/internal/transport"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the dispatch daemon",
	Long:  "Start the Zapcast dispatch daemon: scheduler, worker pool, activation sweep and HTTP API",
	RunE:  runServer,
}

func init() {
	serverCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serverCmd.Flags().Int("workers", 0, "dispatch worker count (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Dispatch.Workers = workers
	}

	logCloser, err := logging.Setup(logging.Config{
		Type:   cfg.Logging.Type,
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logCloser.Close()
	logger := slog.Default().With("component", "server")

	st, err := store.Factory(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := st.Connect(); err != nil {
		return fmt.Errorf("failed to connect to store: %w", err)
	}
	defer st.Close()
	logger.Info("Store connected", "type", st.Type())

	rateCache, err := cache.Factory(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to create cache: %w", err)
	}
	if err := rateCache.Connect(); err != nil {
		return fmt.Errorf("failed to connect to cache: %w", err)
	}
	defer rateCache.Close()
	logger.Info("Cache connected", "type", rateCache.Type())

	var stats metrics.StatsStore
	switch cfg.Stats.Type {
	case "valkey":
		vs, err := metrics.NewValkeyStats(cfg.Stats.Address)
		if err != nil {
			return fmt.Errorf("failed to connect to valkey stats store: %w", err)
		}
		defer vs.Close()
		stats = vs
	default:
		stats = metrics.NewMemoryStats()
	}

	subs := quota.NewStaticSource(cfg.Subscriptions())
	tracker := quota.NewTracker(subs, st)
	limiter := ratelimit.NewLimiter(rateCache, cfg.RateLimit.Limit,
		time.Duration(cfg.RateLimit.Window)*time.Second)
	sched := scheduler.New(scheduler.DefaultTierMap)

	gateway := transport.NewHTTP(transport.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   cfg.Gateway.Token,
		Timeout: time.Duration(cfg.Gateway.Timeout) * time.Second,
	})

	schedule := make([]time.Duration, 0, len(cfg.Dispatch.RetrySchedule))
	for _, s := range cfg.Dispatch.RetrySchedule {
		schedule = append(schedule, time.Duration(s)*time.Second)
	}
	pool := dispatch.NewPool(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		SendTimeout: time.Duration(cfg.Gateway.Timeout) * time.Second,
		DeferDelay:  time.Duration(cfg.Dispatch.DeferDelay) * time.Second,
		GlobalRate:  cfg.Dispatch.GlobalRate,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		Schedule:    schedule,
	}, sched, st, st, tracker, limiter, gateway, stats)

	svc := campaign.NewService(st, st, tracker, subs, sched)

	// Put pending work of running campaigns back on the scheduler before
	// workers start pulling.
	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), 60*time.Second)
	if err := svc.Recover(recoverCtx); err != nil {
		cancelRecover()
		return fmt.Errorf("failed to recover pending tasks: %w", err)
	}
	cancelRecover()

	pool.Start()

	activator := campaign.NewActivator(svc, cfg.Activator.Spec)
	if err := activator.Start(); err != nil {
		return fmt.Errorf("failed to start activation sweep: %w", err)
	}

	apiServer := api.NewServer(cfg.Server.Listen, svc, st, tracker, stats)
	serverErrors := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			serverErrors <- fmt.Errorf("API server error: %w", err)
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Zapcast started", "listen", cfg.Server.Listen, "workers", cfg.Dispatch.Workers)

	select {
	case sig := <-signalChan:
		logger.Info("Received signal, shutting down", "signal", sig.String())
	case err := <-serverErrors:
		logger.Error("Server error", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping API server", "error", err)
	}
	activator.Stop()
	if err := pool.Stop(); err != nil {
		logger.Error("Error stopping dispatch pool", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
