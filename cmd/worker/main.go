package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herald/internal/config"
	"herald/internal/domain/notification"
	"herald/internal/infra/orphan"
	"herald/internal/infra/queue"
	"herald/internal/infra/store"
	"herald/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if !cfg.Queue.Enabled || cfg.Redis.Address == "" {
		slog.Error("worker requires queue.enabled and redis.address")
		os.Exit(1)
	}

	slog.Info("worker configuration loaded", "store", cfg.Store.Driver)

	// ==========================================
	// Dependency Injection (Manual Wiring)
	// ==========================================

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		if m, err = metrics.New(prometheus.DefaultRegisterer); err != nil {
			slog.Error("failed to initialize metrics", "error", err)
			os.Exit(1)
		}
	}

	// Store
	notifStore, closeStore, err := store.Open(store.Options{
		Driver:      cfg.Store.Driver,
		SQLitePath:  cfg.Store.SQLitePath,
		SupabaseURL: cfg.Supabase.URL,
		SupabaseKey: cfg.Supabase.ServiceKey,
	})
	if err != nil {
		slog.Error("failed to initialize store", "error", err, "driver", cfg.Store.Driver)
		os.Exit(1)
	}
	defer closeStore()
	slog.Info("store initialized", "driver", cfg.Store.Driver)

	// Orphan store shared with the API servers
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	orphans := orphan.NewRedisStore(redisClient, "herald")

	tracker := notification.NewTracker(notifStore, m)
	reconciler := notification.NewReconciler(tracker, orphans, m)
	worker := notification.NewWorker(reconciler)

	// ==========================================
	// Asynq Server (task processing)
	// ==========================================

	asynqServer := queue.NewServer(
		cfg.Redis.Address,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Queue.Concurrency,
		time.Duration(cfg.Queue.RetryDelaySec)*time.Second,
	)

	mux := queue.NewServeMux(worker)

	// Start the asynq worker in a goroutine
	go func() {
		slog.Info("worker starting",
			"concurrency", cfg.Queue.Concurrency,
			"redis", cfg.Redis.Address,
		)
		if err := asynqServer.Run(mux); err != nil {
			slog.Error("worker failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// ==========================================
	// Orphan Reaper
	// ==========================================

	reaperCtx, reaperCancel := context.WithCancel(context.Background())
	defer reaperCancel()

	reaper := notification.NewReaper(orphans, reconciler, m, notification.ReaperConfig{
		Interval:   time.Duration(cfg.Reaper.IntervalSec) * time.Second,
		RetryDelay: time.Duration(cfg.Reaper.RetryDelaySec) * time.Second,
		MaxAge:     time.Duration(cfg.Reaper.MaxAgeSec) * time.Second,
		BatchSize:  cfg.Reaper.BatchSize,
	})

	go reaper.Run(reaperCtx)

	// ==========================================
	// Graceful Shutdown
	// ==========================================

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	reaperCancel() // Stop the reaper first
	asynqServer.Shutdown()
	slog.Info("worker exited gracefully")
}
