package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"herald/internal/config"
	"herald/internal/domain/notification"
	"herald/internal/infra/orphan"
	"herald/internal/infra/queue"
	"herald/internal/infra/ratelimit"
	"herald/internal/infra/store"
	"herald/internal/infra/template"
	"herald/internal/metrics"
	"herald/internal/router"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
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

	slog.Info("configuration loaded", "port", cfg.Server.Port, "mode", cfg.Server.Mode, "store", cfg.Store.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ==========================================
	// Dependency Injection (Manual Wiring)
	// ==========================================

	// Metrics
	var (
		m              *metrics.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if m, err = metrics.New(registry); err != nil {
			slog.Error("failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		metricsHandler = metrics.Handler(registry)
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

	// Template Engine
	tmplEngine, err := template.NewEngine()
	if err != nil {
		slog.Error("failed to initialize template engine", "error", err)
		os.Exit(1)
	}

	// Channel senders
	senders, err := buildSenders(ctx, cfg, m)
	if err != nil {
		slog.Error("failed to initialize providers", "error", err)
		os.Exit(1)
	}

	// Redis-backed features
	var (
		orphans          notification.OrphanStore = orphan.NewMemoryStore()
		recipientLimiter notification.RecipientRateLimiter
		enqueuer         notification.WebhookEnqueuer
	)
	if cfg.Redis.Address != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		orphans = orphan.NewRedisStore(redisClient, "herald")
		recipientLimiter = ratelimit.NewRedisRecipientLimiter(redisClient, cfg.RecipientRateLimit.MaxPerHour, time.Hour)
		slog.Info("redis features initialized",
			"redis", cfg.Redis.Address,
			"recipient_max_per_hour", cfg.RecipientRateLimit.MaxPerHour,
		)

		if cfg.Queue.Enabled {
			asynqClient := queue.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
			defer asynqClient.Close()
			enqueuer = queue.NewEnqueuer(asynqClient, cfg.Queue.MaxRetry)
			slog.Info("webhook queue enabled", "max_retry", cfg.Queue.MaxRetry)
		}
	}

	// Domain
	tracker := notification.NewTracker(notifStore, m)
	dispatcher := notification.NewDispatcher(tracker, tmplEngine, m, senders...)
	reconciler := notification.NewReconciler(tracker, orphans, m)

	// Without a queue this process owns webhook reconciliation, and therefore
	// the orphans it parks.
	if enqueuer == nil {
		reaper := notification.NewReaper(orphans, reconciler, m, notification.ReaperConfig{
			Interval:   time.Duration(cfg.Reaper.IntervalSec) * time.Second,
			RetryDelay: time.Duration(cfg.Reaper.RetryDelaySec) * time.Second,
			MaxAge:     time.Duration(cfg.Reaper.MaxAgeSec) * time.Second,
			BatchSize:  cfg.Reaper.BatchSize,
		})
		go reaper.Run(ctx)
	}

	// Handler
	notificationHandler := notification.NewHandler(dispatcher, reconciler, enqueuer, recipientLimiter)

	// Router
	r := router.New(cfg, notificationHandler, metricsHandler)

	// ==========================================
	// HTTP Server with Graceful Shutdown
	// ==========================================

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		slog.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	slog.Info("shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server exited gracefully")
}
