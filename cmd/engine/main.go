// Package main is the entry point for the orchestration engine.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmesh/taskmesh/internal/api"
	"github.com/taskmesh/taskmesh/internal/approval"
	"github.com/taskmesh/taskmesh/internal/breaker"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/contracts"
	"github.com/taskmesh/taskmesh/internal/dispatch"
	"github.com/taskmesh/taskmesh/internal/eventlog"
	"github.com/taskmesh/taskmesh/internal/metrics"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/internal/scheduler"
	"github.com/taskmesh/taskmesh/internal/store"
	"github.com/taskmesh/taskmesh/internal/telemetry"
	"github.com/taskmesh/taskmesh/internal/validator"
	"github.com/taskmesh/taskmesh/pkg/types"
)

func main() {
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting engine",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	// Tracing
	shutdownTracing, err := telemetry.Setup(context.Background(), &telemetry.Config{
		Endpoint:    cfg.OTLPEndpoint,
		ServiceName: "taskmesh-engine",
		Enabled:     cfg.TracingEnabled,
	})
	if err != nil {
		logger.Error("tracing setup failed, continuing without it", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Event log backend
	var log eventlog.Log
	switch cfg.EventLogType {
	case "redis":
		redisLog, err := eventlog.NewRedisLog(&eventlog.RedisConfig{
			URL:             cfg.RedisURL,
			Password:        cfg.RedisPassword,
			DB:              cfg.RedisDB,
			Prefix:          "taskmesh:events",
			MaxPerAggregate: cfg.EventMaxLen,
		})
		if err != nil {
			logger.Error("redis event log unavailable, falling back to memory", "error", err)
			log = eventlog.NewMemoryLog(&eventlog.Config{MaxPerAggregate: cfg.EventMaxLen})
		} else {
			log = redisLog
			logger.Info("using redis event log", slog.String("url", cfg.RedisURL))
		}
	default:
		log = eventlog.NewMemoryLog(&eventlog.Config{MaxPerAggregate: cfg.EventMaxLen})
		logger.Info("using in-memory event log")
	}
	defer log.Close()

	// Core components
	st := store.NewMemoryStore()
	defer st.Close()
	reg := registry.NewMemoryRegistry()
	defer reg.Close()

	breakers := breaker.NewManager(&breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Cooldown:         cfg.BreakerCooldown,
		MaxCooldown:      cfg.BreakerMaxCooldown,
		Events:           log,
		OnStateChange: func(provider types.Provider, from, to breaker.State) {
			logger.Warn("breaker transition",
				slog.String("provider", string(provider)),
				slog.String("from", string(from)),
				slog.String("to", string(to)),
			)
			metrics.BreakerTransitionsTotal.WithLabelValues(string(provider), string(to)).Inc()
			metrics.BreakerState.WithLabelValues(string(provider)).Set(breakerStateValue(to))
		},
	})

	contractMgr := contracts.NewManager(log, logger)
	gate := approval.NewGate(log, logger)

	dispatcher := dispatch.New(newLoopbackInvoker(logger), breakers, &dispatch.Config{
		RateLimitRPS:   cfg.ProviderRateLimitRPS,
		RateLimitBurst: cfg.ProviderRateLimitBurst,
	}, logger)

	sched := scheduler.New(st, reg, contractMgr, gate, dispatcher, breakers, log, &scheduler.Config{
		TickInterval:            cfg.TickInterval,
		SweepInterval:           cfg.SweepInterval,
		MaxConcurrentDispatches: cfg.MaxConcurrentDispatches,
		ReadyBatchSize:          cfg.ReadyBatchSize,
		DefaultMaxRetries:       cfg.DefaultMaxRetries,
		RetryBackoff:            cfg.RetryBackoff,
		MaxRetryBackoff:         cfg.MaxRetryBackoff,
		ApprovalThreshold:       cfg.ApprovalThreshold,
		DefaultApprovalTTL:      cfg.DefaultApprovalTTL,
	}, logger)

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		os.Exit(1)
	}

	handlers := api.NewHandlers(st, sched, reg, contractMgr, gate, breakers, log, v, cfg, logger)
	server := api.NewServer(handlers)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Scheduler loop
	schedCtx, stopSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(schedCtx); err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	// HTTP server
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	stopSched()
	select {
	case <-schedDone:
	case <-ctx.Done():
		logger.Warn("scheduler did not drain before deadline")
	}

	if err := shutdownTracing(ctx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("engine stopped")
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
