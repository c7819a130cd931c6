package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/chatforge/gateway/internal/api"
	"github.com/chatforge/gateway/internal/auth"
	"github.com/chatforge/gateway/internal/config"
	"github.com/chatforge/gateway/internal/domain"
	"github.com/chatforge/gateway/internal/gateway"
	"github.com/chatforge/gateway/internal/notifications"
	"github.com/chatforge/gateway/internal/pricing"
	"github.com/chatforge/gateway/internal/provider"
	"github.com/chatforge/gateway/internal/provider/anthropic"
	"github.com/chatforge/gateway/internal/provider/openai"
	"github.com/chatforge/gateway/internal/provider/openrouter"
	"github.com/chatforge/gateway/internal/queue"
	"github.com/chatforge/gateway/internal/quota"
	"github.com/chatforge/gateway/internal/ratelimit"
	"github.com/chatforge/gateway/internal/repository"
	"github.com/chatforge/gateway/internal/secrets"
	"github.com/chatforge/gateway/internal/telemetry"
	"github.com/chatforge/gateway/internal/usage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting chatforge gateway", "addr", cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "chatforge-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	keys := secrets.ProviderKeys{
		OpenAI:     cfg.OpenAIAPIKey,
		Anthropic:  cfg.AnthropicAPIKey,
		OpenRouter: cfg.OpenRouterAPIKey,
	}
	if cfg.ProviderKeySecret != "" && cfg.AWSRegion != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("failed to initialize secrets manager", "error", err)
			os.Exit(1)
		}
		if err := secrets.LoadProviderKeys(ctx, store, cfg.ProviderKeySecret, &keys); err != nil {
			slog.Error("failed to load provider keys", "error", err)
			os.Exit(1)
		}
		slog.Info("provider keys loaded from secrets manager")
	}

	var adapters []provider.Adapter
	if keys.OpenAI != "" {
		adapters = append(adapters, openai.New(keys.OpenAI, cfg.OpenAIBaseURL))
		slog.Info("registered provider", "provider", "openai")
	}
	if keys.Anthropic != "" {
		adapters = append(adapters, anthropic.New(keys.Anthropic))
		slog.Info("registered provider", "provider", "anthropic")
	}
	if keys.OpenRouter != "" {
		adapters = append(adapters, openrouter.New(keys.OpenRouter, cfg.OpenRouterReferer, cfg.OpenRouterTitle))
		slog.Info("registered provider", "provider", "openrouter")
	}
	if len(adapters) == 0 {
		slog.Error("no providers configured")
		os.Exit(1)
	}

	defaults := domain.Limits{
		Global:  cfg.DefaultGlobalTokenLimit,
		Monthly: cfg.DefaultMonthlyTokenLimit,
	}

	var (
		users    repository.UserStore
		limits   repository.LimitsStore
		usageDB  repository.UsageStore
		db       *sql.DB
		checkers []api.HealthChecker
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}

		users = repository.NewPostgresUserStore(db)
		limits = repository.NewPostgresLimitsStore(db, defaults)
		usageDB = repository.NewPostgresUsageStore(db)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres stores")
	} else {
		mem := repository.NewMemoryStore(defaults)
		users, limits, usageDB = mem, mem, mem
		slog.Warn("no DATABASE_URL configured, using in-memory stores")
	}

	var publisher usage.Publisher
	if cfg.UsageSQSQueueURL != "" && cfg.AWSRegion != "" {
		publisher, err = queue.NewSQSPublisher(ctx, cfg.AWSRegion, cfg.UsageSQSQueueURL)
		if err != nil {
			slog.Error("failed to initialize usage queue", "error", err)
			os.Exit(1)
		}
		slog.Info("usage events exported to sqs", "queue", cfg.UsageSQSQueueURL)
	}

	recorder := usage.NewRecorder(usageDB, publisher)
	enforcer := quota.NewEnforcer(users, limits, usageDB)
	calculator := pricing.NewCalculator()

	gw, err := gateway.New(adapters, enforcer, recorder, calculator)
	if err != nil {
		slog.Error("failed to construct gateway", "error", err)
		os.Exit(1)
	}

	monitor := quota.NewMonitor(usageDB, quota.DefaultThresholds())
	monitor.OnAlert(quota.LogAlertHandler)
	if cfg.AlertSNSTopicARN != "" && cfg.AWSRegion != "" {
		notifier, err := notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertSNSTopicARN)
		if err != nil {
			slog.Error("failed to initialize sns notifier", "error", err)
			os.Exit(1)
		}
		monitor.OnAlert(notifications.AlertHandler(notifier))
		slog.Info("quota alerts published to sns", "topic", cfg.AlertSNSTopicARN)
	}
	gw.SetAlertMonitor(monitor)

	var rateLimiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		redisLimiter, err := ratelimit.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisLimiter.Close()
		rateLimiter = redisLimiter
		checker, err := api.NewRedisHealthChecker(cfg.RedisURL)
		if err == nil {
			checkers = append(checkers, checker)
		}
		slog.Info("using redis rate limiter")
	} else {
		rateLimiter = ratelimit.NewMemoryLimiter()
		slog.Info("using in-memory rate limiter")
	}

	var authMiddleware *auth.Middleware
	if cfg.APIAuthEnabled {
		if db == nil {
			slog.Error("API_AUTH_ENABLED requires DATABASE_URL")
			os.Exit(1)
		}
		authMiddleware = auth.NewMiddleware(auth.NewAuthenticator(auth.NewPostgresKeyStore(db)))
		slog.Info("api key auth enabled")
	}

	handler := api.NewHandler(api.HandlerConfig{
		Gateway:      gw,
		RateLimiter:  rateLimiter,
		RateLimitRPM: cfg.RateLimitPerMinute,
		Auth:         authMiddleware,
		Checkers:     checkers,
	})

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
