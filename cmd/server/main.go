package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"casehooks/internal/api"
	"casehooks/internal/api/handlers"
	"casehooks/internal/api/middleware"
	"casehooks/internal/engine/webhooks"
	"casehooks/internal/pkg/logger"
	"casehooks/internal/platform/audit"
	"casehooks/internal/platform/auth"
	"casehooks/internal/platform/config"
	"casehooks/internal/platform/database"
	"casehooks/internal/platform/metrics"
	"casehooks/internal/platform/repositories"
	"casehooks/internal/platform/secrets"
	"casehooks/internal/platform/stats"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logging, "casehooks-server")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		applied, err := database.Migrate(ctx, db)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			log.Info().Strs("migrations", applied).Msg("database migrated")
		}
	}

	box, err := secrets.NewBox(cfg.Webhooks.SecretKey)
	if err != nil {
		return err
	}
	if !box.Enabled() {
		log.Warn().Msg("webhooks.secret_key not set, webhook secrets are stored in plaintext")
	}

	// Repositories
	webhookRepo := repositories.NewWebhookRepository(db, box)
	deliveryRepo := repositories.NewDeliveryRepository(db)

	// Dispatcher
	sender := webhooks.NewHTTPSender(
		webhooks.WithTimeout(cfg.Webhooks.RequestTimeout),
		webhooks.WithUserAgent(cfg.Webhooks.UserAgent),
		webhooks.WithMaxResponseBytes(cfg.Webhooks.MaxResponseBytes),
	)
	dispatcher := webhooks.NewDispatcher(webhookRepo, deliveryRepo, sender).
		WithConcurrency(cfg.Webhooks.Concurrency).
		WithRetry(webhooks.RetryPolicy{MaxAttempts: cfg.Webhooks.RetryAttempts, Backoff: cfg.Webhooks.RetryBackoff})

	registry := prometheus.NewRegistry()
	var metricsHandler *handlers.MetricsHandler
	if cfg.Metrics.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		dispatcher.WithMetrics(metrics.NewPrometheusSink(registry))
		metricsHandler = handlers.NewMetricsHandler(registry)
	} else {
		dispatcher.WithMetrics(metrics.NewNoopSink())
	}

	var statsReader handlers.StatsReader
	var redisPing handlers.Pinger
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		recorder := stats.NewRedisRecorder(client, cfg.Redis.KeyPrefix, cfg.Redis.StatsTTL)
		dispatcher.WithStats(recorder)
		statsReader = recorder
		redisPing = handlers.PingFunc(recorder.Ping)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("delivery stats enabled")
	}

	service := webhooks.NewService(webhookRepo, deliveryRepo, dispatcher)
	tokenSvc := auth.NewTokenService(cfg.JWT)

	auditLog := audit.NewLogger(db)

	router := api.NewRouter(&api.Dependencies{
		WebhookHandler: handlers.NewWebhookHandler(service, statsReader).WithAudit(auditLog),
		AuditHandler:   handlers.NewAuditHandler(auditLog),
		HealthHandler:  handlers.NewHealthHandler(db, redisPing),
		MetricsHandler: metricsHandler,
		MetricsPath:    cfg.Metrics.Path,
		AuthMiddleware: middleware.NewAuthMiddleware(tokenSvc),
		APILimiter:     middleware.NewRateLimiter(cfg.RateLimit.APIPerMinute),
		TestLimiter:    middleware.NewRateLimiter(cfg.RateLimit.TestPerMinute),
		Logger:         log.Logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("in-flight webhook deliveries cancelled")
	}

	log.Info().Msg("server stopped")
	return nil
}
