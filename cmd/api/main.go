package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/prguard/engine/internal/api"
	"github.com/prguard/engine/internal/api/handlers"
	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/queue/tasks"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/secrets"
	"github.com/prguard/engine/internal/services"
	"github.com/prguard/engine/pkg/config"
	"github.com/prguard/engine/pkg/database"
	"github.com/prguard/engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat, logger.WithFile(cfg.LogFile))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	log.Info("starting webhook gateway",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.HTTPAddr),
	)

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, cfg.AppEnv == "development")
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("failed to access database pool", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	src, err := secrets.NewSource(cfg.SecretBackend, rdb)
	if err != nil {
		log.Fatal("failed to configure secrets", zap.Error(err))
	}
	store := secrets.NewCachedStore(src, cfg.SecretCacheTTL)

	client := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer client.Close()
	publisher := bus.New(client, tasks.Subscriptions(), asynq.MaxRetry(10))

	webhooks := services.NewWebhookService(
		services.WebhookConfig{SecretID: cfg.WebhookSecretID, ExecutionTTL: cfg.ExecutionTTL},
		store,
		repository.NewDeliveryRepository(db, cfg.DedupTTL),
		repository.NewExecutionRepository(db),
		publisher,
	)

	router := api.NewRouter(api.Dependencies{
		Webhooks: webhooks,
		Checks: map[string]handlers.Checker{
			"database": sqlDB.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	} else {
		log.Info("server exited gracefully")
	}
}
