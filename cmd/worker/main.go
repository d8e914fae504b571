package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/prguard/engine/internal/analyzer"
	"github.com/prguard/engine/internal/bus"
	"github.com/prguard/engine/internal/queue/tasks"
	"github.com/prguard/engine/internal/repository"
	"github.com/prguard/engine/internal/scm"
	"github.com/prguard/engine/internal/secrets"
	"github.com/prguard/engine/internal/services"
	"github.com/prguard/engine/pkg/config"
	"github.com/prguard/engine/pkg/database"
	"github.com/prguard/engine/pkg/logger"
)

const (
	analyzerTimeout  = 2 * time.Minute
	retentionTimeout = 5 * time.Minute
)

func main() {
	cfg := config.MustLoad()
	log, err := logger.Init(cfg.LogLevel, cfg.LogFormat, logger.WithFile(cfg.LogFile))
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	defer rdb.Close()

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis connection failed", zap.Error(err))
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.L().Warn("task attempt failed",
				zap.String("task", t.Type()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err))
		}),
	})

	ctx := context.Background()
	db, err := database.OpenPostgres(ctx, cfg.DatabaseURL, cfg.AppEnv == "development")
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}

	src, err := secrets.NewSource(cfg.SecretBackend, rdb)
	if err != nil {
		log.Fatal("failed to configure secrets", zap.Error(err))
	}
	store := secrets.NewCachedStore(src, cfg.SecretCacheTTL)

	client := asynq.NewClient(redisOpt)
	defer client.Close()
	publisher := bus.New(client, tasks.Subscriptions(), asynq.MaxRetry(10))

	executions := repository.NewExecutionRepository(db)
	deliveries := repository.NewDeliveryRepository(db, cfg.DedupTTL)
	cache := repository.NewAnalysisCacheRepository(db, cfg.CacheTTL)
	github := scm.NewClientCache(store, cfg.GitHubTokenSecretID, cfg.GitHubAPIURL)

	analysis := services.NewAnalysisService(
		executions,
		cache,
		github,
		analyzer.NewHTTPAnalyzer(cfg.AnalyzerURL, &http.Client{Timeout: analyzerTimeout}),
		publisher,
	)
	gate := services.NewDeploymentGate(services.GateConfig{
		AutoApproveThreshold:    cfg.AutoApproveThreshold,
		DeploymentRiskThreshold: cfg.DeploymentRiskThreshold,
		RequireTests:            cfg.RequireTests,
		RequiredChecks:          cfg.RequiredChecks,
		Strategy:                cfg.DeploymentStrategy,
		Environment:             cfg.DeploymentEnvironment,
		Label:                   cfg.DeploymentLabel,
	}, executions, github, publisher)
	// Attempts are bounded by the per-attempt context, not a client timeout.
	executor := services.NewDeploymentExecutor(services.ExecutorConfig{
		TargetURL:     cfg.DeployTargetURL,
		RollbackURL:   cfg.DeployRollbackURL,
		TokenSecretID: cfg.DeployTokenSecretID,
		Timeout:       cfg.DeployTimeout,
		MaxRetries:    cfg.DeployMaxRetries,
		Delay:         cfg.DeployDelay,
		OrgID:         cfg.OrgID,
	}, executions, store, &http.Client{}, publisher)
	reconciler := services.NewStatusReconciler(executions, github)

	mux := asynq.NewServeMux()
	tasks.NewPipelineTaskHandler(analysis, gate, executor, reconciler).Register(mux)

	retention := services.NewRetentionService(map[string]services.Purger{
		"executions":         executions,
		"webhook_deliveries": deliveries,
		"analysis_cache":     cache,
	})
	sched := cron.New()
	if _, err := services.ScheduleRetention(sched, cfg.RetentionSchedule, retention, retentionTimeout); err != nil {
		log.Fatal("failed to schedule retention sweep", zap.Error(err))
	}
	sched.Start()

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("asynq worker starting", zap.Int("concurrency", cfg.AsynqConcurrency))
		if err := srv.Run(mux); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.L().Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.L().Error("worker stopped with error", zap.Error(err))
	}

	<-sched.Stop().Done()
	srv.Shutdown()
}
