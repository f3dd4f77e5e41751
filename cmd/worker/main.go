package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"request-network/configs"
	"request-network/internal/cache"
	"request-network/internal/database"
	"request-network/internal/export"
	"request-network/internal/logger"
	"request-network/internal/quota"
	"request-network/internal/search"
	"request-network/internal/services"
	"request-network/internal/tasks"
)

func main() {
	cfg, err := configs.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	logg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Fatal("worker stopped", zap.Error(err))
	}
}

func run(cfg *configs.Config, logg *zap.Logger) error {
	dbm, err := database.NewDBManager(cfg, logg)
	if err != nil {
		return err
	}
	defer dbm.Close()

	cacheMgr := cache.NewCacheManager(cfg.RedisURL, logg)
	defer cacheMgr.Close()

	redisOpt, err := tasks.RedisOpt(cfg.RedisURL)
	if err != nil {
		return err
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	var ledger quota.Ledger = quota.NewMemoryLedger()
	if rc := cacheMgr.Client(); rc != nil {
		ledger = quota.NewRedisLedger(rc)
	}

	authService := services.NewAuthService(dbm.WriteDB, cfg.JWTSecret, cfg.JWTTTL)
	registry := services.NewRegistry(dbm.WriteDB)
	lifecycle := services.NewLifecycle(dbm.WriteDB, registry, services.NewAccessPolicy(dbm.WriteDB), ledger,
		tasks.NewDispatcher(client, inspector, cfg.Tasks.Queue, cfg.Tasks.ProcessingTimeout),
		cacheMgr, services.LifecycleConfig{
			ProcessingTimeout:   cfg.Tasks.ProcessingTimeout,
			DispatchMaxAttempts: cfg.Tasks.DispatchMaxAttempts,
			DispatchBackoff:     cfg.Tasks.DispatchBackoff,
			StatsTTL:            cfg.CacheTTL,
		}, logg)

	executor, err := search.NewElasticExecutor(cfg.Elasticsearch.Addresses(), cfg.Elasticsearch.DefaultIndex, nil)
	if err != nil {
		return err
	}
	if err := executor.Ping(context.Background()); err != nil {
		logg.Warn("elasticsearch is not reachable yet", zap.Error(err))
	}

	exports := export.NewCoordinator(dbm.WriteDB, authService, export.Options{
		MaxAttempts: cfg.Export.MaxAttempts,
		LockTTL:     cfg.Export.LockTTL,
	}, logg)

	sugar := logg.Sugar()
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Tasks.WorkerConcurrency,
		Queues:      map[string]int{cfg.Tasks.Queue: 1},
		Logger:      sugar,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logg.Warn("task failed", zap.String("task_id", id), zap.String("type", t.Type()), zap.Error(err))
		}),
	})

	mux := asynq.NewServeMux()
	tasks.NewWorker(lifecycle, registry, executor, exports, cacheMgr, logg).Register(mux)

	if err := srv.Start(mux); err != nil {
		return err
	}
	logg.Info("worker started",
		zap.String("worker", tasks.WorkerName()),
		zap.String("queue", cfg.Tasks.Queue),
		zap.Int("concurrency", cfg.Tasks.WorkerConcurrency))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	<-sigs

	logg.Info("shutting down worker")
	srv.Shutdown()
	return nil
}
