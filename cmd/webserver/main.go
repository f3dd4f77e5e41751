package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"request-network/configs"
	"request-network/internal/cache"
	"request-network/internal/database"
	"request-network/internal/export"
	"request-network/internal/handlers"
	"request-network/internal/logger"
	"request-network/internal/quota"
	"request-network/internal/services"
	"request-network/internal/tasks"
)

// @title Request Network API
// @version 1.0
// @description Request admission, quota enforcement and asynchronous task coordination

// @host localhost:8080
// @BasePath /

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

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
		logg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *configs.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbm, err := database.NewDBManager(cfg, logg)
	if err != nil {
		return err
	}
	defer dbm.Close()
	if err := dbm.Migrate(); err != nil {
		return err
	}
	if err := dbm.SeedBuiltinProfileTypes(ctx); err != nil {
		return err
	}

	authService := services.NewAuthService(dbm.WriteDB, cfg.JWTSecret, cfg.JWTTTL)

	seed := cfg.Export
	if seed.FTPPassword != "" {
		if seed.FTPPassword, err = authService.EncryptSecret(seed.FTPPassword); err != nil {
			return err
		}
	}
	if err := dbm.SeedExportConfig(ctx, seed); err != nil {
		return err
	}

	// Cache and quota counters share Redis when it is reachable.
	cacheMgr := cache.NewCacheManager(cfg.RedisURL, logg)
	defer cacheMgr.Close()

	var ledger quota.Ledger = quota.NewMemoryLedger()
	if client := cacheMgr.Client(); client != nil {
		ledger = quota.NewRedisLedger(client)
	} else {
		logg.Warn("redis unavailable, quota counters are local to this process")
	}

	// Broker
	redisOpt, err := tasks.RedisOpt(cfg.RedisURL)
	if err != nil {
		return err
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	dispatcher := tasks.NewDispatcher(client, inspector, cfg.Tasks.Queue, cfg.Tasks.ProcessingTimeout)

	// Services
	principals := services.NewPrincipalService(dbm.WriteDB, authService)
	if cfg.AdminPassword != "" {
		created, err := principals.EnsureAdmin(ctx, services.CreatePrincipalInput{
			Username: cfg.AdminUsername,
			Email:    cfg.AdminEmail,
			Password: cfg.AdminPassword,
		})
		if err != nil {
			return err
		}
		if created {
			logg.Info("bootstrap administrator created", zap.String("username", cfg.AdminUsername))
		}
	}
	registry := services.NewRegistry(dbm.WriteDB)
	lifecycle := services.NewLifecycle(dbm.WriteDB, registry, services.NewAccessPolicy(dbm.WriteDB), ledger,
		dispatcher, cacheMgr, services.LifecycleConfig{
			ProcessingTimeout:   cfg.Tasks.ProcessingTimeout,
			DispatchMaxAttempts: cfg.Tasks.DispatchMaxAttempts,
			DispatchBackoff:     cfg.Tasks.DispatchBackoff,
			StatsTTL:            cfg.CacheTTL,
		}, logg)
	lifecycle.UseReadReplicas(dbm.GetReadDB)

	monitor := tasks.NewMonitor(inspector, cfg.Tasks.Queue, lifecycle, cacheMgr, logg)
	exports := export.NewCoordinator(dbm.WriteDB, authService, export.Options{
		MaxAttempts: cfg.Export.MaxAttempts,
		LockTTL:     cfg.Export.LockTTL,
	}, logg)

	go tasks.NewSweeper(lifecycle, cfg.Tasks.SweepInterval, logg).PurgeTokens(authService).Run(ctx)

	var hub *handlers.EventHub
	if cfg.EnableWebSocket {
		hub = handlers.NewEventHub(logg)
		cacheMgr.Subscribe(hub.Publish)
		go hub.Run(ctx)
	}

	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.Deps{
		Auth:             authService,
		Principals:       principals,
		Registry:         registry,
		Lifecycle:        lifecycle,
		Cache:            cacheMgr,
		Monitor:          monitor,
		Exports:          exports,
		Dispatcher:       dispatcher,
		Hub:              hub,
		TokenTTL:         cfg.JWTTTL,
		RateLimitPerHour: cfg.RateLimitPerHour,
		CacheTTL:         cfg.CacheTTL,
		Checks: map[string]handlers.HealthCheck{
			"database": dbm.Ping,
			"redis":    cacheMgr.Ping,
			"broker": func(context.Context) error {
				_, err := inspector.Queues()
				return err
			},
		},
		Log: logg,
	})
	if cfg.EnableWebSocket {
		logg.Info("websocket stream enabled", zap.String("path", "/ws/requests"))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info("server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
