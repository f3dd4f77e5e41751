package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"request-network/internal/cache"
	"request-network/internal/metrics"
	"request-network/internal/middleware"
	"request-network/internal/services"
)

// HealthCheck probes one backing service.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Auth       *services.AuthService
	Principals *services.PrincipalService
	Registry   *services.Registry
	Lifecycle  *services.Lifecycle
	Cache      *cache.CacheManager
	Monitor    taskMonitor
	Exports    exportService
	Dispatcher exportDispatcher
	Hub        *EventHub

	TokenTTL         time.Duration
	RateLimitPerHour int
	CacheTTL         time.Duration
	Checks           map[string]HealthCheck
	Log              *zap.Logger
}

// NewRouter wires every route. The websocket route is only added when a
// hub is given.
func NewRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(d.Log))
	router.Use(middleware.CORS())
	router.Use(middleware.ValidationMiddleware())

	authHandler := NewAuthHandler(d.Auth, d.Principals, d.TokenTTL, d.Log)
	requestHandler := NewRequestHandler(d.Lifecycle, d.Log)
	registryHandler := NewRegistryHandler(d.Registry, d.Log)
	adminHandler := NewAdminHandler(d.Monitor, d.Exports, d.Dispatcher, d.Cache, d.Lifecycle, d.CacheTTL, d.Log)

	// Public routes
	router.POST("/api/auth/login", authHandler.Login)
	router.GET("/health", health(d.Checks))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	authenticated := middleware.AuthMiddleware(d.Auth, d.Principals)

	api := router.Group("/api")
	api.Use(authenticated)
	api.Use(middleware.RateLimitMiddleware(d.Cache, d.RateLimitPerHour))

	api.POST("/auth/logout", authHandler.Logout)
	api.GET("/auth/me", authHandler.Me)

	api.POST("/requests", requestHandler.SubmitRequest)
	api.GET("/requests", requestHandler.ListRequests)
	api.GET("/requests/stats", requestHandler.GetStats)
	api.GET("/requests/usage/:request_type_id", requestHandler.GetUsage)
	api.POST("/requests/retry-all-failed", requestHandler.RetryAllFailed)
	api.GET("/requests/:id", requestHandler.GetRequest)
	api.POST("/requests/:id/retry", requestHandler.RetryRequest)
	api.POST("/requests/:id/cancel", requestHandler.CancelRequest)

	api.GET("/request-types", registryHandler.ListRequestTypes)
	api.GET("/request-types/:id", registryHandler.GetRequestType)

	admin := api.Group("")
	admin.Use(middleware.RequireAdmin())

	admin.GET("/users", authHandler.ListUsers)
	admin.POST("/users", authHandler.CreateUser)
	admin.POST("/users/:id/suspend", authHandler.SuspendUser)
	admin.POST("/users/:id/activate", authHandler.ActivateUser)
	admin.POST("/users/export/now", adminHandler.ExportUsersNow)
	admin.GET("/users/export/status/:task_id", adminHandler.ExportUsersStatus)

	admin.POST("/request-types", registryHandler.CreateRequestType)
	admin.PUT("/request-types/:id", registryHandler.UpdateRequestType)
	admin.DELETE("/request-types/:id", registryHandler.DeleteRequestType)
	admin.PUT("/request-types/:id/configure", registryHandler.ConfigureParameters)
	admin.PUT("/request-types/:id/query", registryHandler.ConfigureQuery)
	admin.GET("/request-types/:id/profile-access", registryHandler.ListProfileAccess)
	admin.POST("/request-types/:id/profile-access", registryHandler.UpsertProfileAccess)
	admin.DELETE("/request-types/:id/profile-access/:profile_type", registryHandler.DeleteProfileAccess)
	admin.GET("/request-types/:id/access", registryHandler.ListUserAccess)
	admin.POST("/request-types/:id/access", registryHandler.UpsertUserAccess)
	admin.DELETE("/request-types/:id/access/:user_id", registryHandler.DeleteUserAccess)

	admin.GET("/profile-types", registryHandler.ListProfileTypes)
	admin.POST("/profile-types", registryHandler.CreateProfileType)
	admin.GET("/profile-types/:name", registryHandler.GetProfileType)
	admin.PUT("/profile-types/:name", registryHandler.UpdateProfileType)
	admin.DELETE("/profile-types/:name", registryHandler.DeleteProfileType)

	admin.GET("/admin/tasks/queue/stats", adminHandler.QueueStats)
	admin.GET("/admin/tasks/queue/pending", adminHandler.PendingTasks)
	admin.DELETE("/admin/tasks/queue/clear", adminHandler.ClearQueue)
	admin.GET("/admin/tasks/workers/stats", adminHandler.WorkerStats)
	admin.POST("/admin/tasks/:task_id/skip", adminHandler.SkipTask)
	admin.POST("/admin/tasks/:task_id/cancel", adminHandler.CancelTask)

	admin.GET("/admin/exports/config", adminHandler.GetExportConfig)
	admin.POST("/admin/exports/config", adminHandler.SaveExportConfig)
	admin.POST("/admin/exports/test", adminHandler.TestExportDestination)
	admin.GET("/admin/exports/status", adminHandler.ExportStatus)
	admin.POST("/admin/exports/run", adminHandler.RunEnabledExports)
	admin.POST("/admin/exports/run/:kind", adminHandler.RunExport)

	admin.GET("/admin/cache/stats", adminHandler.CacheStats)
	admin.DELETE("/admin/cache/clear", adminHandler.ClearCache)
	admin.POST("/admin/cache/optimize", adminHandler.OptimizeCache)
	admin.GET("/admin/usage/top", adminHandler.TopPrincipals)

	if d.Hub != nil {
		router.GET("/ws/requests", authenticated, middleware.RequireAdmin(), d.Hub.HandleConnections)
	}

	return router
}

// health reports every check. Any failing check makes the service
// unhealthy.
func health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = "unavailable: " + err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "connected"
		}

		overall := "healthy"
		if status != http.StatusOK {
			overall = "unhealthy"
		}
		c.JSON(status, gin.H{
			"status":    overall,
			"timestamp": time.Now().Unix(),
			"services":  results,
		})
	}
}
