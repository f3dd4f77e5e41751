package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"request-network/internal/apperrors"
	"request-network/internal/cache"
	"request-network/internal/export"
	"request-network/internal/models"
	"request-network/internal/services"
	"request-network/internal/tasks"
)

const topPrincipalsKey = "requests:top:last24h"

type taskMonitor interface {
	QueueStats(ctx context.Context) (*tasks.QueueStats, error)
	WorkerSnapshots(ctx context.Context) ([]tasks.WorkerSnapshot, error)
	PendingTasks(ctx context.Context, limit int) ([]tasks.TaskSummary, error)
	TaskStatus(ctx context.Context, taskID string) (*tasks.TaskSummary, error)
	Skip(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	ClearQueue(ctx context.Context) (int, error)
}

type exportService interface {
	GetConfig(ctx context.Context) (*models.ExportConfig, error)
	Configure(ctx context.Context, in export.ConfigInput) (*models.ExportConfig, error)
	CheckDestination(ctx context.Context) error
	RunExport(ctx context.Context, kind string) (*export.Result, error)
	Status(ctx context.Context) ([]models.ExportStatus, error)
	KindStatus(ctx context.Context, kind string) (*models.ExportStatus, error)
	EnabledKinds(ctx context.Context) ([]string, error)
}

type exportDispatcher interface {
	DispatchExport(ctx context.Context, kind string) (services.TaskHandle, error)
}

type cacheAdmin interface {
	Stats(ctx context.Context) cache.Stats
	Flush(ctx context.Context) error
	Optimize() int
	Get(key string, target interface{}) (bool, error)
	Set(key string, value interface{}, ttl time.Duration) error
}

type usageRanker interface {
	TopPrincipals(ctx context.Context, window time.Duration, limit int) (*services.TopPrincipalsReport, error)
}

type AdminHandler struct {
	monitor    taskMonitor
	exports    exportService
	dispatcher exportDispatcher
	cache      cacheAdmin
	usage      usageRanker
	cacheTTL   time.Duration
	log        *zap.Logger
}

func NewAdminHandler(monitor taskMonitor, exports exportService, dispatcher exportDispatcher,
	cm cacheAdmin, usage usageRanker, cacheTTL time.Duration, log *zap.Logger) *AdminHandler {
	return &AdminHandler{
		monitor:    monitor,
		exports:    exports,
		dispatcher: dispatcher,
		cache:      cm,
		usage:      usage,
		cacheTTL:   cacheTTL,
		log:        log,
	}
}

// ExportConfigResponse hides the stored FTP password and only reports
// whether one is set.
type ExportConfigResponse struct {
	*models.ExportConfig
	FTPPasswordSet bool `json:"ftp_password_set"`
}

type ExportStatusResponse struct {
	TaskID string               `json:"task_id"`
	Task   *tasks.TaskSummary   `json:"task,omitempty"`
	Export *models.ExportStatus `json:"export"`
}

// QueueStats reports broker queue counters
// @Summary Queue statistics
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} tasks.QueueStats
// @Router /api/admin/tasks/queue/stats [get]
func (h *AdminHandler) QueueStats(c *gin.Context) {
	stats, err := h.monitor.QueueStats(c.Request.Context())
	if err != nil {
		respondError(c, h.log, apperrors.DispatchFailure(err))
		return
	}
	c.JSON(http.StatusOK, stats)
}

// WorkerStats lists worker processes
// @Summary Worker statistics
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/admin/tasks/workers/stats [get]
func (h *AdminHandler) WorkerStats(c *gin.Context) {
	workers, err := h.monitor.WorkerSnapshots(c.Request.Context())
	if err != nil {
		respondError(c, h.log, apperrors.DispatchFailure(err))
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: workers, Total: int64(len(workers))})
}

// PendingTasks lists queued tasks
// @Summary Pending tasks
// @Tags admin
// @Produce json
// @Param limit query int false "Page size"
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/admin/tasks/queue/pending [get]
func (h *AdminHandler) PendingTasks(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	items, err := h.monitor.PendingTasks(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.log, apperrors.DispatchFailure(err))
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: int64(len(items)), Limit: limit})
}

// SkipTask removes a queued task
// @Summary Skip a task
// @Description A skipped request task fails its request as cancelled
// @Tags admin
// @Param task_id path string true "Task ID"
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/admin/tasks/{task_id}/skip [post]
func (h *AdminHandler) SkipTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.monitor.Skip(c.Request.Context(), taskID); err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info("task skipped", zap.String("task_id", taskID))
	c.JSON(http.StatusOK, SuccessResponse{Message: "Task skipped", Data: gin.H{"task_id": taskID}})
}

// CancelTask asks a worker to stop a running task
// @Summary Cancel a task
// @Description Advisory; the task may still complete
// @Tags admin
// @Param task_id path string true "Task ID"
// @Security BearerAuth
// @Success 202 {object} SuccessResponse
// @Router /api/admin/tasks/{task_id}/cancel [post]
func (h *AdminHandler) CancelTask(c *gin.Context) {
	taskID := c.Param("task_id")
	if err := h.monitor.Cancel(c.Request.Context(), taskID); err != nil {
		respondError(c, h.log, apperrors.DispatchFailure(err))
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Message: "Cancellation requested", Data: gin.H{"task_id": taskID}})
}

// ClearQueue drops every queued task
// @Summary Clear the queue
// @Tags admin
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/admin/tasks/queue/clear [delete]
func (h *AdminHandler) ClearQueue(c *gin.Context) {
	removed, err := h.monitor.ClearQueue(c.Request.Context())
	if err != nil {
		respondError(c, h.log, apperrors.DispatchFailure(err))
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Queue cleared", Data: gin.H{"removed": removed}})
}

// GetExportConfig returns the export configuration
// @Summary Export configuration
// @Tags exports
// @Produce json
// @Security BearerAuth
// @Success 200 {object} ExportConfigResponse
// @Router /api/admin/exports/config [get]
func (h *AdminHandler) GetExportConfig(c *gin.Context) {
	cfg, err := h.exports.GetConfig(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ExportConfigResponse{ExportConfig: cfg, FTPPasswordSet: cfg.FTPPassword != ""})
}

// SaveExportConfig replaces the export configuration
// @Summary Save export configuration
// @Description An empty ftp_password keeps the stored one
// @Tags exports
// @Accept json
// @Produce json
// @Param request body export.ConfigInput true "Configuration"
// @Security BearerAuth
// @Success 200 {object} ExportConfigResponse
// @Failure 400 {object} ErrorResponse
// @Router /api/admin/exports/config [post]
func (h *AdminHandler) SaveExportConfig(c *gin.Context) {
	var body export.ConfigInput
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	cfg, err := h.exports.Configure(c.Request.Context(), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ExportConfigResponse{ExportConfig: cfg, FTPPasswordSet: cfg.FTPPassword != ""})
}

// TestExportDestination checks the configured destination
// @Summary Test export destination
// @Tags exports
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/exports/test [post]
func (h *AdminHandler) TestExportDestination(c *gin.Context) {
	if err := h.exports.CheckDestination(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Destination reachable"})
}

// ExportStatus returns the last run of every kind
// @Summary Export status
// @Tags exports
// @Produce json
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/admin/exports/status [get]
func (h *AdminHandler) ExportStatus(c *gin.Context) {
	items, err := h.exports.Status(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: int64(len(items))})
}

// RunExport exports one kind and waits for the result
// @Summary Run an export
// @Tags exports
// @Produce json
// @Param kind path string true "users, profile_types, request_types or results"
// @Security BearerAuth
// @Success 200 {object} export.Result
// @Failure 409 {object} ErrorResponse
// @Router /api/admin/exports/run/{kind} [post]
func (h *AdminHandler) RunExport(c *gin.Context) {
	result, err := h.exports.RunExport(c.Request.Context(), c.Param("kind"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RunEnabledExports queues an export of every enabled kind. When some kinds
// cannot be queued the 503 lists both the queued tasks and the failed kinds.
// @Summary Queue all enabled exports
// @Tags exports
// @Produce json
// @Security BearerAuth
// @Success 202 {object} ListResponse
// @Failure 409 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/admin/exports/run [post]
func (h *AdminHandler) RunEnabledExports(c *gin.Context) {
	kinds, err := h.exports.EnabledKinds(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if len(kinds) == 0 {
		respondError(c, h.log, apperrors.Conflict("exports_disabled", "exports are disabled"))
		return
	}

	// Kinds are independent: one that cannot be queued does not stop the rest.
	handles := make([]services.TaskHandle, 0, len(kinds))
	var failed []string
	var lastErr error
	for _, kind := range kinds {
		handle, err := h.dispatcher.DispatchExport(c.Request.Context(), kind)
		if err != nil {
			h.log.Warn("failed to queue export", zap.String("kind", kind), zap.Error(err))
			failed = append(failed, kind)
			lastErr = err
			continue
		}
		handles = append(handles, handle)
	}
	if len(failed) > 0 {
		appErr := apperrors.DispatchFailure(lastErr)
		appErr.Details = map[string]interface{}{"queued": handles, "failed_kinds": failed}
		respondError(c, h.log, appErr)
		return
	}
	c.JSON(http.StatusAccepted, ListResponse{Items: handles, Total: int64(len(handles))})
}

// ExportUsersNow queues a users export
// @Summary Export users now
// @Tags exports
// @Produce json
// @Security BearerAuth
// @Success 202 {object} services.TaskHandle
// @Failure 503 {object} ErrorResponse
// @Router /api/users/export/now [post]
func (h *AdminHandler) ExportUsersNow(c *gin.Context) {
	handle, err := h.dispatcher.DispatchExport(c.Request.Context(), export.KindUsers)
	if err != nil {
		respondError(c, h.log, apperrors.DispatchFailure(err))
		return
	}
	h.log.Info("users export queued", zap.String("task_id", handle.TaskID))
	c.JSON(http.StatusAccepted, handle)
}

// ExportUsersStatus reports a queued users export
// @Summary Users export status
// @Description The task may already be gone from the broker; the export status is always reported
// @Tags exports
// @Produce json
// @Param task_id path string true "Task ID"
// @Security BearerAuth
// @Success 200 {object} ExportStatusResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/users/export/status/{task_id} [get]
func (h *AdminHandler) ExportUsersStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	if !strings.HasPrefix(taskID, "export-"+export.KindUsers+"-") {
		respondError(c, h.log, apperrors.NotFound("task"))
		return
	}

	resp := ExportStatusResponse{TaskID: taskID}
	task, err := h.monitor.TaskStatus(c.Request.Context(), taskID)
	switch {
	case err == nil:
		resp.Task = task
	case !errors.Is(err, apperrors.ErrNotFound):
		respondError(c, h.log, apperrors.DispatchFailure(err))
		return
	}

	resp.Export, err = h.exports.KindStatus(c.Request.Context(), export.KindUsers)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CacheStats reports both cache tiers
// @Summary Cache statistics
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} cache.Stats
// @Router /api/admin/cache/stats [get]
func (h *AdminHandler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats(c.Request.Context()))
}

// ClearCache drops cached entries
// @Summary Clear the cache
// @Tags admin
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/admin/cache/clear [delete]
func (h *AdminHandler) ClearCache(c *gin.Context) {
	if err := h.cache.Flush(c.Request.Context()); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Cache cleared"})
}

// OptimizeCache evicts expired local entries
// @Summary Optimize the cache
// @Tags admin
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/admin/cache/optimize [post]
func (h *AdminHandler) OptimizeCache(c *gin.Context) {
	remaining := h.cache.Optimize()
	c.JSON(http.StatusOK, SuccessResponse{Message: "Cache optimized", Data: gin.H{"local_items": remaining}})
}

// TopPrincipals returns the principals with most requests in the last 24 hours
// @Summary Top principals
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.TopPrincipalsReport
// @Router /api/admin/usage/top [get]
func (h *AdminHandler) TopPrincipals(c *gin.Context) {
	var cached services.TopPrincipalsReport
	if found, err := h.cache.Get(topPrincipalsKey, &cached); found && err == nil {
		if time.Since(cached.GeneratedAt) < 5*time.Minute {
			c.JSON(http.StatusOK, cached)
			return
		}
		// Stale, serve it and refresh in the background.
		go h.refreshTopPrincipals(context.WithoutCancel(c.Request.Context()))
		c.JSON(http.StatusOK, cached)
		return
	}

	report, err := h.refreshTopPrincipals(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *AdminHandler) refreshTopPrincipals(ctx context.Context) (*services.TopPrincipalsReport, error) {
	report, err := h.usage.TopPrincipals(ctx, 24*time.Hour, 3)
	if err != nil {
		return nil, err
	}
	if err := h.cache.Set(topPrincipalsKey, report, h.cacheTTL); err != nil {
		h.log.Warn("failed to cache top principals", zap.Error(err))
	}
	return report, nil
}
