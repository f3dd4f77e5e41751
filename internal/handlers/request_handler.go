package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"request-network/internal/apperrors"
	"request-network/internal/middleware"
	"request-network/internal/models"
	"request-network/internal/services"
)

type RequestHandler struct {
	lifecycle *services.Lifecycle
	log       *zap.Logger
}

func NewRequestHandler(lifecycle *services.Lifecycle, log *zap.Logger) *RequestHandler {
	return &RequestHandler{lifecycle: lifecycle, log: log}
}

type SubmitRequest struct {
	RequestTypeID string          `json:"request_type_id" binding:"required"`
	Payload       json.RawMessage `json:"payload"`
}

// loadOwned returns the request if the caller owns it or is an admin.
// Other principals get not found so ids cannot be probed.
func (h *RequestHandler) loadOwned(c *gin.Context) (*models.Request, bool) {
	req, err := h.lifecycle.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	p := middleware.CurrentPrincipal(c)
	if !p.IsAdmin && req.UserID != p.ID {
		respondError(c, h.log, apperrors.NotFound("request"))
		return nil, false
	}
	return req, true
}

// SubmitRequest admits a new request
// @Summary Submit a request
// @Description Validate the payload, check access and quota, then queue the request
// @Tags requests
// @Accept json
// @Produce json
// @Param request body SubmitRequest true "Request type and payload"
// @Security BearerAuth
// @Success 201 {object} models.Request
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/requests [post]
func (h *RequestHandler) SubmitRequest(c *gin.Context) {
	var body SubmitRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	req, err := h.lifecycle.Submit(c.Request.Context(), middleware.CurrentPrincipal(c), body.RequestTypeID, body.Payload)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, req)
}

// ListRequests lists requests
// @Summary List requests
// @Description Non-admins only see their own requests
// @Tags requests
// @Produce json
// @Param status query string false "pending, processing, completed or failed"
// @Param request_type_id query string false "Request type"
// @Param user_id query string false "Owner (admin only)"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/requests [get]
func (h *RequestHandler) ListRequests(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	p := middleware.CurrentPrincipal(c)
	filter := services.RequestFilter{
		UserID:        p.ID,
		Status:        c.Query("status"),
		RequestTypeID: c.Query("request_type_id"),
		Limit:         limit,
		Offset:        offset,
	}
	if p.IsAdmin {
		filter.UserID = c.Query("user_id")
	}

	items, total, err := h.lifecycle.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// GetRequest returns one request
// @Summary Get a request
// @Tags requests
// @Produce json
// @Param id path string true "Request ID"
// @Security BearerAuth
// @Success 200 {object} models.Request
// @Failure 404 {object} ErrorResponse
// @Router /api/requests/{id} [get]
func (h *RequestHandler) GetRequest(c *gin.Context) {
	req, ok := h.loadOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, req)
}

// RetryRequest retries a failed request
// @Summary Retry a failed request
// @Description Only failed requests can be retried; the retry is a new attempt, so access and quota are checked again
// @Tags requests
// @Produce json
// @Param id path string true "Request ID"
// @Security BearerAuth
// @Success 200 {object} models.Request
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/requests/{id}/retry [post]
func (h *RequestHandler) RetryRequest(c *gin.Context) {
	if _, ok := h.loadOwned(c); !ok {
		return
	}
	req, err := h.lifecycle.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, req)
}

// RetryAllFailed retries failed requests in bulk
// @Summary Retry all failed requests
// @Description Admins may filter by user; other principals retry their own
// @Tags requests
// @Accept json
// @Produce json
// @Param request body services.RetryFilter false "Filter"
// @Security BearerAuth
// @Success 200 {object} services.BulkResult
// @Router /api/requests/retry-all-failed [post]
func (h *RequestHandler) RetryAllFailed(c *gin.Context) {
	var filter services.RetryFilter
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&filter); err != nil {
			respondError(c, h.log, invalidBody(err))
			return
		}
	}
	if p := middleware.CurrentPrincipal(c); !p.IsAdmin {
		filter.UserID = p.ID
	}

	result, err := h.lifecycle.RetryAllFailed(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelRequest cancels a request
// @Summary Cancel a request
// @Description A pending request fails immediately; for a processing request the cancel is advisory
// @Tags requests
// @Produce json
// @Param id path string true "Request ID"
// @Security BearerAuth
// @Success 200 {object} models.Request
// @Success 202 {object} models.Request
// @Failure 409 {object} ErrorResponse
// @Router /api/requests/{id}/cancel [post]
func (h *RequestHandler) CancelRequest(c *gin.Context) {
	if _, ok := h.loadOwned(c); !ok {
		return
	}
	req, err := h.lifecycle.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if req.Status == models.StatusProcessing {
		c.JSON(http.StatusAccepted, req)
		return
	}
	c.JSON(http.StatusOK, req)
}

// GetStats returns request counts per status
// @Summary Request statistics
// @Description Admins get global counts unless user_id is given
// @Tags requests
// @Produce json
// @Param user_id query string false "Principal (admin only)"
// @Security BearerAuth
// @Success 200 {object} map[string]int64
// @Router /api/requests/stats [get]
func (h *RequestHandler) GetStats(c *gin.Context) {
	p := middleware.CurrentPrincipal(c)
	userID := p.ID
	if p.IsAdmin {
		userID = c.Query("user_id")
	}

	stats, err := h.lifecycle.Stats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// GetUsage reports quota consumption
// @Summary Quota usage
// @Description Current period counters and the limits that apply to the caller
// @Tags requests
// @Produce json
// @Param request_type_id path string true "Request type"
// @Security BearerAuth
// @Success 200 {object} services.UsageReport
// @Router /api/requests/usage/{request_type_id} [get]
func (h *RequestHandler) GetUsage(c *gin.Context) {
	report, err := h.lifecycle.Usage(c.Request.Context(), middleware.CurrentPrincipal(c), c.Param("request_type_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
