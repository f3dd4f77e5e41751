package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"request-network/internal/apperrors"
	"request-network/internal/middleware"
	"request-network/internal/models"
	"request-network/internal/services"
)

type AuthHandler struct {
	authService *services.AuthService
	principals  *services.PrincipalService
	tokenTTL    time.Duration
	log         *zap.Logger
}

func NewAuthHandler(authService *services.AuthService, principals *services.PrincipalService, tokenTTL time.Duration, log *zap.Logger) *AuthHandler {
	return &AuthHandler{authService: authService, principals: principals, tokenTTL: tokenTTL, log: log}
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	User      *models.Principal `json:"user"`
}

// Login issues a token
// @Summary Log in
// @Description Check credentials and return a bearer token
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Credentials"
// @Success 200 {object} LoginResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	token, principal, err := h.authService.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.log.Info("login rejected",
			zap.String("username", req.Username),
			zap.String("client_ip", middleware.GetClientIPv4(c)),
			zap.String("code", apperrors.Code(err)))
		respondError(c, h.log, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(h.tokenTTL).UTC(),
		User:      principal,
	})
}

// Logout revokes the current token
// @Summary Log out
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	if err := h.authService.RevokeToken(middleware.CurrentToken(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Logged out"})
}

// Me returns the authenticated principal
// @Summary Current principal
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} models.Principal
// @Router /api/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, middleware.CurrentPrincipal(c))
}

// ListUsers lists principals
// @Summary List principals
// @Tags users
// @Produce json
// @Param profile_type query string false "Profile type"
// @Param active query bool false "Active flag"
// @Param limit query int false "Page size"
// @Param offset query int false "Offset"
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/users [get]
func (h *AuthHandler) ListUsers(c *gin.Context) {
	limit, err := queryInt(c, "limit", 100)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	active, err := queryBool(c, "active")
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	items, total, err := h.principals.List(c.Request.Context(), services.PrincipalFilter{
		ProfileType: c.Query("profile_type"),
		Active:      active,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// CreateUser registers a principal
// @Summary Create a principal
// @Tags users
// @Accept json
// @Produce json
// @Param request body services.CreatePrincipalInput true "Principal"
// @Security BearerAuth
// @Success 201 {object} models.Principal
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/users [post]
func (h *AuthHandler) CreateUser(c *gin.Context) {
	var req services.CreatePrincipalInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	p, err := h.principals.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info("principal created",
		zap.String("user_id", p.ID),
		zap.String("profile_type", p.ProfileType),
		zap.String("by", middleware.CurrentPrincipal(c).ID))
	c.JSON(http.StatusCreated, p)
}

// SuspendUser deactivates a principal
// @Summary Suspend a principal
// @Tags users
// @Produce json
// @Param id path string true "Principal ID"
// @Security BearerAuth
// @Success 200 {object} models.Principal
// @Failure 409 {object} ErrorResponse
// @Router /api/users/{id}/suspend [post]
func (h *AuthHandler) SuspendUser(c *gin.Context) {
	if c.Param("id") == middleware.CurrentPrincipal(c).ID {
		respondError(c, h.log, apperrors.Conflict("cannot_suspend_self", "administrators cannot suspend themselves"))
		return
	}
	h.setActive(c, false)
}

// ActivateUser reactivates a principal
// @Summary Activate a principal
// @Tags users
// @Produce json
// @Param id path string true "Principal ID"
// @Security BearerAuth
// @Success 200 {object} models.Principal
// @Router /api/users/{id}/activate [post]
func (h *AuthHandler) ActivateUser(c *gin.Context) {
	h.setActive(c, true)
}

func (h *AuthHandler) setActive(c *gin.Context, active bool) {
	p, err := h.principals.SetActive(c.Request.Context(), c.Param("id"), active)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info("principal status changed", zap.String("user_id", p.ID), zap.Bool("active", active))
	c.JSON(http.StatusOK, p)
}
