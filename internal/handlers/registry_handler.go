package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"request-network/internal/apperrors"
	"request-network/internal/middleware"
	"request-network/internal/services"
)

type RegistryHandler struct {
	registry *services.Registry
	log      *zap.Logger
}

func NewRegistryHandler(registry *services.Registry, log *zap.Logger) *RegistryHandler {
	return &RegistryHandler{registry: registry, log: log}
}

type ConfigureParametersRequest struct {
	Parameters []services.ParameterInput `json:"parameters"`
}

type ConfigureQueryRequest struct {
	QueryTemplate json.RawMessage `json:"query_template" binding:"required"`
}

// ListRequestTypes lists request types
// @Summary List request types
// @Description Administrators see every type; other principals see active public types
// @Tags request-types
// @Produce json
// @Param active query bool false "Only active types (admin)"
// @Param public query bool false "Only public types (admin)"
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/request-types [get]
func (h *RegistryHandler) ListRequestTypes(c *gin.Context) {
	filter := services.RequestTypeFilter{ActiveOnly: true, PublicOnly: true}
	if middleware.CurrentPrincipal(c).IsAdmin {
		active, err := queryBool(c, "active")
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		public, err := queryBool(c, "public")
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		filter = services.RequestTypeFilter{
			ActiveOnly: active != nil && *active,
			PublicOnly: public != nil && *public,
		}
	}

	items, err := h.registry.ListRequestTypes(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: int64(len(items))})
}

// GetRequestType returns one request type with its parameter schema
// @Summary Get a request type
// @Tags request-types
// @Produce json
// @Param id path string true "Request type ID"
// @Security BearerAuth
// @Success 200 {object} models.RequestType
// @Failure 404 {object} ErrorResponse
// @Router /api/request-types/{id} [get]
func (h *RegistryHandler) GetRequestType(c *gin.Context) {
	rt, err := h.registry.GetRequestType(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	// Hidden types do not exist for non-admins.
	if !middleware.CurrentPrincipal(c).IsAdmin && (!rt.IsActive || !rt.IsPublic) {
		respondError(c, h.log, apperrors.NotFound("request type"))
		return
	}
	c.JSON(http.StatusOK, rt)
}

// CreateRequestType registers a request type
// @Summary Create a request type
// @Tags request-types
// @Accept json
// @Produce json
// @Param request body services.RequestTypeInput true "Request type"
// @Security BearerAuth
// @Success 201 {object} models.RequestType
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/request-types [post]
func (h *RegistryHandler) CreateRequestType(c *gin.Context) {
	var body services.RequestTypeInput
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	rt, err := h.registry.CreateRequestType(c.Request.Context(), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info("request type created", zap.String("id", rt.ID), zap.String("name", rt.Name))
	c.JSON(http.StatusCreated, rt)
}

// UpdateRequestType edits descriptive fields
// @Summary Update a request type
// @Tags request-types
// @Accept json
// @Produce json
// @Param id path string true "Request type ID"
// @Param request body services.RequestTypeUpdate true "Fields to change"
// @Security BearerAuth
// @Success 200 {object} models.RequestType
// @Router /api/request-types/{id} [put]
func (h *RegistryHandler) UpdateRequestType(c *gin.Context) {
	var body services.RequestTypeUpdate
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	rt, err := h.registry.UpdateRequestType(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}

// DeleteRequestType deletes or deactivates a request type
// @Summary Delete a request type
// @Description Types already referenced by requests are deactivated instead
// @Tags request-types
// @Produce json
// @Param id path string true "Request type ID"
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/request-types/{id} [delete]
func (h *RegistryHandler) DeleteRequestType(c *gin.Context) {
	id := c.Param("id")
	deactivated, err := h.registry.DeleteRequestType(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.log, err)
		return
	}

	msg := "Request type deleted"
	if deactivated {
		msg = "Request type is in use and was deactivated"
	}
	h.log.Info("request type removed", zap.String("id", id), zap.Bool("deactivated", deactivated))
	c.JSON(http.StatusOK, SuccessResponse{Message: msg, Data: gin.H{"id": id, "deactivated": deactivated}})
}

// ConfigureParameters replaces the parameter schema
// @Summary Configure parameters
// @Tags request-types
// @Accept json
// @Produce json
// @Param id path string true "Request type ID"
// @Param request body ConfigureParametersRequest true "Ordered parameters"
// @Security BearerAuth
// @Success 200 {object} models.RequestType
// @Failure 400 {object} ErrorResponse
// @Router /api/request-types/{id}/configure [put]
func (h *RegistryHandler) ConfigureParameters(c *gin.Context) {
	var body ConfigureParametersRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	rt, err := h.registry.ConfigureParameters(c.Request.Context(), c.Param("id"), body.Parameters)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}

// ConfigureQuery stores the query template
// @Summary Configure query template
// @Description Every placeholder must name a declared parameter
// @Tags request-types
// @Accept json
// @Produce json
// @Param id path string true "Request type ID"
// @Param request body ConfigureQueryRequest true "Template"
// @Security BearerAuth
// @Success 200 {object} models.RequestType
// @Failure 400 {object} ErrorResponse
// @Router /api/request-types/{id}/query [put]
func (h *RegistryHandler) ConfigureQuery(c *gin.Context) {
	var body ConfigureQueryRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	rt, err := h.registry.ConfigureQuery(c.Request.Context(), c.Param("id"), body.QueryTemplate)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, rt)
}

// @Summary List profile grants of a request type
// @Tags request-types
// @Produce json
// @Param id path string true "Request type ID"
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/request-types/{id}/profile-access [get]
func (h *RegistryHandler) ListProfileAccess(c *gin.Context) {
	items, err := h.registry.ListProfileAccess(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: int64(len(items))})
}

// @Summary Grant a profile type access
// @Tags request-types
// @Accept json
// @Produce json
// @Param id path string true "Request type ID"
// @Param request body services.ProfileAccessInput true "Grant"
// @Security BearerAuth
// @Success 200 {object} models.ProfileTypeAccess
// @Router /api/request-types/{id}/profile-access [post]
func (h *RegistryHandler) UpsertProfileAccess(c *gin.Context) {
	var body services.ProfileAccessInput
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	grant, err := h.registry.UpsertProfileAccess(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

// @Summary Revoke a profile grant
// @Tags request-types
// @Param id path string true "Request type ID"
// @Param profile_type path string true "Profile type"
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/request-types/{id}/profile-access/{profile_type} [delete]
func (h *RegistryHandler) DeleteProfileAccess(c *gin.Context) {
	if err := h.registry.DeleteProfileAccess(c.Request.Context(), c.Param("id"), c.Param("profile_type")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Profile access revoked"})
}

// @Summary List user overrides of a request type
// @Tags request-types
// @Produce json
// @Param id path string true "Request type ID"
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/request-types/{id}/access [get]
func (h *RegistryHandler) ListUserAccess(c *gin.Context) {
	items, err := h.registry.ListUserAccess(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: int64(len(items))})
}

// @Summary Set a user override
// @Tags request-types
// @Accept json
// @Produce json
// @Param id path string true "Request type ID"
// @Param request body services.UserAccessInput true "Override"
// @Security BearerAuth
// @Success 200 {object} models.UserRequestAccess
// @Router /api/request-types/{id}/access [post]
func (h *RegistryHandler) UpsertUserAccess(c *gin.Context) {
	var body services.UserAccessInput
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	grant, err := h.registry.UpsertUserAccess(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, grant)
}

// @Summary Remove a user override
// @Tags request-types
// @Param id path string true "Request type ID"
// @Param user_id path string true "Principal ID"
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Router /api/request-types/{id}/access/{user_id} [delete]
func (h *RegistryHandler) DeleteUserAccess(c *gin.Context) {
	if err := h.registry.DeleteUserAccess(c.Request.Context(), c.Param("id"), c.Param("user_id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "User access removed"})
}

// @Summary List profile types
// @Tags profile-types
// @Produce json
// @Security BearerAuth
// @Success 200 {object} ListResponse
// @Router /api/profile-types [get]
func (h *RegistryHandler) ListProfileTypes(c *gin.Context) {
	items, err := h.registry.ListProfileTypes(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ListResponse{Items: items, Total: int64(len(items))})
}

// @Summary Get a profile type
// @Tags profile-types
// @Produce json
// @Param name path string true "Profile type name"
// @Security BearerAuth
// @Success 200 {object} models.ProfileType
// @Router /api/profile-types/{name} [get]
func (h *RegistryHandler) GetProfileType(c *gin.Context) {
	pt, err := h.registry.GetProfileType(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, pt)
}

// @Summary Create a profile type
// @Tags profile-types
// @Accept json
// @Produce json
// @Param request body services.ProfileTypeInput true "Profile type"
// @Security BearerAuth
// @Success 201 {object} models.ProfileType
// @Failure 409 {object} ErrorResponse
// @Router /api/profile-types [post]
func (h *RegistryHandler) CreateProfileType(c *gin.Context) {
	var body services.ProfileTypeInput
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	pt, err := h.registry.CreateProfileType(c.Request.Context(), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, pt)
}

// @Summary Update a profile type
// @Description Built-in types cannot be renamed
// @Tags profile-types
// @Accept json
// @Produce json
// @Param name path string true "Profile type name"
// @Param request body services.ProfileTypeInput true "Profile type"
// @Security BearerAuth
// @Success 200 {object} models.ProfileType
// @Failure 422 {object} ErrorResponse
// @Router /api/profile-types/{name} [put]
func (h *RegistryHandler) UpdateProfileType(c *gin.Context) {
	var body services.ProfileTypeInput
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, h.log, invalidBody(err))
		return
	}

	pt, err := h.registry.UpdateProfileType(c.Request.Context(), c.Param("name"), body)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, pt)
}

// @Summary Delete a profile type
// @Description Built-in types and types still in use cannot be deleted
// @Tags profile-types
// @Param name path string true "Profile type name"
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Router /api/profile-types/{name} [delete]
func (h *RegistryHandler) DeleteProfileType(c *gin.Context) {
	if err := h.registry.DeleteProfileType(c.Request.Context(), c.Param("name")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "Profile type deleted"})
}
