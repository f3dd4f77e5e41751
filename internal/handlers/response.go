package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"request-network/internal/apperrors"
	"request-network/internal/quota"
)

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ListResponse struct {
	Items  interface{} `json:"items"`
	Total  int64       `json:"total"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// respondError writes err in the common error shape. Internal errors are
// logged and reported without their message.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	body := ErrorBody{Code: apperrors.Code(err), Message: err.Error()}

	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Details = appErr.Details
		if appErr.Kind == apperrors.KindQuotaExhausted {
			if scope, ok := appErr.Details["scope"].(string); ok {
				wait := time.Until(quota.PeriodEnd(quota.Scope(scope), time.Now()))
				c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			}
		}
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", body.Code),
			zap.Error(err))
		if appErr == nil {
			body.Message = "internal server error"
		}
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: body})
}

func invalidBody(err error) error {
	return apperrors.Validation("invalid_body", fmt.Sprintf("invalid request body: %v", err))
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.Validation("invalid_query", fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return n, nil
}

func queryBool(c *gin.Context, name string) (*bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperrors.Validation("invalid_query", fmt.Sprintf("%s must be a boolean", name))
	}
	return &b, nil
}
