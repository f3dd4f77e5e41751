package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"request-network/internal/models"
	"request-network/internal/services"
)

const (
	principalKey = "principal"
	tokenKey     = "token"
)

type principalLoader interface {
	Get(ctx context.Context, id string) (*models.Principal, error)
}

type counter interface {
	Increment(key string, value int64, ttl time.Duration) (int64, error)
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// AuthMiddleware resolves the bearer token to an active principal. The
// token may also come from the token query parameter, which browsers need
// for websocket upgrades.
func AuthMiddleware(authService *services.AuthService, principals principalLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			abort(c, http.StatusUnauthorized, "authentication_required", "Authentication required")
			return
		}

		claims, err := authService.ValidateToken(tokenString)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid_token", "Invalid token")
			return
		}

		principal, err := principals.Get(c.Request.Context(), claims.UserID)
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid_token", "Invalid token")
			return
		}
		if !principal.IsActive {
			abort(c, http.StatusUnauthorized, "account_suspended", "Account is suspended")
			return
		}

		c.Set(principalKey, principal)
		c.Set(tokenKey, tokenString)
		c.Next()
	}
}

// RequireAdmin rejects principals without the admin flag. It must run after
// AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		if p == nil {
			abort(c, http.StatusUnauthorized, "authentication_required", "Authentication required")
			return
		}
		if !p.IsAdmin {
			abort(c, http.StatusForbidden, "admin_required", "Administrator access required")
			return
		}
		c.Next()
	}
}

// CurrentPrincipal returns the authenticated principal, or nil.
func CurrentPrincipal(c *gin.Context) *models.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*models.Principal)
	return p
}

// CurrentToken returns the raw bearer token of the request.
func CurrentToken(c *gin.Context) string {
	return c.GetString(tokenKey)
}

// RateLimitMiddleware caps API calls per principal per clock hour. It is
// a coarse abuse guard; per-request-type quotas are enforced on submit.
func RateLimitMiddleware(cache counter, limitPerHour int) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := CurrentPrincipal(c)
		if p == nil {
			abort(c, http.StatusUnauthorized, "authentication_required", "Authentication required")
			return
		}

		key := fmt.Sprintf("rate_limit:%s:%s", p.ID, time.Now().UTC().Format("2006-01-02-15"))
		count, err := cache.Increment(key, 1, time.Hour)
		if err != nil {
			// If cache fails, continue without rate limiting
			c.Next()
			return
		}

		if count > int64(limitPerHour) {
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limitPerHour))
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
				"code":    "rate_limited",
				"message": "Rate limit exceeded",
				"details": gin.H{"limit": limitPerHour, "remaining": 0},
			}})
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limitPerHour))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int64(limitPerHour)-count))
		c.Next()
	}
}

func ValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Content-Type validation for requests with a body
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if c.Request.ContentLength != 0 && !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
				abort(c, http.StatusBadRequest, "invalid_content_type", "Content-Type must be application/json")
				return
			}
		}
		c.Next()
	}
}
