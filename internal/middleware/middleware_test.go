package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"request-network/internal/cache"
	"request-network/internal/services"
	"request-network/internal/testhelpers"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthMiddleware(t *testing.T) {
	db := testhelpers.NewDB(t)
	auth := services.NewAuthService(db, "test-secret", time.Hour)
	principals := services.NewPrincipalService(db, auth)
	alice := testhelpers.CreatePrincipal(t, db, "alice", "basic")
	admin := testhelpers.CreatePrincipal(t, db, "root", "admin")
	require.NoError(t, db.Model(admin).Update("is_admin", true).Error)

	r := gin.New()
	r.Use(AuthMiddleware(auth, principals))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, CurrentPrincipal(c).Username) })
	r.GET("/admin", RequireAdmin(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do("/me", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_required", gjson.Get(w.Body.String(), "error.code").String())

	assert.Equal(t, http.StatusUnauthorized, do("/me", "garbage").Code)

	aliceToken, err := auth.GenerateToken(alice)
	require.NoError(t, err)
	w = do("/me", aliceToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", w.Body.String())

	w = do("/me?token="+aliceToken, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do("/admin", aliceToken)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "admin_required", gjson.Get(w.Body.String(), "error.code").String())

	adminToken, err := auth.GenerateToken(admin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, do("/admin", adminToken).Code)

	require.NoError(t, db.Model(alice).Update("is_active", false).Error)
	w = do("/me", aliceToken)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "account_suspended", gjson.Get(w.Body.String(), "error.code").String())
}

func TestRateLimitMiddleware(t *testing.T) {
	db := testhelpers.NewDB(t)
	alice := testhelpers.CreatePrincipal(t, db, "alice", "basic")
	cm := cache.NewWithClient(nil, nil)
	defer cm.Close()

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(principalKey, alice) })
	r.Use(RateLimitMiddleware(cm, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		r.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/", nil))
		if i < 2 {
			assert.Equal(t, http.StatusOK, last.Code)
			assert.Equal(t, []string{"2"}, last.Header().Values("X-RateLimit-Limit"))
		}
	}
	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "rate_limited", gjson.Get(last.Body.String(), "error.code").String())
}

func TestValidationMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(ValidationMiddleware())
	r.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`a=b`))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Bodiless action endpoints such as retry need no content type.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	r := gin.New()
	r.Use(RequestLogger(zap.New(core)))
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusNotFound) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/items/7", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/items/:id", fields["path"])
	assert.Equal(t, int64(http.StatusNotFound), fields["status"])
	assert.Equal(t, "abc-123", fields["request_id"])
}

func TestGetClientIPv4(t *testing.T) {
	for remote, want := range map[string]string{
		"[::1]:5000":             "127.0.0.1",
		"[::ffff:10.0.0.8]:5000": "10.0.0.8",
		"192.168.1.4:5000":       "192.168.1.4",
	} {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		c.Request.RemoteAddr = remote
		assert.Equal(t, want, GetClientIPv4(c), remote)
	}
}
