package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ai-character-runtime/backend/pkg/errors"
	"ai-character-runtime/backend/pkg/jwt"
	"ai-character-runtime/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(errors.ErrorHandler())
	r.Use(handlers...)
	r.GET("/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c), "name": UserName(c)})
	})
	return r
}

func get(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	tokens := jwt.NewService("secret", time.Hour)
	r := newEngine(JWTAuth(tokens, logger.Nop()))

	w := get(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), errors.CodeAuthRequired)

	w = get(r, "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := tokens.GenerateToken("author", "Ada")
	require.NoError(t, err)
	w = get(r, token)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"author","name":"Ada"}`, w.Body.String())
}

func TestOptionalJWTAuth(t *testing.T) {
	tokens := jwt.NewService("secret", time.Hour)
	r := newEngine(OptionalJWTAuth(tokens, logger.Nop()))

	w := get(r, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"userId":"","name":""}`, w.Body.String())

	w = get(r, "garbage")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(logger.Nop(), RateLimiterOptions{Limit: 0.001, Burst: 1})
	r := newEngine(limiter.Middleware())

	assert.Equal(t, http.StatusOK, get(r, "").Code)
	w := get(r, "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), errors.CodeRateLimited)
}
