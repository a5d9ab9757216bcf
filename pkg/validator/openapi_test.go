package validator

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ai-character-runtime/backend/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	v, err := NewOpenAPIValidator("../../api/openapi.yaml")
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(errors.ErrorHandler(), v.Middleware())
	echo := func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusTeapot)
			return
		}
		c.JSON(http.StatusOK, body)
	}
	engine.POST("/api/v1/sessions", echo)
	engine.POST("/api/v1/sessions/:sessionId/messages", echo)
	engine.POST("/undocumented", echo)
	return engine
}

func post(engine *gin.Engine, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestValidRequestKeepsBody(t *testing.T) {
	engine := newEngine(t)

	w := post(engine, "/api/v1/sessions", `{"author":"a","characterSlug":"pixel"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"characterSlug":"pixel"`)
}

func TestInvalidRequestIsRejected(t *testing.T) {
	engine := newEngine(t)

	w := post(engine, "/api/v1/sessions", `{"author":"a"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), errors.CodeValidation)

	w = post(engine, "/api/v1/sessions/s1/messages", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUndocumentedRoutesPassThrough(t *testing.T) {
	engine := newEngine(t)

	w := post(engine, "/undocumented", `{"anything":1}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestFromData(t *testing.T) {
	_, err := NewOpenAPIValidatorFromData([]byte("openapi: 3.0.3\ninfo: {title: t, version: '1'}\npaths: {}\n"))
	assert.NoError(t, err)

	_, err = NewOpenAPIValidatorFromData([]byte("not: [valid"))
	assert.Error(t, err)
}
