package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(c *Checker) (int, Response) {
	w := httptest.NewRecorder()
	c.HTTPHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body Response
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestCriticalComponentDown(t *testing.T) {
	c := NewChecker(logger.Nop(), time.Minute)
	var dbErr error
	c.RegisterDatabaseCheck(func(context.Context) error { return dbErr })
	c.RegisterCheck("optional", false, func(context.Context) (Status, string, error) {
		return StatusDown, "never up", errors.New("down")
	})

	var updates []bool
	c.OnUpdate(func(healthy bool) { updates = append(updates, healthy) })

	c.RunChecks(context.Background())
	code, body := serve(c)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Components, 2)
	assert.Equal(t, "database", body.Components[0].Name)

	dbErr = errors.New("connection refused")
	c.RunChecks(context.Background())
	code, body = serve(c)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, []bool{true, false}, updates)
}

func TestBreakerCheck(t *testing.T) {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:                "db",
		FailureThreshold:    1,
		ResetTimeout:        time.Hour,
		HalfOpenMaxAttempts: 1,
	}, logger.Nop())

	c := NewChecker(logger.Nop(), time.Minute)
	c.RegisterBreakerCheck("db-breaker", breaker)

	c.RunChecks(context.Background())
	assert.True(t, c.IsSystemHealthy())

	_ = breaker.Execute(func() error { return errors.New("boom") })
	c.RunChecks(context.Background())
	assert.False(t, c.IsSystemHealthy())
	assert.Equal(t, StatusDown, c.GetStatus()[0].Status)
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := NewChecker(logger.Nop(), time.Minute)
	c.RegisterRedisCheck(client)

	c.RunChecks(context.Background())
	assert.True(t, c.IsSystemHealthy())

	mr.Close()
	c.RunChecks(context.Background())
	assert.False(t, c.IsSystemHealthy())
}
