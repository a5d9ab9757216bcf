package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 300*time.Second, cfg.Nonce.TTL)
	assert.Equal(t, 5, cfg.Nonce.MaxRequests)
	assert.Equal(t, 32, cfg.Sessions.ConversationLength)
	assert.Equal(t, uint(5), cfg.Breaker.FailureThreshold)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("NONCE_MAX_REQUESTS", "9")
	t.Setenv("LLM_TIMEOUT", "12s")
	t.Setenv("LLM_RETRY_JITTER", "0.5")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("DB_DRIVER", "sqlite")

	cfg := Load()

	assert.Equal(t, 9, cfg.Nonce.MaxRequests)
	assert.Equal(t, 12*time.Second, cfg.LLM.Timeout)
	assert.Equal(t, 0.5, cfg.LLM.RetryJitter)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)

	_, err := cfg.Dialector()
	require.NoError(t, err)
}

func TestDialectorRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")

	_, err := Load().Dialector()
	assert.Error(t, err)
}
