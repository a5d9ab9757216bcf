package secrets

import (
	"context"
	"testing"

	"ai-character-runtime/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledVaultReadsEnvironment(t *testing.T) {
	t.Setenv("CHARACTER_SECRETS_MASTER_KEY", "from-env")

	m, err := NewVaultManager(VaultConfig{}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	ctx := context.Background()

	value, err := m.GetSecret(ctx, "character-secrets.master-key")
	require.NoError(t, err)
	assert.Equal(t, "from-env", value)

	_, err = m.GetSecret(ctx, "missing-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.Equal(t, "fallback", m.GetSecretWithDefault(ctx, "missing-key", "fallback"))
}

func TestEnabledVaultRequiresAddressAndToken(t *testing.T) {
	_, err := NewVaultManager(VaultConfig{Enabled: true}, logger.Nop())
	assert.ErrorIs(t, err, ErrNoVaultAddress)

	_, err = NewVaultManager(VaultConfig{Enabled: true, Address: "http://127.0.0.1:8200"}, logger.Nop())
	assert.ErrorIs(t, err, ErrNoVaultToken)
}

func TestResolveKeepsFallbacks(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("ANTHROPIC_API_KEY", "")

	m, err := NewVaultManager(VaultConfig{}, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Close)

	got := Resolve(context.Background(), m, map[string]string{
		"OPENAI_API_KEY":    "sk-config",
		"ANTHROPIC_API_KEY": "ak-config",
	})
	assert.Equal(t, "sk-env", got["OPENAI_API_KEY"])
	assert.Equal(t, "ak-config", got["ANTHROPIC_API_KEY"])
}
