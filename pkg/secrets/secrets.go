// Package secrets resolves server-side secrets (the character secrets
// master key, provider API keys) from Vault with an environment fallback.
package secrets

import (
	"context"
	"errors"
)

// Common errors
var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoVaultToken   = errors.New("no vault token provided")
	ErrNoVaultAddress = errors.New("no vault address provided")
)

// Manager provides access to secrets from various sources
type Manager interface {
	// GetSecret retrieves a secret by key
	GetSecret(ctx context.Context, key string) (string, error)

	// GetSecretWithDefault retrieves a secret with a default value if not found
	GetSecretWithDefault(ctx context.Context, key, defaultValue string) string
}

// Resolve looks up every key, keeping the given value when the manager has none
func Resolve(ctx context.Context, m Manager, values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for key, fallback := range values {
		out[key] = m.GetSecretWithDefault(ctx, key, fallback)
	}
	return out
}
