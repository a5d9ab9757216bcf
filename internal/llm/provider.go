// Package llm holds the language-model and embedding collaborators: text
// generation behind one interface with a bounded timeout and retry policy,
// and embeddings with a cache and a zero-vector fallback.
package llm

import (
	"fmt"
	"strings"
)

// Provider selects a text-generation backend
type Provider string

// Supported providers
const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Providers lists every supported provider
func Providers() []Provider {
	return []Provider{ProviderOpenAI, ProviderAnthropic}
}

// ParseProvider validates a provider name, case-insensitively
func ParseProvider(name string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Providers() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unsupported model provider %q", name)
}

// DefaultModel returns the model used when a character does not pick one
func (p Provider) DefaultModel() string {
	switch p {
	case ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	default:
		return "gpt-4o-mini"
	}
}

// APIKeySetting is the secret name holding the provider's API key
func (p Provider) APIKeySetting() string {
	switch p {
	case ProviderAnthropic:
		return "ANTHROPIC_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}
