package llm

import "fmt"

// Factory builds a generator for a provider and API key
type Factory func(provider Provider, apiKey, model string) (TextGenerator, error)

// NewGenerator is the production Factory
func NewGenerator(provider Provider, apiKey, model string) (TextGenerator, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIGenerator(apiKey, model), nil
	case ProviderAnthropic:
		return NewAnthropicGenerator(apiKey, model), nil
	default:
		return nil, fmt.Errorf("unsupported model provider %q", provider)
	}
}
