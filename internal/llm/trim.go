package llm

import "strings"

// TrimStrategy shortens a prompt to fit a token budget. Strategies are passed
// per call, so concurrent generations never share trimming state.
type TrimStrategy interface {
	EstimateTokens(text string) int
	Trim(text string, maxTokens int) string
}

// charsPerToken is the rough ratio used when no tokenizer is available
const charsPerToken = 4

// TruncateTrim keeps the tail of the prompt, where the latest messages live
type TruncateTrim struct{}

// EstimateTokens implements TrimStrategy
func (TruncateTrim) EstimateTokens(text string) int {
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// Trim implements TrimStrategy
func (t TruncateTrim) Trim(text string, maxTokens int) string {
	if maxTokens <= 0 || t.EstimateTokens(text) <= maxTokens {
		return text
	}
	keep := maxTokens * charsPerToken
	cut := len(text) - keep
	// avoid starting mid-line when a newline is close by
	if nl := strings.IndexByte(text[cut:], '\n'); nl >= 0 && nl < keep/4 {
		cut += nl + 1
	}
	return text[cut:]
}
