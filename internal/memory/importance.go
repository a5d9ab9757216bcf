package memory

import (
	"math"

	"ai-character-runtime/backend/internal/llm"
)

const (
	// lengthSaturation is the content length (bytes) at which the length term maxes out
	lengthSaturation = 2000
	// diversitySaturation is the unique-word count at which the diversity term maxes out
	diversitySaturation = 50

	lengthWeight    = 0.6
	diversityWeight = 0.4
)

// Importance scores content in [0,1] from its length and lexical diversity.
// For a fixed number of unique words the score never decreases as the text grows.
func Importance(text string) float64 {
	if text == "" {
		return 0
	}

	length := math.Min(1, math.Log1p(float64(len(text)))/math.Log1p(lengthSaturation))

	unique := make(map[string]struct{})
	for _, w := range llm.Tokenize(text) {
		unique[w] = struct{}{}
	}
	diversity := math.Min(1, float64(len(unique))/diversitySaturation)

	score := lengthWeight*length + diversityWeight*diversity
	return math.Max(0, math.Min(1, score))
}
