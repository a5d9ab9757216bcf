package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"ai-character-runtime/backend/pkg/logger"

	"github.com/dgraph-io/ristretto"
)

// Embedder turns text into a fixed-length vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// EmbeddingService caches embeddings and never fails: when the backend
// errors it returns the zero vector of the configured size.
type EmbeddingService struct {
	embedder Embedder
	cache    *ristretto.Cache
	log      *logger.Logger
}

// NewEmbeddingService wraps embedder with a cache holding up to cacheSize vectors.
// cacheSize <= 0 disables caching.
func NewEmbeddingService(embedder Embedder, cacheSize int64, log *logger.Logger) (*EmbeddingService, error) {
	if log == nil {
		log = logger.GetGlobal()
	}
	s := &EmbeddingService{embedder: embedder, log: log}
	if cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cacheSize * 10,
			MaxCost:     cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create embedding cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Dimensions returns the vector size
func (s *EmbeddingService) Dimensions() int {
	return s.embedder.Dimensions()
}

// Embed returns the embedding of text, or the zero vector on failure
func (s *EmbeddingService) Embed(ctx context.Context, text string) []float32 {
	key := strings.TrimSpace(text)
	if key == "" {
		return ZeroVector(s.Dimensions())
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v.([]float32)
		}
	}

	vec, err := s.embedder.Embed(ctx, key)
	if err != nil || len(vec) == 0 {
		if err != nil {
			s.log.Warn("Embedding failed, using zero vector", "error", err.Error())
		}
		return ZeroVector(s.Dimensions())
	}

	if s.cache != nil {
		s.cache.Set(key, vec, 1)
	}
	return vec
}

// Close releases the cache
func (s *EmbeddingService) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// ZeroVector returns a vector of n zeros
func ZeroVector(n int) []float32 {
	return make([]float32, n)
}

// IsZero reports whether every component is zero
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// HashEmbedder is a deterministic local embedder: each word is hashed into
// one of the buckets, so texts sharing words end up close together.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder. dimensions <= 0 means 256.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Dimensions implements Embedder
func (h *HashEmbedder) Dimensions() int {
	return h.dimensions
}

// Embed implements Embedder
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dimensions)
	for _, word := range Tokenize(text) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(word))
		sum := f.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		vec[sum%uint64(h.dimensions)] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Tokenize splits text into lower-cased words
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// NewEmbedder builds the embedder selected by configuration
func NewEmbedder(provider, apiKey, model string, dimensions int) Embedder {
	if provider == "openai" && apiKey != "" {
		return NewOpenAIEmbedder(apiKey, model, dimensions)
	}
	return NewHashEmbedder(dimensions)
}
