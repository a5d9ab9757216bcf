// Package knowledge holds the static knowledge snippets of each character,
// searchable by embedding.
package knowledge

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"ai-character-runtime/backend/internal/llm"

	chromem "github.com/philippgille/chromem-go"
)

// Item is one knowledge snippet returned by a search
type Item struct {
	Text       string  `json:"text"`
	Similarity float32 `json:"similarity"`
}

// Base is an in-process knowledge store, one collection per agent
type Base struct {
	db          *chromem.DB
	embeddings  *llm.EmbeddingService
	collections map[string]*chromem.Collection
	mu          sync.Mutex
}

// New creates an empty knowledge base
func New(embeddings *llm.EmbeddingService) *Base {
	return &Base{
		db:          chromem.NewDB(),
		embeddings:  embeddings,
		collections: make(map[string]*chromem.Collection),
	}
}

// Load replaces the agent's knowledge with items. Items whose embedding
// fails (zero vector) are kept out of the index.
func (b *Base) Load(ctx context.Context, agentID string, items []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	name := "knowledge_" + agentID
	if _, ok := b.collections[agentID]; ok {
		if err := b.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("reset knowledge: %w", err)
		}
		delete(b.collections, agentID)
	}

	col, err := b.db.CreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("create knowledge collection: %w", err)
	}

	for i, text := range items {
		vec := b.embeddings.Embed(ctx, text)
		if llm.IsZero(vec) {
			continue
		}
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        strconv.Itoa(i),
			Embedding: vec,
			Content:   text,
		}); err != nil {
			return fmt.Errorf("add knowledge item: %w", err)
		}
	}

	b.collections[agentID] = col
	return nil
}

// Search returns up to limit snippets closest to embedding
func (b *Base) Search(ctx context.Context, agentID string, embedding []float32, limit int) ([]Item, error) {
	b.mu.Lock()
	col, ok := b.collections[agentID]
	b.mu.Unlock()
	if !ok || limit <= 0 || llm.IsZero(embedding) {
		return nil, nil
	}

	n := limit
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge query: %w", err)
	}

	items := make([]Item, 0, len(results))
	for _, r := range results {
		items = append(items, Item{Text: r.Content, Similarity: r.Similarity})
	}
	return items, nil
}

// Forget drops the agent's knowledge
func (b *Base) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.collections[agentID]; ok {
		_ = b.db.DeleteCollection("knowledge_" + agentID)
		delete(b.collections, agentID)
	}
}
