package vector

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex keeps embeddings in process with one chromem collection per agent
type ChromemIndex struct {
	db          *chromem.DB
	collections map[string]*chromem.Collection
	mu          sync.RWMutex
}

// NewChromemIndex creates an empty in-process index
func NewChromemIndex() *ChromemIndex {
	return &ChromemIndex{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func (i *ChromemIndex) collection(agentID string) (*chromem.Collection, error) {
	i.mu.RLock()
	col, ok := i.collections[agentID]
	i.mu.RUnlock()
	if ok {
		return col, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if col, ok := i.collections[agentID]; ok {
		return col, nil
	}

	// embeddings are always supplied, so no embedding func is needed
	col, err := i.db.GetOrCreateCollection("memories_"+agentID, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	i.collections[agentID] = col
	return col, nil
}

// Upsert implements Index. Zero vectors carry no direction and are skipped.
func (i *ChromemIndex) Upsert(ctx context.Context, agentID, memoryID, roomID string, embedding []float32) error {
	if len(embedding) == 0 || isZero(embedding) {
		return nil
	}
	col, err := i.collection(agentID)
	if err != nil {
		return err
	}
	return col.AddDocument(ctx, chromem.Document{
		ID:        memoryID,
		Metadata:  map[string]string{"room_id": roomID},
		Embedding: append([]float32(nil), embedding...),
		Content:   memoryID,
	})
}

// Search implements Index
func (i *ChromemIndex) Search(ctx context.Context, agentID string, embedding []float32, limit int) ([]Hit, error) {
	if limit <= 0 || len(embedding) == 0 || isZero(embedding) {
		return nil, nil
	}
	col, err := i.collection(agentID)
	if err != nil {
		return nil, err
	}

	// chromem requires nResults <= collection size
	n := limit
	if count := col.Count(); n > count {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{MemoryID: r.ID, Similarity: r.Similarity})
	}
	return hits, nil
}

// Delete implements Index
func (i *ChromemIndex) Delete(ctx context.Context, agentID, memoryID string) error {
	col, err := i.collection(agentID)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, memoryID)
}

// DeleteAgent implements Index
func (i *ChromemIndex) DeleteAgent(_ context.Context, agentID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.collections[agentID]; !ok {
		return nil
	}
	delete(i.collections, agentID)
	return i.db.DeleteCollection("memories_" + agentID)
}
