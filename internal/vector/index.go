// Package vector indexes memory embeddings for nearest-neighbour lookups.
// The relational store stays the source of truth; an index only maps
// vectors back to memory ids.
package vector

import "context"

// Hit is one nearest-neighbour match
type Hit struct {
	MemoryID   string
	Similarity float32
}

// Index stores one embedding per memory, partitioned by agent
type Index interface {
	Upsert(ctx context.Context, agentID, memoryID, roomID string, embedding []float32) error
	Search(ctx context.Context, agentID string, embedding []float32, limit int) ([]Hit, error)
	Delete(ctx context.Context, agentID, memoryID string) error
	DeleteAgent(ctx context.Context, agentID string) error
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
