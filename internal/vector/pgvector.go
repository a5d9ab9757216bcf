package vector

import (
	"context"
	"fmt"

	"ai-character-runtime/backend/internal/store"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MemoryEmbedding is the postgres row backing PgvectorIndex
type MemoryEmbedding struct {
	MemoryID  string          `gorm:"primaryKey;size:36"`
	AgentID   string          `gorm:"size:36;not null;index"`
	RoomID    string          `gorm:"size:64;not null"`
	Embedding pgvector.Vector `gorm:"type:vector;not null"`
}

// PgvectorIndex stores embeddings next to the memories in postgres.
// It requires the vector extension and is never used with sqlite.
type PgvectorIndex struct {
	adapter *store.Adapter
}

// NewPgvectorIndex creates the index over the shared store adapter
func NewPgvectorIndex(adapter *store.Adapter) *PgvectorIndex {
	return &PgvectorIndex{adapter: adapter}
}

// Migrate installs the extension and creates the embeddings table
func (i *PgvectorIndex) Migrate(ctx context.Context) error {
	return i.adapter.Do(ctx, func(db *gorm.DB) error {
		if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create vector extension: %w", err)
		}
		return db.AutoMigrate(&MemoryEmbedding{})
	})
}

// Upsert implements Index
func (i *PgvectorIndex) Upsert(ctx context.Context, agentID, memoryID, roomID string, embedding []float32) error {
	if len(embedding) == 0 || isZero(embedding) {
		return nil
	}
	row := MemoryEmbedding{
		MemoryID:  memoryID,
		AgentID:   agentID,
		RoomID:    roomID,
		Embedding: pgvector.NewVector(embedding),
	}
	return i.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "memory_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"embedding", "room_id"}),
		}).Create(&row).Error
	})
}

// Search implements Index
func (i *PgvectorIndex) Search(ctx context.Context, agentID string, embedding []float32, limit int) ([]Hit, error) {
	if limit <= 0 || len(embedding) == 0 || isZero(embedding) {
		return nil, nil
	}

	var rows []struct {
		MemoryID   string
		Similarity float32
	}
	vec := pgvector.NewVector(embedding)
	err := i.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Raw(`
			SELECT memory_id, 1 - (embedding <=> ?) AS similarity
			FROM memory_embeddings
			WHERE agent_id = ?
			ORDER BY embedding <=> ?
			LIMIT ?`, vec, agentID, vec, limit).
			Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, Hit{MemoryID: r.MemoryID, Similarity: r.Similarity})
	}
	return hits, nil
}

// Delete implements Index
func (i *PgvectorIndex) Delete(ctx context.Context, _ string, memoryID string) error {
	return i.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Where("memory_id = ?", memoryID).Delete(&MemoryEmbedding{}).Error
	})
}

// DeleteAgent implements Index
func (i *PgvectorIndex) DeleteAgent(ctx context.Context, agentID string) error {
	return i.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Where("agent_id = ?", agentID).Delete(&MemoryEmbedding{}).Error
	})
}
