package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromemIndexSearch(t *testing.T) {
	idx := NewChromemIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "agent", "m1", "r1", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert(ctx, "agent", "m2", "r1", []float32{0, 1, 0}))
	require.NoError(t, idx.Upsert(ctx, "other", "m3", "r2", []float32{1, 0, 0}))

	// limit larger than the collection is clamped
	hits, err := idx.Search(ctx, "agent", []float32{0.9, 0.1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "m1", hits[0].MemoryID)
	assert.Greater(t, hits[0].Similarity, hits[1].Similarity)
}

func TestChromemIndexSkipsZeroVectors(t *testing.T) {
	idx := NewChromemIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "agent", "m1", "r1", []float32{0, 0, 0}))
	hits, err := idx.Search(ctx, "agent", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(ctx, "agent", []float32{0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestChromemIndexDelete(t *testing.T) {
	idx := NewChromemIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "agent", "m1", "r1", []float32{1, 0}))
	require.NoError(t, idx.Upsert(ctx, "agent", "m2", "r1", []float32{0, 1}))
	require.NoError(t, idx.Delete(ctx, "agent", "m1"))

	hits, err := idx.Search(ctx, "agent", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "m2", hits[0].MemoryID)

	require.NoError(t, idx.DeleteAgent(ctx, "agent"))
	hits, err = idx.Search(ctx, "agent", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
