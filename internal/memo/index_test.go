package memo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexSeparatesVectorLengths(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()

	local := &Memo{ID: "a", WorkspaceID: "ws", Summary: "local", Embedding: []float32{1, 0, 0}, EmbeddingModel: "nomic"}
	remote := &Memo{ID: "b", WorkspaceID: "ws", Summary: "remote", Embedding: []float32{0, 1, 0, 0}, EmbeddingModel: "openai"}
	require.NoError(t, idx.Put(ctx, local))
	require.NoError(t, idx.Put(ctx, remote))
	assert.Equal(t, 2, idx.Len("ws"))

	got, err := idx.Query(ctx, "ws", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = idx.Query(ctx, "ws", []float32{0, 1, 0, 0}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	got, err = idx.Query(ctx, "ws", []float32{1, 1}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestIndexReembeddedMemoMoves(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()

	m := &Memo{ID: "a", WorkspaceID: "ws", Embedding: []float32{1, 0, 0}}
	require.NoError(t, idx.Put(ctx, m))
	m.Embedding = []float32{1, 0, 0, 0}
	require.NoError(t, idx.Put(ctx, m))
	assert.Equal(t, 1, idx.Len("ws"))

	got, err := idx.Query(ctx, "ws", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, idx.Remove(ctx, "ws", "a"))
	assert.Zero(t, idx.Len("ws"))
}
