package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticLoader map[int64][]float32

func (l staticLoader) RecipeEmbeddings(context.Context) (map[int64][]float32, error) {
	return l, nil
}

func TestCosineSimilarity(t *testing.T) {
	s, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-6)

	s, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, s, 1e-6)

	s, err = CosineSimilarity([]float32{0, 0}, []float32{1, 1})
	require.NoError(t, err)
	assert.Zero(t, s)

	_, err = CosineSimilarity(nil, []float32{1})
	assert.Error(t, err)
	_, err = CosineSimilarity([]float32{1, 2}, []float32{1})
	assert.Error(t, err)
}

func TestMemoryIndex_Search(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(nil)
	require.NoError(t, idx.Load(ctx, staticLoader{
		1: {1, 0, 0},
		2: {0.9, 0.1, 0},
		3: {0, 1, 0},
		4: {1, 0}, // wrong dimension, skipped
	}))
	assert.Equal(t, 4, idx.Len())

	matches, err := idx.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, int64(1), matches[0].ID)
	assert.Equal(t, int64(2), matches[1].ID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)

	require.NoError(t, idx.UpsertEmbedding(ctx, 5, []float32{1, 0, 0}))
	matches, err = idx.Search(ctx, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 4)
	// equal similarity is ordered by id
	assert.Equal(t, []int64{1, 5}, []int64{matches[0].ID, matches[1].ID})

	matches, err = idx.Search(ctx, []float32{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestParseMatchRows(t *testing.T) {
	matches, err := parseMatchRows(`[{"recipe_id": 12, "similarity": 0.81}, {"recipe_id": "13", "similarity": 0.7}]`)
	require.NoError(t, err)
	assert.Equal(t, []Match{{ID: 12, Similarity: 0.81}, {ID: 13, Similarity: 0.7}}, matches)

	matches, err = parseMatchRows(`[]`)
	require.NoError(t, err)
	assert.Empty(t, matches)

	_, err = parseMatchRows("")
	assert.Error(t, err)

	_, err = parseMatchRows(`{"code":"PGRST202","message":"function not found"}`)
	assert.ErrorContains(t, err, "PGRST202")

	_, err = parseMatchRows(`[{"recipe_id": "abc", "similarity": 1}]`)
	assert.Error(t, err)
}

func TestParseQdrantURL(t *testing.T) {
	host, port, tls, err := parseQdrantURL("http://localhost:6334")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)
	assert.Equal(t, 6334, port)
	assert.False(t, tls)

	host, port, tls, err = parseQdrantURL("xyz.cloud.qdrant.io")
	require.NoError(t, err)
	assert.Equal(t, "xyz.cloud.qdrant.io", host)
	assert.Equal(t, 6334, port)
	assert.True(t, tls)

	for _, local := range []string{"localhost:6334", "qdrant:6334", "127.0.0.1", "10.0.0.5:6334"} {
		_, _, tls, err = parseQdrantURL(local)
		require.NoError(t, err)
		assert.False(t, tls, local)
	}

	_, _, tls, err = parseQdrantURL("https://localhost:6334")
	require.NoError(t, err)
	assert.True(t, tls, "an explicit scheme wins")

	_, _, _, err = parseQdrantURL("http://host:notaport")
	assert.Error(t, err)
}
