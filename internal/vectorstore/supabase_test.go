package vectorstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supabase-community/supabase-go"
)

func newSupabaseIndex(t *testing.T, handler http.HandlerFunc) *SupabaseIndex {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := supabase.NewClient(srv.URL, "service-key", nil)
	require.NoError(t, err)
	return NewSupabaseIndex(client, srv.URL, "service-key")
}

func TestSupabaseIndex_Search(t *testing.T) {
	idx := newSupabaseIndex(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/rpc/match_recipes", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))

		var body struct {
			QueryEmbedding []float32 `json:"query_embedding"`
			MatchCount     int       `json:"match_count"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []float32{0.5, 0.25}, body.QueryEmbedding)
		assert.Equal(t, 3, body.MatchCount)

		w.Write([]byte(`[{"recipe_id":12,"similarity":0.91},{"recipe_id":"7","similarity":0.5}]`))
	})

	matches, err := idx.Search(context.Background(), []float32{0.5, 0.25}, 3)
	require.NoError(t, err)
	assert.Equal(t, []Match{{ID: 12, Similarity: 0.91}, {ID: 7, Similarity: 0.5}}, matches)
}

func TestSupabaseIndex_SearchErrors(t *testing.T) {
	idx := newSupabaseIndex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code":"PGRST202","message":"Could not find the function public.match_recipes"}`))
	})
	_, err := idx.Search(context.Background(), []float32{1}, 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PGRST202")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = idx.Search(ctx, []float32{1}, 3)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupabaseIndex_RecoversAfterTransportError(t *testing.T) {
	var calls atomic.Int32
	idx := newSupabaseIndex(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			if conn, _, err := w.(http.Hijacker).Hijack(); assert.NoError(t, err) {
				conn.Close()
			}
			return
		}
		w.Write([]byte(`[{"recipe_id":3,"similarity":0.8}]`))
	})

	_, err := idx.Search(context.Background(), []float32{1}, 1)
	require.Error(t, err)

	matches, err := idx.Search(context.Background(), []float32{1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []Match{{ID: 3, Similarity: 0.8}}, matches)
}

func TestSupabaseIndex_UpsertEmbedding(t *testing.T) {
	idx := newSupabaseIndex(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rest/v1/recipe_embeddings", r.URL.Path)
		assert.Equal(t, "recipe_id", r.URL.Query().Get("on_conflict"))
		assert.Contains(t, r.Header.Get("Prefer"), "resolution=merge-duplicates")

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"recipe_id":9,"embedding_vector":[0.1,0.2]}`, string(body))
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, idx.UpsertEmbedding(context.Background(), 9, []float32{0.1, 0.2}))
}
