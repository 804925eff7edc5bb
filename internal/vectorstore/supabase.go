package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"
)

const (
	matchRecipesFunc      = "match_recipes"
	recipeEmbeddingsTable = "recipe_embeddings"
)

// SupabaseIndex searches through the match_recipes Postgres function over pgvector.
//
// postgrest keeps the first transport error of an rpc call on the client and fails every later
// request with it, so each search runs on its own short-lived rest client.
type SupabaseIndex struct {
	client  *supabase.Client
	restURL string
	headers map[string]string
}

var (
	_ Searcher = (*SupabaseIndex)(nil)
	_ Indexer  = (*SupabaseIndex)(nil)
)

func NewSupabaseIndex(client *supabase.Client, url, key string) *SupabaseIndex {
	return &SupabaseIndex{
		client:  client,
		restURL: strings.TrimSuffix(url, "/") + supabase.REST_URL,
		headers: map[string]string{
			"Authorization": "Bearer " + key,
			"apikey":        key,
		},
	}
}

type matchRow struct {
	RecipeID   json.Number `json:"recipe_id"`
	Similarity float32     `json:"similarity"`
}

func (s *SupabaseIndex) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rest := postgrest.NewClient(s.restURL, "public", s.headers)
	body := rest.Rpc(matchRecipesFunc, "", map[string]any{
		"query_embedding": vector,
		"match_count":     topK,
	})
	if body == "" && rest.ClientError != nil {
		return nil, fmt.Errorf("match_recipes rpc failed: %w", rest.ClientError)
	}
	return parseMatchRows(body)
}

// parseMatchRows decodes the rpc body. The client reports transport failures as an empty body and
// PostgREST errors as a JSON object instead of an array.
func parseMatchRows(body string) ([]Match, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, errors.New("match_recipes rpc failed: empty response")
	}
	if !strings.HasPrefix(body, "[") {
		return nil, fmt.Errorf("match_recipes rpc failed: %.200s", body)
	}

	var rows []matchRow
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, fmt.Errorf("failed to decode match_recipes response: %w", err)
	}
	matches := make([]Match, 0, len(rows))
	for _, r := range rows {
		id, err := r.RecipeID.Int64()
		if err != nil {
			return nil, fmt.Errorf("invalid recipe id %q in match_recipes response: %w", r.RecipeID, err)
		}
		matches = append(matches, Match{ID: id, Similarity: r.Similarity})
	}
	return matches, nil
}

func (s *SupabaseIndex) UpsertEmbedding(ctx context.Context, recipeID int64, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From(recipeEmbeddingsTable).
		Upsert(map[string]any{
			"recipe_id":        recipeID,
			"embedding_vector": vector,
		}, "recipe_id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("failed to upsert embedding for recipe %d: %w", recipeID, err)
	}
	return nil
}
