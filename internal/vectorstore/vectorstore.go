package vectorstore

import "context"

// Match is one similarity search hit. Similarity is cosine, higher is closer.
type Match struct {
	ID         int64
	Similarity float32
}

// Searcher returns up to topK matches ordered by descending similarity. Thresholding is the caller's job.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
}

// Indexer stores the embedding of a recipe.
type Indexer interface {
	UpsertEmbedding(ctx context.Context, recipeID int64, vector []float32) error
}
