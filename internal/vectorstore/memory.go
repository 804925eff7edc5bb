package vectorstore

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// EmbeddingLoader is satisfied by store.SQLiteStore.
type EmbeddingLoader interface {
	RecipeEmbeddings(ctx context.Context) (map[int64][]float32, error)
}

// MemoryIndex is a brute-force cosine index held in process, loaded from the record store at startup.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[int64][]float32
	logger  *zap.Logger
}

var (
	_ Searcher = (*MemoryIndex)(nil)
	_ Indexer  = (*MemoryIndex)(nil)
)

func NewMemoryIndex(logger *zap.Logger) *MemoryIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryIndex{
		vectors: make(map[int64][]float32),
		logger:  logger,
	}
}

func (m *MemoryIndex) Load(ctx context.Context, loader EmbeddingLoader) error {
	vectors, err := loader.RecipeEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load recipe embeddings: %w", err)
	}
	m.mu.Lock()
	m.vectors = vectors
	m.mu.Unlock()

	if len(vectors) == 0 {
		m.logger.Warn("memory index is empty, run ingest with the current embedding model")
	} else {
		m.logger.Info("memory index loaded", zap.Int("recipes", len(vectors)))
	}
	return nil
}

func (m *MemoryIndex) UpsertEmbedding(ctx context.Context, recipeID int64, vector []float32) error {
	m.mu.Lock()
	m.vectors[recipeID] = slices.Clone(vector)
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors)
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, topK int) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]Match, 0, len(m.vectors))
	for id, candidate := range m.vectors {
		similarity, err := CosineSimilarity(vector, candidate)
		if err != nil {
			m.logger.Debug("skipping recipe embedding", zap.Int64("recipe_id", id), zap.Error(err))
			continue
		}
		matches = append(matches, Match{ID: id, Similarity: similarity})
	}

	// ties broken by id so results are stable across map iteration orders
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func dotProduct(vec1, vec2 []float32) (float32, error) {
	if len(vec1) != len(vec2) {
		return 0, fmt.Errorf("vectors must have the same dimension")
	}
	var product float32
	for i := range vec1 {
		product += vec1[i] * vec2[i]
	}
	return product, nil
}

func magnitude(vec []float32) float32 {
	var sumOfSquares float32
	for _, val := range vec {
		sumOfSquares += val * val
	}
	return float32(math.Sqrt(float64(sumOfSquares)))
}

// CosineSimilarity returns 0 for zero vectors and an error for empty or mismatched ones.
func CosineSimilarity(vec1, vec2 []float32) (float32, error) {
	if len(vec1) == 0 || len(vec2) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	dot, err := dotProduct(vec1, vec2)
	if err != nil {
		return 0, err
	}

	mag1 := magnitude(vec1)
	mag2 := magnitude(vec2)
	if mag1 == 0 || mag2 == 0 {
		return 0, nil
	}
	return dot / (mag1 * mag2), nil
}
