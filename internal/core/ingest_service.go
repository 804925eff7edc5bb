package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"rbio.com/nutribot/internal/store"
	"rbio.com/nutribot/internal/vectorstore"
)

const defaultIngestInterval = 40 * time.Millisecond

type RecipeWriter interface {
	UpsertRecipes(ctx context.Context, recipes []store.Recipe) error
}

// IngestService loads recipes from CSV, stores them and indexes their embeddings.
type IngestService struct {
	recipes  RecipeWriter
	embedder Embedder
	index    vectorstore.Indexer
	interval time.Duration
	logger   *zap.Logger
}

type IngestReport struct {
	Recipes  int
	Embedded int
	Failed   []int64
}

func NewIngestService(recipes RecipeWriter, embedder Embedder, index vectorstore.Indexer, interval time.Duration, logger *zap.Logger) *IngestService {
	if interval <= 0 {
		interval = defaultIngestInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestService{
		recipes:  recipes,
		embedder: embedder,
		index:    index,
		interval: interval,
		logger:   logger,
	}
}

// Ingest embeds one recipe per tick to stay under the embedding API rate limit. A recipe that fails to
// embed or index is reported and skipped.
func (s *IngestService) Ingest(ctx context.Context, r io.Reader) (*IngestReport, error) {
	recipes, err := store.LoadRecipesCSV(r)
	if err != nil {
		return nil, err
	}
	if err := s.recipes.UpsertRecipes(ctx, recipes); err != nil {
		return nil, fmt.Errorf("failed to store recipes: %w", err)
	}
	s.logger.Info("recipes stored", zap.Int("count", len(recipes)))

	report := &IngestReport{Recipes: len(recipes)}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for i, recipe := range recipes {
		if i > 0 {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-ticker.C:
			}
		}

		vector, err := s.embedder.Embed(ctx, recipe.EmbeddingText())
		if err != nil {
			s.logger.Warn("failed to embed recipe", zap.Int64("recipe_id", recipe.ID), zap.Error(err))
			report.Failed = append(report.Failed, recipe.ID)
			continue
		}
		if err := s.index.UpsertEmbedding(ctx, recipe.ID, vector); err != nil {
			s.logger.Warn("failed to index recipe", zap.Int64("recipe_id", recipe.ID), zap.Error(err))
			report.Failed = append(report.Failed, recipe.ID)
			continue
		}
		report.Embedded++
		s.logger.Debug("recipe embedded", zap.Int64("recipe_id", recipe.ID))
	}

	s.logger.Info("ingest finished",
		zap.Int("recipes", report.Recipes),
		zap.Int("embedded", report.Embedded),
		zap.Int("failed", len(report.Failed)))
	return report, nil
}
