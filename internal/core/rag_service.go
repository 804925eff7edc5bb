package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"rbio.com/nutribot/internal/metrics"
	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
	"rbio.com/nutribot/internal/vectorstore"
)

const (
	DefaultTopK                = 10   // Number of recipes to retrieve from the index
	DefaultSimilarityThreshold = 0.75 // Minimum similarity for a recipe to be considered

	maxFreeTextRunes = 350
	noPreference     = "No preference"
)

var (
	recipeIDPattern = regexp.MustCompile(`\[RECIPE_ID:\s*(\w+)\]`)
	recipeIDMarker  = regexp.MustCompile(`\[RECIPE_ID:.*?\]`)
)

// RecipeLookup hydrates recipes by id. Missing ids are silently skipped.
type RecipeLookup interface {
	RecipesByIDs(ctx context.Context, ids []int64) ([]store.Recipe, error)
}

// Recommendation is the pipeline result. When NoMatch is set the other fields are empty.
type Recommendation struct {
	NoMatch      bool
	Explanation  string
	Selected     store.Recipe
	Alternatives []store.Recipe
}

type RAGOptions struct {
	TopK      int
	Threshold float32
}

type RAGService struct {
	embedder  Embedder
	searcher  vectorstore.Searcher
	recipes   RecipeLookup
	completer Completer
	opts      RAGOptions
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewRAGService(embedder Embedder, searcher vectorstore.Searcher, recipes RecipeLookup, completer Completer,
	opts RAGOptions, m *metrics.Metrics, logger *zap.Logger) *RAGService {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultSimilarityThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAGService{
		embedder:  embedder,
		searcher:  searcher,
		recipes:   recipes,
		completer: completer,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

// Recommend runs embed, search, hydrate, filter and select for one draft.
func (s *RAGService) Recommend(ctx context.Context, draft session.PreferenceDraft) (*Recommendation, error) {
	const op = "rag.Recommend"
	started := time.Now()

	rec, err := s.recommend(ctx, draft)
	elapsed := time.Since(started)
	switch {
	case err == nil && rec.NoMatch:
		s.metrics.PipelineRun(metrics.OutcomeNoMatch, elapsed)
	case err == nil:
		s.metrics.PipelineRun(metrics.OutcomeRecommended, elapsed)
	case KindOf(err) == KindSelectionMismatch:
		s.metrics.PipelineRun(metrics.OutcomeMismatch, elapsed)
	case errors.Is(err, context.DeadlineExceeded):
		s.metrics.PipelineRun(metrics.OutcomeTimeout, elapsed)
	default:
		s.metrics.PipelineRun(metrics.OutcomeError, elapsed)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Debug(op+" finished", zap.Duration("elapsed", elapsed), zap.Bool("no_match", rec.NoMatch))
	return rec, nil
}

func (s *RAGService) recommend(ctx context.Context, draft session.PreferenceDraft) (*Recommendation, error) {
	const op = "rag.Recommend"

	query := BuildQueryText(draft)
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, newError(KindExternalService, op, fmt.Errorf("failed to get query embedding: %w", err))
	}

	matches, err := s.searcher.Search(ctx, vector, s.opts.TopK)
	if err != nil {
		return nil, newError(KindExternalService, op, fmt.Errorf("similarity search failed: %w", err))
	}
	ids := make([]int64, 0, len(matches))
	for _, m := range matches {
		if m.Similarity >= s.opts.Threshold {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		s.logger.Info("no recipes above similarity threshold",
			zap.Int("matches", len(matches)), zap.Float32("threshold", s.opts.Threshold))
		return &Recommendation{NoMatch: true}, nil
	}

	hydrated, err := s.recipes.RecipesByIDs(ctx, ids)
	if err != nil {
		return nil, newError(KindExternalService, op, fmt.Errorf("failed to load recipes: %w", err))
	}
	candidates := orderByIDs(hydrated, ids)

	filtered := FilterCandidates(candidates, draft.BannedFoods, draft.DislikedRecipeIDs)
	s.logger.Info("candidate recipes filtered",
		zap.Int("similar", len(ids)),
		zap.Int("hydrated", len(candidates)),
		zap.Int("filtered", len(filtered)),
		zap.Strings("banned_foods", draft.BannedFoods))
	if len(filtered) == 0 {
		return &Recommendation{NoMatch: true}, nil
	}

	answer, err := s.completer.Complete(ctx, BuildPrompt(filtered, draft))
	if err != nil {
		return nil, newError(KindExternalService, op, fmt.Errorf("failed to get LLM completion: %w", err))
	}

	explanation, selectedID, ok := ParseSelection(answer)
	if !ok {
		return nil, newError(KindSelectionMismatch, op, errors.New("completion did not name a recipe"))
	}
	idx := slices.IndexFunc(filtered, func(r store.Recipe) bool { return r.ID == selectedID })
	if idx < 0 {
		return nil, newError(KindSelectionMismatch, op, fmt.Errorf("recipe %d is not a candidate", selectedID))
	}

	alternatives := make([]store.Recipe, 0, len(filtered)-1)
	alternatives = append(alternatives, filtered[:idx]...)
	alternatives = append(alternatives, filtered[idx+1:]...)
	return &Recommendation{
		Explanation:  explanation,
		Selected:     filtered[idx],
		Alternatives: alternatives,
	}, nil
}

// BuildQueryText renders the draft as the text that gets embedded. Banned foods are left out; they are
// applied by FilterCandidates instead.
func BuildQueryText(draft session.PreferenceDraft) string {
	parts := []string{
		"Meal type: " + orDefault(draft.MealType, noPreference),
		"Dietary preference: " + orDefault(draft.DietaryPreference, noPreference),
	}
	if v := strings.TrimSpace(draft.IncludeIngredients); v != "" {
		parts = append(parts, "Must include at least one of them ingredients: "+v)
	}
	if v := strings.TrimSpace(draft.AdditionalNotes); v != "" {
		parts = append(parts, "Additional requirements: "+v)
	}
	return strings.Join(parts, "\n")
}

// FilterCandidates drops recipes whose foods or ingredients mention a banned token, ignoring case, and
// recipes the user disliked. It keeps input order and does not modify its arguments.
func FilterCandidates(candidates []store.Recipe, banned []string, disliked []int64) []store.Recipe {
	tokens := make([]string, 0, len(banned))
	for _, b := range banned {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			tokens = append(tokens, b)
		}
	}

	out := make([]store.Recipe, 0, len(candidates))
	for _, r := range candidates {
		if slices.Contains(disliked, r.ID) {
			continue
		}
		text := strings.ToLower(r.Foods + "\n" + r.Ingredients)
		if slices.ContainsFunc(tokens, func(t string) bool { return strings.Contains(text, t) }) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// BuildPrompt asks the model to pick exactly one recipe and tag it with [RECIPE_ID: id].
func BuildPrompt(recipes []store.Recipe, draft session.PreferenceDraft) string {
	var b strings.Builder
	b.WriteString("You are a professional nutritionist helping a client choose the most suitable recipe.\n")
	b.WriteString("Your task is to analyze the provided client preferences and a set of available recipes.\n")
	b.WriteString("You need to find only one best match.\n")
	b.WriteString("If none of the available recipes contain the specified 'must include' ingredients, ")
	b.WriteString("you must still choose the best match based on all *other* preferences.\n")
	b.WriteString("In this case, mention this clearly and explain your reasoning.\n\n")
	b.WriteString("Structure your response as follows:\n")
	b.WriteString("1. A friendly explanation of your recommendation, mentioning why it fits the client's needs.\n")
	b.WriteString("2. At the end, in square brackets, ONLY include the internal recipe ID (e.g., [RECIPE_ID: 123]), ")
	b.WriteString("but do NOT mention this to the client.\n\n")

	b.WriteString("Client Preferences:\n")
	fmt.Fprintf(&b, "- Meal Type: %s\n", orDefault(draft.MealType, noPreference))
	fmt.Fprintf(&b, "- Dietary Preference: %s\n", orDefault(draft.DietaryPreference, noPreference))
	if v := strings.TrimSpace(draft.IncludeIngredients); v != "" {
		fmt.Fprintf(&b, "- Must Include Ingredients: %s\n", truncateRunes(v, maxFreeTextRunes))
	}
	if len(draft.BannedFoods) > 0 {
		fmt.Fprintf(&b, "- Forbidden Ingredients: %s\n", strings.Join(draft.BannedFoods, ", "))
	}
	if v := strings.TrimSpace(draft.AdditionalNotes); v != "" {
		fmt.Fprintf(&b, "- Additional Notes: %s\n", v)
	}
	if len(draft.DislikedComments) > 0 {
		fmt.Fprintf(&b, "- Previously Rejected Because: %s\n", strings.Join(draft.DislikedComments, "; "))
	}

	b.WriteString("\nAvailable Recipes:\n")
	for _, r := range recipes {
		fmt.Fprintf(&b, "Recipe %d:\n", r.ID)
		fmt.Fprintf(&b, "Name: %s\n", r.Name)
		fmt.Fprintf(&b, "Subtitle: %s\n", r.SubTitle)
		fmt.Fprintf(&b, "Preparation Time: %d minutes\n", r.Minutes)
		fmt.Fprintf(&b, "Meal Type: %s\n", r.MealType)
		fmt.Fprintf(&b, "Foods: %s\n", r.Foods)
		fmt.Fprintf(&b, "Ingredients: %s\n", r.Ingredients)
		fmt.Fprintf(&b, "Preparation Method: %s\n", r.PreparationMethod)
		fmt.Fprintf(&b, "[RECIPE_ID: %d]\n\n", r.ID)
	}
	return b.String()
}

// ParseSelection extracts the first [RECIPE_ID: id] marker and returns the answer with all markers
// removed. ok is false when no marker holds a numeric id.
func ParseSelection(answer string) (explanation string, id int64, ok bool) {
	explanation = strings.TrimSpace(recipeIDMarker.ReplaceAllString(answer, ""))

	m := recipeIDPattern.FindStringSubmatch(answer)
	if m == nil {
		return explanation, 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return explanation, 0, false
	}
	return explanation, id, true
}

func orderByIDs(recipes []store.Recipe, ids []int64) []store.Recipe {
	byID := make(map[int64]store.Recipe, len(recipes))
	for _, r := range recipes {
		byID[r.ID] = r
	}
	out := make([]store.Recipe, 0, len(recipes))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
			delete(byID, id)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
