package core

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"

	"rbio.com/nutribot/internal/labresults"
	"rbio.com/nutribot/internal/session"
	"rbio.com/nutribot/internal/store"
	"rbio.com/nutribot/internal/vectorstore"
)

type fakeUsers struct {
	mu       sync.Mutex
	users    map[string]*store.User // phone + "|" + client id
	err      error
	verified []int64
}

func (f *fakeUsers) FindUser(_ context.Context, phone, clientID string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[phone+"|"+clientID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) MarkVerified(_ context.Context, id int64) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == id {
			u.Verified = true
			f.verified = append(f.verified, id)
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

type fakeLabSource struct {
	result *labresults.Result
	err    error
	calls  int
}

func (f *fakeLabSource) Fetch(context.Context, string) (*labresults.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeFoods struct {
	foods []store.Food
	err   error
}

func (f *fakeFoods) FoodsByLabCodes(_ context.Context, codes []string) ([]store.Food, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []store.Food
	for _, food := range f.foods {
		if slices.Contains(codes, food.LabCode) {
			out = append(out, food)
		}
	}
	return out, nil
}

type fakeFeedbackStore struct {
	mu      sync.Mutex
	ratings []store.Rating
	items   []store.ShoppingListItem
	err     error
}

func (f *fakeFeedbackStore) CreateRating(_ context.Context, r store.Rating) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ratings = append(f.ratings, r)
	return nil
}

func (f *fakeFeedbackStore) CreateShoppingListItem(_ context.Context, item store.ShoppingListItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items = append(f.items, item)
	return nil
}

type fakeEmbedder struct {
	mu     sync.Mutex
	vector []float32
	err    error
	texts  []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fakeSearcher struct {
	matches []vectorstore.Match
	err     error
}

func (f *fakeSearcher) Search(_ context.Context, _ []float32, topK int) ([]vectorstore.Match, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.matches[:min(topK, len(f.matches))], nil
}

type fakeRecipes struct {
	recipes map[int64]store.Recipe
}

func (f *fakeRecipes) RecipesByIDs(_ context.Context, ids []int64) ([]store.Recipe, error) {
	// reverse order on purpose, callers must not rely on it
	var out []store.Recipe
	for i := len(ids) - 1; i >= 0; i-- {
		if r, ok := f.recipes[ids[i]]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeCompleter struct {
	mu        sync.Mutex
	answer    string
	answerFor func(prompt string) string
	err       error
	prompts   []string
	block     chan struct{}
	// blocks gate calls in order, one channel per call; later calls fall back to block
	blocks []chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	block := f.block
	if len(f.blocks) > 0 {
		block, f.blocks = f.blocks[0], f.blocks[1:]
	}
	answerFor := f.answerFor
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if answerFor != nil {
		return answerFor(prompt), f.err
	}
	return f.answer, f.err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type sentMessage struct {
	userID string
	text   string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, userID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{userID, text})
	return s.err
}

func (s *recordingSender) texts(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		if m.userID == userID {
			out = append(out, m.text)
		}
	}
	return out
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

func testRecipes() []store.Recipe {
	return []store.Recipe{
		{ID: 1, Name: "Oat bowl", Minutes: 10, MealType: "Breakfast", Foods: "Oats, Banana", Ingredients: "oats, banana, milk"},
		{ID: 2, Name: "Peanut toast", Minutes: 5, MealType: "Breakfast", Foods: "Bread, Peanut Butter", Ingredients: "bread, peanut butter"},
		{ID: 3, Name: "Shakshuka", Minutes: 25, MealType: "Breakfast", Foods: "Eggs, Tomato", Ingredients: "eggs, tomato, onion"},
		{ID: 4, Name: "Yogurt parfait", Minutes: 5, MealType: "Breakfast", Foods: "Yogurt, Berries", Ingredients: "yogurt, berries, granola"},
		{ID: 5, Name: "Avocado toast", Minutes: 7, MealType: "Breakfast", Foods: "Bread, Avocado", Ingredients: "bread, avocado, lemon"},
	}
}

func recipeMap(recipes []store.Recipe) map[int64]store.Recipe {
	m := make(map[int64]store.Recipe, len(recipes))
	for _, r := range recipes {
		m[r.ID] = r
	}
	return m
}

// flakyStore fails the next n Set calls.
type flakyStore struct {
	session.Store
	failures atomic.Int32
	failed   atomic.Int32
}

func (s *flakyStore) failSets(n int32) { s.failures.Store(n) }

func (s *flakyStore) Set(ctx context.Context, id string, sess *session.Session) error {
	if s.failures.Add(-1) >= 0 {
		s.failed.Add(1)
		return errors.New("session backend unavailable")
	}
	return s.Store.Set(ctx, id, sess)
}
