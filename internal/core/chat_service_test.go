package core

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbio.com/nutribot/internal/metrics"
	"rbio.com/nutribot/internal/session"
)

type chatFixture struct {
	*machineFixture
	svc       *ChatService
	sessions  *session.MemoryStore
	sender    *recordingSender
	completer *fakeCompleter
	searcher  *fakeSearcher
	registry  *prometheus.Registry
}

type chatOptions struct {
	ttl     time.Duration
	timeout time.Duration
	// wrap decorates the session store the service writes through
	wrap func(session.Store) session.Store
}

func newChatFixture(t *testing.T, opts chatOptions) *chatFixture {
	t.Helper()
	if opts.ttl == 0 {
		opts.ttl = time.Minute
	}
	if opts.timeout == 0 {
		opts.timeout = 5 * time.Second
	}

	mf := newMachineFixture(t)
	sessions := session.NewMemoryStore(opts.ttl, 0)
	t.Cleanup(func() { sessions.Close() })

	searcher := &fakeSearcher{matches: allMatches(0.9, 1, 2, 3, 4, 5)}
	completer := &fakeCompleter{answerFor: pickFirstRecipe}
	rag := NewRAGService(&fakeEmbedder{vector: []float32{1}}, searcher,
		&fakeRecipes{recipes: recipeMap(testRecipes())}, completer, RAGOptions{}, nil, nil)

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	require.NoError(t, err)

	var store session.Store = sessions
	if opts.wrap != nil {
		store = opts.wrap(sessions)
	}

	sender := &recordingSender{}
	svc, err := NewChatService(ChatDeps{
		Sessions:        store,
		Locker:          session.NewLocker(),
		Machine:         mf.machine,
		Recommender:     rag,
		Sender:          sender,
		PipelineTimeout: opts.timeout,
		Metrics:         m,
	})
	require.NoError(t, err)
	svc.writeBackDelay = time.Millisecond

	return &chatFixture{
		machineFixture: mf,
		svc:            svc,
		sessions:       sessions,
		sender:         sender,
		completer:      completer,
		searcher:       searcher,
		registry:       registry,
	}
}

func (f *chatFixture) lateResults(t *testing.T) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == "nutribot_late_results_total" {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

var firstRecipeID = regexp.MustCompile(`Available Recipes:\nRecipe (\d+):`)

func pickFirstRecipe(prompt string) string {
	m := firstRecipeID.FindStringSubmatch(prompt)
	if m == nil {
		return "nothing fits"
	}
	return "This one suits you. [RECIPE_ID: " + m[1] + "]"
}

func (f *chatFixture) send(t *testing.T, inputs ...string) {
	t.Helper()
	for _, in := range inputs {
		require.NoError(t, f.svc.HandleMessage(context.Background(), testPhone, in))
	}
}

func (f *chatFixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.svc.Wait(ctx))
}

func (f *chatFixture) state(t *testing.T) session.State {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), testPhone)
	require.NoError(t, err)
	return sess.State
}

func (f *chatFixture) lastMessage() string {
	texts := f.sender.texts(testPhone)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func TestChatService_FirstContactAndVerification(t *testing.T) {
	f := newChatFixture(t, chatOptions{})

	f.send(t, testClientID)
	assert.Equal(t, []string{msgGreeting}, f.sender.texts(testPhone), "first message is never used as a code")
	assert.Equal(t, session.AwaitingVerification, f.state(t))

	f.send(t, testClientID)
	assert.Equal(t, session.MainMenu, f.state(t))
	assert.Equal(t, []string{msgGreeting, msgVerified, mainMenuText}, f.sender.texts(testPhone))
}

func TestChatService_ViewResults(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	f.send(t, "hi", testClientID)
	f.sender.reset()

	f.send(t, "1")
	assert.Equal(t, session.ViewResults, f.state(t))
	assert.Contains(t, f.lastMessage(), testPDFLink)
}

func TestChatService_RecommendationRoundTrip(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	f.send(t, "hi", testClientID, "3", "1", "1", "1")
	f.wait(t)

	assert.Equal(t, session.ShowRecommendation, f.state(t))
	texts := f.sender.texts(testPhone)
	require.GreaterOrEqual(t, len(texts), 3)
	assert.Equal(t, msgLooking, texts[len(texts)-3])
	assert.Contains(t, texts[len(texts)-2], "This one suits you.")
	assert.NotContains(t, texts[len(texts)-2], "RECIPE_ID")
	assert.Equal(t, recommendationOptionsText, texts[len(texts)-1])

	// peanut (high) and milk (low) are banned: oat bowl has milk, toast has peanut butter
	sess, err := f.sessions.Get(context.Background(), testPhone)
	require.NoError(t, err)
	require.NotNil(t, sess.Selected)
	assert.Equal(t, int64(3), sess.Selected.ID)
	require.Len(t, sess.Candidates, 2)
	assert.Equal(t, int64(4), sess.Candidates[0].ID)
}

func TestChatService_NoMatch(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	f.searcher.matches = allMatches(0.5, 1, 2)

	f.send(t, "hi", testClientID, "3", "2", "1", "1")
	f.wait(t)

	assert.Equal(t, session.MainMenu, f.state(t))
	assert.Zero(t, f.completer.calls())
	texts := f.sender.texts(testPhone)
	assert.Equal(t, msgNoMatch, texts[len(texts)-2])
}

func TestChatService_SoftLockWhileWaiting(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	release := make(chan struct{})
	f.completer.block = release

	f.send(t, "hi", testClientID, "3", "1", "1", "1")
	assert.Equal(t, session.WaitingForPipeline, f.state(t))
	sentBefore := len(f.sender.texts(testPhone))

	f.send(t, "0", "3", "hello")
	assert.Equal(t, session.WaitingForPipeline, f.state(t))
	assert.Len(t, f.sender.texts(testPhone), sentBefore, "discarded input gets no reply")

	close(release)
	f.wait(t)
	assert.Equal(t, session.ShowRecommendation, f.state(t))
}

func TestChatService_TimeoutReturnsToMainMenu(t *testing.T) {
	f := newChatFixture(t, chatOptions{timeout: 50 * time.Millisecond})
	f.completer.block = make(chan struct{}) // never released

	f.send(t, "hi", testClientID, "3", "1", "1", "1")
	f.wait(t)

	assert.Equal(t, session.MainMenu, f.state(t))
	texts := f.sender.texts(testPhone)
	assert.Equal(t, []string{msgApology, mainMenuText}, texts[len(texts)-2:])
}

func TestChatService_LateResultDropped(t *testing.T) {
	t.Run("session expired", func(t *testing.T) {
		f := newChatFixture(t, chatOptions{})
		release := make(chan struct{})
		f.completer.block = release

		f.send(t, "hi", testClientID, "3", "1", "1", "1")
		sentBefore := len(f.sender.texts(testPhone))
		require.NoError(t, f.sessions.Delete(context.Background(), testPhone))

		close(release)
		f.wait(t)

		_, err := f.sessions.Get(context.Background(), testPhone)
		assert.ErrorIs(t, err, session.ErrNotFound, "a late result must not recreate the session")
		assert.Len(t, f.sender.texts(testPhone), sentBefore)
	})

	t.Run("session moved on", func(t *testing.T) {
		f := newChatFixture(t, chatOptions{})
		release := make(chan struct{})
		f.completer.block = release

		f.send(t, "hi", testClientID, "3", "1", "1", "1")
		sess, err := f.sessions.Get(context.Background(), testPhone)
		require.NoError(t, err)
		sess.State = session.MainMenu
		require.NoError(t, f.sessions.Set(context.Background(), testPhone, sess))
		sentBefore := len(f.sender.texts(testPhone))

		close(release)
		f.wait(t)

		assert.Equal(t, session.MainMenu, f.state(t))
		assert.Len(t, f.sender.texts(testPhone), sentBefore)
	})
}

func TestChatService_StaleRunNeverAnswersNewRequest(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	first, second := make(chan struct{}), make(chan struct{})
	f.completer.blocks = []chan struct{}{first, second}
	f.completer.answerFor = func(prompt string) string {
		if strings.Contains(prompt, "- Meal Type: Lunch\n") {
			return "A light lunch. [RECIPE_ID: 4]"
		}
		return "A warm breakfast. [RECIPE_ID: 3]"
	}

	f.send(t, "hi", testClientID, "3", "1", "1", "1")
	require.NoError(t, f.sessions.Delete(context.Background(), testPhone))

	// the user starts over and asks for lunch while the breakfast run is still out
	f.send(t, "hi", testClientID, "3", "2", "1", "1")
	require.Equal(t, session.WaitingForPipeline, f.state(t))

	close(first)
	require.Eventually(t, func() bool { return f.lateResults(t) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.WaitingForPipeline, f.state(t))

	close(second)
	f.wait(t)

	sess, err := f.sessions.Get(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Equal(t, session.ShowRecommendation, sess.State)
	assert.Equal(t, "Lunch", sess.Draft.MealType)
	require.NotNil(t, sess.Selected)
	assert.Equal(t, int64(4), sess.Selected.ID)
	assert.Empty(t, sess.PendingRun)
}

func TestChatService_WriteBackRetries(t *testing.T) {
	flaky := &flakyStore{}
	f := newChatFixture(t, chatOptions{wrap: func(s session.Store) session.Store {
		flaky.Store = s
		return flaky
	}})
	release := make(chan struct{})
	f.completer.block = release

	f.send(t, "hi", testClientID, "3", "1", "1", "1")
	flaky.failSets(2)
	close(release)
	f.wait(t)

	assert.Equal(t, int32(2), flaky.failed.Load())
	assert.Equal(t, session.ShowRecommendation, f.state(t))
	assert.Equal(t, recommendationOptionsText, f.lastMessage())
}

func TestChatService_FailedWriteBackClearsSession(t *testing.T) {
	flaky := &flakyStore{}
	f := newChatFixture(t, chatOptions{wrap: func(s session.Store) session.Store {
		flaky.Store = s
		return flaky
	}})
	release := make(chan struct{})
	f.completer.block = release

	f.send(t, "hi", testClientID, "3", "1", "1", "1")
	flaky.failSets(1000)
	close(release)
	f.wait(t)

	assert.Equal(t, int32(writeBackRetries+1), flaky.failed.Load())
	_, err := f.sessions.Get(context.Background(), testPhone)
	assert.ErrorIs(t, err, session.ErrNotFound, "the session must not stay stuck waiting")
	assert.Equal(t, msgApology, f.lastMessage())

	flaky.failSets(0)
	f.sender.reset()
	f.send(t, "0")
	assert.Equal(t, []string{msgGreeting}, f.sender.texts(testPhone))
}

func TestChatService_DislikedNeverReappears(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	f.send(t, "hi", testClientID, "3", "1", "1", "1")
	f.wait(t)
	require.Equal(t, session.ShowRecommendation, f.state(t))

	// dislike shakshuka (3), then search again
	f.send(t, "2", "too spicy")
	assert.Equal(t, session.MainMenu, f.state(t))
	f.send(t, "3", "1", "1", "1")
	f.wait(t)

	require.Equal(t, 2, f.completer.calls())
	f.completer.mu.Lock()
	second := f.completer.prompts[1]
	f.completer.mu.Unlock()
	assert.NotContains(t, second, "[RECIPE_ID: 3]")
	assert.Contains(t, second, "Previously Rejected Because: too spicy")

	sess, err := f.sessions.Get(context.Background(), testPhone)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sess.Selected.ID)
	for _, c := range sess.Candidates {
		assert.NotEqual(t, int64(3), c.ID)
	}
}

func TestChatService_ExpiredSessionIsNewUser(t *testing.T) {
	f := newChatFixture(t, chatOptions{ttl: 50 * time.Millisecond})
	f.send(t, "hi", testClientID)
	assert.Equal(t, session.MainMenu, f.state(t))

	time.Sleep(100 * time.Millisecond)
	f.sender.reset()

	f.send(t, "1")
	assert.Equal(t, []string{msgGreeting}, f.sender.texts(testPhone))
	assert.Equal(t, session.AwaitingVerification, f.state(t))
}

func TestChatService_SendFailuresAreSwallowed(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	f.sender.err = errors.New("gateway down")

	require.NoError(t, f.svc.HandleMessage(context.Background(), testPhone, "hi"))
	assert.Equal(t, session.AwaitingVerification, f.state(t))
}

func TestChatService_ConcurrentMessagesSameUser(t *testing.T) {
	f := newChatFixture(t, chatOptions{})
	f.send(t, "hi", testClientID)
	f.sender.reset()

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.HandleMessage(context.Background(), testPhone, "0"))
		}()
	}
	wg.Wait()

	assert.Equal(t, session.MainMenu, f.state(t))
	assert.Len(t, f.sender.texts(testPhone), 20)
}

func TestNewChatService_RequiresDeps(t *testing.T) {
	_, err := NewChatService(ChatDeps{})
	assert.Error(t, err)
}
