package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBot struct {
	updates chan tgbotapi.Update
	mu      sync.Mutex
	sent    []tgbotapi.MessageConfig
	stopped bool
	sendErr error
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

type recordingSender struct {
	mu   sync.Mutex
	name string
	got  []string
}

func (r *recordingSender) Send(_ context.Context, userID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, userID+":"+text)
	return nil
}

func (f *fakeBot) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.ChatID == chatID {
			out = append(out, m.Text)
		}
	}
	return out
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Text: text,
		Chat: &tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{ID: chatID},
	}}
}

func contactUpdate(chatID, contactUserID int64, phone string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:    &tgbotapi.Chat{ID: chatID},
		From:    &tgbotapi.User{ID: chatID},
		Contact: &tgbotapi.Contact{UserID: contactUserID, PhoneNumber: phone},
	}}
}

func TestTelegram_Run(t *testing.T) {
	bot := &fakeBot{updates: make(chan tgbotapi.Update)}
	tg := newTelegram(bot, zap.NewNop())

	var mu sync.Mutex
	var got []string
	handled := make(chan struct{}, 8)
	handler := func(_ context.Context, userID, text string) error {
		mu.Lock()
		got = append(got, userID+":"+text)
		mu.Unlock()
		handled <- struct{}{}
		return errors.New("ignored")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx, handler) }()

	bot.updates <- textUpdate(1001, "4242") // no phone yet
	bot.updates <- contactUpdate(1001, 9999, "+30 690 000 0000")
	bot.updates <- contactUpdate(1001, 1001, "30 690 111 2222")
	bot.updates <- tgbotapi.Update{} // no message
	bot.updates <- textUpdate(1001, "   ")
	bot.updates <- textUpdate(1001, "4242")

	for range 2 {
		select {
		case <-handled:
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"+306901112222:", "+306901112222:4242"}, got)
	assert.True(t, bot.stopped)
	assert.Equal(t, []string{contactPrompt, contactPrompt, contactReceived}, bot.texts(1001))

	bot.mu.Lock()
	defer bot.mu.Unlock()
	_, isKeyboard := bot.sent[0].ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	assert.True(t, isKeyboard, "the prompt carries a share-contact button")
}

func TestTelegram_Send(t *testing.T) {
	bot := &fakeBot{}
	tg := newTelegram(bot, zap.NewNop())

	assert.ErrorIs(t, tg.Send(context.Background(), "+306901112222", "x"), ErrUnlinkedUser)

	_, ok := tg.linkContact(contactUpdate(1001, 1001, "+30 690 111 2222").Message)
	require.True(t, ok)
	require.NoError(t, tg.Send(context.Background(), "+306901112222", "hello"))
	require.Len(t, bot.sent, 2)
	assert.Equal(t, int64(1001), bot.sent[1].ChatID)
	assert.Equal(t, "hello", bot.sent[1].Text)

	// the chat re-shares a different number, the old one no longer routes here
	_, ok = tg.linkContact(contactUpdate(1001, 1001, "+30 690 333 4444").Message)
	require.True(t, ok)
	assert.ErrorIs(t, tg.Send(context.Background(), "+306901112222", "x"), ErrUnlinkedUser)

	bot.sendErr = errors.New("forbidden")
	assert.ErrorContains(t, tg.Send(context.Background(), "+306903334444", "x"), "forbidden")
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+306901112222", normalizePhone("30 690 111 2222"))
	assert.Equal(t, "+306901112222", normalizePhone("+30-690-111-2222"))
	assert.Equal(t, "", normalizePhone("n/a"))
}

func TestCallbackSender(t *testing.T) {
	var received []callbackPayload
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p callbackPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		if p.UserID == "reject" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	cb := NewCallbackSender(srv.URL, time.Second, nil)
	require.NoError(t, cb.Send(context.Background(), "u-1", "Main Menu"))
	assert.Equal(t, []callbackPayload{{UserID: "u-1", Text: "Main Menu"}}, received)

	assert.ErrorContains(t, cb.Send(context.Background(), "reject", "x"), "502")
}

func TestRouter(t *testing.T) {
	tg := &recordingSender{name: "telegram"}
	cb := &recordingSender{name: "callback"}
	router := NewRouter(cb)

	var handled []string
	next := func(_ context.Context, userID, text string) error {
		handled = append(handled, userID)
		return nil
	}
	require.NoError(t, router.Via(tg, next)(context.Background(), "1001", "hi"))
	assert.Equal(t, []string{"1001"}, handled)

	require.NoError(t, router.Send(context.Background(), "1001", "menu"))
	require.NoError(t, router.Send(context.Background(), "web-7", "menu"))
	assert.Equal(t, []string{"1001:menu"}, tg.got)
	assert.Equal(t, []string{"web-7:menu"}, cb.got)

	assert.ErrorIs(t, NewRouter(nil).Send(context.Background(), "x", "y"), ErrNoRoute)
}
