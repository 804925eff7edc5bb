package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

const (
	updateTimeout = 60

	contactPrompt   = "📱 To find your results we need the phone number you registered with. Tap the button below to share it."
	contactButton   = "📱 Share my phone number"
	contactReceived = "✅ Thanks, phone number received."
)

type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram is a long-polling bot. Users are identified by the phone number they share as a contact,
// which is what verification matches against; a chat that has not shared one is asked for it first.
// Links live in memory, so after a restart users share their contact again.
type Telegram struct {
	api    botAPI
	logger *zap.Logger

	mu     sync.RWMutex
	phones map[int64]string // chat id -> phone
	chats  map[string]int64 // phone -> chat id

	inflight sync.WaitGroup
}

var _ Sender = (*Telegram)(nil)

func NewTelegram(token string, logger *zap.Logger) (*Telegram, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot API: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", api.Self.UserName))
	return newTelegram(api, logger), nil
}

func newTelegram(api botAPI, logger *zap.Logger) *Telegram {
	return &Telegram{
		api:    api,
		logger: logger,
		phones: make(map[int64]string),
		chats:  make(map[string]int64),
	}
}

// Run handles each message in its own goroutine until ctx is done, then waits for the handlers
// that are still running.
func (t *Telegram) Run(ctx context.Context, handle MessageHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = updateTimeout
	updates := t.api.GetUpdatesChan(u)

	t.logger.Info("Telegram bot started, waiting for updates...")
	defer t.inflight.Wait()

	// handlers already started finish even after shutdown begins
	handleCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Telegram bot shutting down...")
			t.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			msg := update.Message
			if msg == nil || msg.Chat == nil {
				continue
			}

			var userID, text string
			switch {
			case msg.Contact != nil:
				phone, ok := t.linkContact(msg)
				if !ok {
					t.askForContact(msg.Chat.ID)
					continue
				}
				// an empty message opens the conversation for a new user
				userID = phone
			case strings.TrimSpace(msg.Text) == "":
				continue
			default:
				phone, ok := t.phoneFor(msg.Chat.ID)
				if !ok {
					t.askForContact(msg.Chat.ID)
					continue
				}
				userID, text = phone, msg.Text
			}

			t.inflight.Add(1)
			go func() {
				defer t.inflight.Done()
				if err := handle(handleCtx, userID, text); err != nil {
					t.logger.Error("failed to handle telegram message", zap.String("user_id", userID), zap.Error(err))
				}
			}()
		}
	}
}

// linkContact binds the chat to the shared phone number. Only the sender's own contact is accepted.
func (t *Telegram) linkContact(msg *tgbotapi.Message) (string, bool) {
	c := msg.Contact
	if msg.From == nil || c.UserID != msg.From.ID {
		t.logger.Info("ignoring contact that is not the sender's own", zap.Int64("chat_id", msg.Chat.ID))
		return "", false
	}
	phone := normalizePhone(c.PhoneNumber)
	if phone == "" {
		return "", false
	}

	t.mu.Lock()
	if old, ok := t.phones[msg.Chat.ID]; ok && old != phone {
		delete(t.chats, old)
	}
	t.phones[msg.Chat.ID] = phone
	t.chats[phone] = msg.Chat.ID
	t.mu.Unlock()

	ack := tgbotapi.NewMessage(msg.Chat.ID, contactReceived)
	ack.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	if _, err := t.api.Send(ack); err != nil {
		t.logger.Warn("failed to acknowledge contact", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
	}
	return phone, true
}

func (t *Telegram) phoneFor(chatID int64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	phone, ok := t.phones[chatID]
	return phone, ok
}

func (t *Telegram) askForContact(chatID int64) {
	msg := tgbotapi.NewMessage(chatID, contactPrompt)
	keyboard := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact(contactButton)))
	keyboard.OneTimeKeyboard = true
	msg.ReplyMarkup = keyboard
	if _, err := t.api.Send(msg); err != nil {
		t.logger.Warn("failed to ask for contact", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// normalizePhone keeps the digits of a phone number and prefixes them with "+", the form numbers are
// registered in.
func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

func (t *Telegram) Send(_ context.Context, userID, text string) error {
	t.mu.RLock()
	chatID, ok := t.chats[userID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnlinkedUser, userID)
	}
	if _, err := t.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}
