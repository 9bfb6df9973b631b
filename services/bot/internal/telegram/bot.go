package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"formbot/services/bot/internal/app"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Config wires the Bot API client.
type Config struct {
	Token string
	// APIEndpoint overrides the Bot API URL template, e.g. for a local server.
	APIEndpoint string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Bot sends messages through the Telegram Bot API. It implements app.Sender.
type Bot struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

var _ app.Sender = (*Bot)(nil)

// New connects to the Bot API and verifies the token with getMe.
func New(cfg Config) (*Bot, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram token required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("telegram bot authorized", "username", api.Self.UserName)
	return &Bot{api: api, logger: logger}, nil
}

func (b *Bot) SendText(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(userID, text)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) SendTextWithKeyboard(ctx context.Context, userID int64, text string, buttons []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(userID, text)
	msg.ReplyMarkup = Keyboard(buttons)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (b *Bot) SendDocument(ctx context.Context, userID int64, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	doc := tgbotapi.NewDocument(userID, tgbotapi.FilePath(path))
	if _, err := b.api.Send(doc); err != nil {
		return fmt.Errorf("send document: %w", err)
	}
	return nil
}

// PersistentKeyboard adds is_persistent, which the v5 markup type lacks.
type PersistentKeyboard struct {
	tgbotapi.ReplyKeyboardMarkup
	IsPersistent bool `json:"is_persistent"`
}

// Keyboard builds the resized reply keyboard with all buttons on one row.
// It stays open after a press and is shown even when the user hides it.
func Keyboard(buttons []string) PersistentKeyboard {
	row := make([]tgbotapi.KeyboardButton, 0, len(buttons))
	for _, label := range buttons {
		row = append(row, tgbotapi.NewKeyboardButton(label))
	}
	kb := tgbotapi.NewReplyKeyboard(row)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = false
	return PersistentKeyboard{ReplyKeyboardMarkup: kb, IsPersistent: true}
}

// ToInbound converts an update into an inbound message. Updates without a
// text message report false.
func ToInbound(update tgbotapi.Update) (app.Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil || strings.TrimSpace(msg.Text) == "" {
		return app.Inbound{}, false
	}
	in := app.Inbound{UserID: msg.Chat.ID, Text: msg.Text}
	if msg.From != nil {
		in.DisplayName = msg.From.UserName
	}
	return in, true
}
