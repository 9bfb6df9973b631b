package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"formbot/services/bot/internal/app"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SecretHeader carries the webhook secret on every update Telegram posts.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Poller receives updates with long polling.
type Poller struct {
	bot     *Bot
	timeout int
}

var _ app.Receiver = (*Poller)(nil)

func NewPoller(bot *Bot) *Poller {
	return &Poller{bot: bot, timeout: 30}
}

// Run polls until ctx is done. Messages of one chat are handled one after
// another in update order; chats run in parallel. Run waits for queued
// messages before returning.
func (p *Poller) Run(ctx context.Context, handle app.InboundHandler) error {
	if _, err := p.bot.api.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = p.timeout
	updates := p.bot.api.GetUpdatesChan(u)
	defer p.bot.api.StopReceivingUpdates()

	p.bot.logger.Info("telegram polling started")
	chats := newChatQueue()
	defer chats.wait()
	turnCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			in, ok := ToInbound(update)
			if !ok {
				continue
			}
			chats.submit(turnCtx, handle, in)
		}
	}
}

// Webhook receives updates pushed by Telegram. It is an http.Handler that
// the HTTP server mounts; Run registers the webhook URL and serves until ctx
// is done.
type Webhook struct {
	bot    *Bot
	url    string
	secret string

	mu     sync.RWMutex
	handle app.InboundHandler
	ctx    context.Context
	chats  *chatQueue
}

var _ app.Receiver = (*Webhook)(nil)

func NewWebhook(bot *Bot, url, secret string) (*Webhook, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("webhook url required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret required")
	}
	return &Webhook{bot: bot, url: url, secret: secret, chats: newChatQueue()}, nil
}

func (w *Webhook) Run(ctx context.Context, handle app.InboundHandler) error {
	params := tgbotapi.Params{}
	params["url"] = w.url
	params["secret_token"] = w.secret
	if _, err := w.bot.api.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	w.bot.logger.Info("telegram webhook registered", "url", w.url)
	w.attach(ctx, handle)
	<-ctx.Done()
	w.detach()
	return nil
}

func (w *Webhook) attach(ctx context.Context, handle app.InboundHandler) {
	w.mu.Lock()
	w.handle = handle
	w.ctx = context.WithoutCancel(ctx)
	w.mu.Unlock()
}

// detach stops accepting updates and waits for running turns.
func (w *Webhook) detach() {
	w.mu.Lock()
	w.handle = nil
	w.mu.Unlock()
	w.chats.wait()
}

func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.Header().Set("Allow", http.MethodPost)
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	got := r.Header.Get(SecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	update, err := w.bot.api.HandleUpdate(r)
	if err != nil {
		http.Error(rw, "bad update", http.StatusBadRequest)
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.handle == nil {
		http.Error(rw, "not ready", http.StatusServiceUnavailable)
		return
	}
	if in, ok := ToInbound(*update); ok {
		w.chats.submit(w.ctx, w.handle, in)
	}
	rw.WriteHeader(http.StatusOK)
}
