package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type apiCall struct {
	Method string
	Values map[string]string
	Files  []string
}

// fakeAPI is a minimal Bot API that records every call.
type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	// batches are returned by successive getUpdates calls, then empty results.
	batches []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := path.Base(r.URL.Path)
	call := apiCall{Method: method, Values: map[string]string{}}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			for k, v := range r.MultipartForm.Value {
				call.Values[k] = v[0]
			}
			for field, files := range r.MultipartForm.File {
				for _, fh := range files {
					call.Files = append(call.Files, field+":"+fh.Filename)
				}
			}
		}
	} else if err := r.ParseForm(); err == nil {
		for k, v := range r.PostForm {
			call.Values[k] = v[0]
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getUpdates":
		f.mu.Lock()
		batch := `[]`
		if len(f.batches) > 0 {
			batch, f.batches = f.batches[0], f.batches[1:]
		}
		f.mu.Unlock()
		if batch == `[]` {
			time.Sleep(10 * time.Millisecond)
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":`+batch+`}`)
	case "getMe":
		_, _ = io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Form","username":"formbot"}}`)
	default:
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`)
	}
}

func (f *fakeAPI) last(t *testing.T) apiCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatalf("no api calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func newTestBot(t *testing.T) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	bot, err := New(Config{Token: "TOKEN", APIEndpoint: srv.URL + "/bot%s/%s", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	return bot, api
}

func TestBotSendText(t *testing.T) {
	bot, api := newTestBot(t)
	if err := bot.SendText(context.Background(), 42, "Привет"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	call := api.last(t)
	if call.Method != "sendMessage" || call.Values["chat_id"] != "42" || call.Values["text"] != "Привет" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Values["reply_markup"] != "" {
		t.Fatalf("plain text should have no keyboard")
	}
}

func TestBotSendTextWithKeyboard(t *testing.T) {
	bot, api := newTestBot(t)
	buttons := []string{"📝 Заполнить форму", "📊 Отчет"}
	if err := bot.SendTextWithKeyboard(context.Background(), 42, "hi", buttons); err != nil {
		t.Fatalf("send keyboard: %v", err)
	}
	raw := []byte(api.last(t).Values["reply_markup"])
	var markup tgbotapi.ReplyKeyboardMarkup
	if err := json.Unmarshal(raw, &markup); err != nil {
		t.Fatalf("decode reply markup: %v", err)
	}
	var flags struct {
		IsPersistent bool `json:"is_persistent"`
	}
	if err := json.Unmarshal(raw, &flags); err != nil || !flags.IsPersistent {
		t.Fatalf("keyboard should set is_persistent, got %s", raw)
	}
	if !markup.ResizeKeyboard || markup.OneTimeKeyboard {
		t.Fatalf("keyboard should be resized and persistent: %+v", markup)
	}
	if len(markup.Keyboard) != 1 || len(markup.Keyboard[0]) != 2 || markup.Keyboard[0][1].Text != buttons[1] {
		t.Fatalf("unexpected keyboard layout %+v", markup.Keyboard)
	}
}

func TestBotSendDocumentLeavesFile(t *testing.T) {
	bot, api := newTestBot(t)
	file := filepath.Join(t.TempDir(), "Отчёт-2026-05-17.docx")
	if err := os.WriteFile(file, []byte("report"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := bot.SendDocument(context.Background(), 42, file); err != nil {
		t.Fatalf("send document: %v", err)
	}
	call := api.last(t)
	if call.Method != "sendDocument" || len(call.Files) != 1 || !strings.HasPrefix(call.Files[0], "document:") {
		t.Fatalf("unexpected call %+v", call)
	}
	if _, err := os.Stat(file); err != nil {
		t.Fatalf("adapter must not delete the file: %v", err)
	}
}

func TestBotHonoursCanceledContext(t *testing.T) {
	bot, _ := newTestBot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bot.SendText(ctx, 42, "late"); err == nil {
		t.Fatalf("expected error for canceled context")
	}
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without token")
	}
}

func TestToInbound(t *testing.T) {
	update := tgbotapi.Update{Message: &tgbotapi.Message{
		Text: "/form",
		Chat: &tgbotapi.Chat{ID: 77},
		From: &tgbotapi.User{UserName: "alice"},
	}}
	in, ok := ToInbound(update)
	if !ok || in.UserID != 77 || in.Text != "/form" || in.DisplayName != "alice" {
		t.Fatalf("unexpected inbound %+v ok=%v", in, ok)
	}
	if _, ok := ToInbound(tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 1}}}); ok {
		t.Fatalf("messages without text must be ignored")
	}
	if _, ok := ToInbound(tgbotapi.Update{}); ok {
		t.Fatalf("updates without a message must be ignored")
	}
}
