package app

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"formbot/pkg/store"
)

type stubLimiter struct {
	allow bool
	err   error
	calls int
}

func (l *stubLimiter) Allow(context.Context, int64) (bool, error) {
	l.calls++
	return l.allow, l.err
}

type stubDispatcher struct {
	users []int64
	err   error
}

func (d *stubDispatcher) Dispatch(_ context.Context, userID int64) error {
	d.users = append(d.users, userID)
	return d.err
}

func (d *stubDispatcher) Close() error { return nil }

func newTestApp(t *testing.T, st store.Store, sender Sender, dispatcher ReportDispatcher, limiter RateLimiter) *App {
	t.Helper()
	cfg := Config{
		Store:      st,
		Sender:     sender,
		Dispatcher: dispatcher,
		Clock:      newFakeClock(t0),
		Timeout:    time.Minute,
	}
	if limiter != nil {
		cfg.Limiter = limiter
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func send(t *testing.T, a *App, userID int64, text string) {
	t.Helper()
	if err := a.HandleMessage(context.Background(), Inbound{UserID: userID, DisplayName: "alice", Text: text}); err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
}

func TestAppFormConversation(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &recordingSender{}
	a := newTestApp(t, st, sender, &stubDispatcher{}, nil)

	for _, text := range []string{"/start", "/form", "Alice", "alice@example.com", "7"} {
		send(t, a, 1, text)
	}
	msgs := DefaultMessages()
	want := []string{
		msgs.Text(MsgWelcome),
		msgs.Text(MsgAskName),
		msgs.Text(MsgAskEmail),
		msgs.Text(MsgAskRating),
		msgs.Text(MsgFormCompleted),
	}
	got := sender.messages()
	if len(got) != len(want) {
		t.Fatalf("sent %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Text != want[i] || got[i].UserID != 1 {
			t.Fatalf("message %d = %+v, want %q", i, got[i], want[i])
		}
	}
	for _, i := range []int{0, 4} {
		if strings.Join(got[i].Buttons, ",") != strings.Join(msgs.Buttons(), ",") {
			t.Fatalf("message %d should carry the keyboard, got %v", i, got[i].Buttons)
		}
	}
	if got[1].Buttons != nil {
		t.Fatalf("prompts are plain text")
	}
}

func TestAppReportWithNoDataSendsPlaceholderDocument(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &recordingSender{docSeen: make(chan string, 1), hold: make(chan struct{})}
	delivery := newDelivery(t, newAggregator(t, st), sender, nil)
	dispatcher := NewPoolDispatcher(delivery, 2, nil)
	a := newTestApp(t, st, sender, dispatcher, nil)

	send(t, a, 5, "/report")
	if texts := sender.texts(); len(texts) != 1 || texts[0] != DefaultMessages().Text(MsgReportGenerating) {
		t.Fatalf("expected immediate acknowledgment, got %q", texts)
	}

	var path string
	select {
	case path = <-sender.docSeen:
	case <-time.After(5 * time.Second):
		t.Fatalf("report was not delivered")
	}
	body := readDocumentXML(t, path)
	close(sender.hold)
	if err := dispatcher.Close(); err != nil {
		t.Fatalf("close dispatcher: %v", err)
	}

	if n := strings.Count(body, "<w:tr>"); n != 2 {
		t.Fatalf("expected header and one placeholder row, got %d rows", n)
	}
	if !strings.Contains(body, "Нет данных") {
		t.Fatalf("placeholder row missing")
	}
	assertRemoved(t, path)
}

func TestAppDispatchFailureNotifiesUser(t *testing.T) {
	sender := &recordingSender{}
	dispatcher := &stubDispatcher{err: ErrDispatcherClosed}
	a := newTestApp(t, store.NewMemoryStore(), sender, dispatcher, nil)

	err := a.HandleMessage(context.Background(), Inbound{UserID: 6, Text: DefaultMessages().Text(ButtonReport)})
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("err = %v", err)
	}
	texts := sender.texts()
	msgs := DefaultMessages()
	if len(texts) != 2 || texts[0] != msgs.Text(MsgReportGenerating) || texts[1] != msgs.Text(MsgReportError) {
		t.Fatalf("unexpected messages %q", texts)
	}
	if len(dispatcher.users) != 1 || dispatcher.users[0] != 6 {
		t.Fatalf("dispatch calls = %v", dispatcher.users)
	}
}

func TestAppIgnoresMessagesWithoutText(t *testing.T) {
	sender := &recordingSender{}
	a := newTestApp(t, store.NewMemoryStore(), sender, &stubDispatcher{}, nil)
	if err := a.HandleMessage(context.Background(), Inbound{UserID: 7}); !errors.Is(err, ErrNoText) {
		t.Fatalf("err = %v, want ErrNoText", err)
	}
	if len(sender.messages()) != 0 {
		t.Fatalf("nothing should be sent")
	}
}

func TestAppRateLimit(t *testing.T) {
	sender := &recordingSender{}
	limiter := &stubLimiter{allow: false}
	a := newTestApp(t, store.NewMemoryStore(), sender, &stubDispatcher{}, limiter)

	if err := a.HandleMessage(context.Background(), Inbound{UserID: 8, Text: "/start"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if len(sender.messages()) != 0 {
		t.Fatalf("throttled messages must not be answered")
	}

	limiter.allow, limiter.err = true, errBoom
	send(t, a, 8, "/start")
	if len(sender.messages()) != 1 {
		t.Fatalf("limiter errors should fail open")
	}
}

func TestAppTurnFailureSendsGenericError(t *testing.T) {
	sender := &recordingSender{}
	st := &failingStore{Store: store.NewMemoryStore(), txErr: errBoom}
	a := newTestApp(t, st, sender, &stubDispatcher{}, nil)

	if err := a.HandleMessage(context.Background(), Inbound{UserID: 9, Text: "/form"}); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if texts := sender.texts(); len(texts) != 1 || texts[0] != DefaultMessages().Text(MsgError) {
		t.Fatalf("unexpected messages %q", texts)
	}
}

func TestAppSendFailureKeepsCommittedState(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &recordingSender{textErr: errBoom}
	a := newTestApp(t, st, sender, &stubDispatcher{}, nil)

	if err := a.HandleMessage(context.Background(), Inbound{UserID: 10, Text: "/form"}); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want boom", err)
	}
	p, err := st.GetOrCreateProfile(context.Background(), 10, "", "IDLE")
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if p.State != "AWAITING_NAME" {
		t.Fatalf("state = %s, want AWAITING_NAME", p.State)
	}
}

func TestWithOverrides(t *testing.T) {
	msgs, err := DefaultMessages().WithOverrides(map[string]string{"welcome": "Hi"})
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if msgs.Text(MsgWelcome) != "Hi" || msgs.Text(MsgAskName) != DefaultMessages().Text(MsgAskName) {
		t.Fatalf("unexpected messages after override")
	}
	if _, err := DefaultMessages().WithOverrides(map[string]string{"welcom": "Hi"}); err == nil {
		t.Fatalf("unknown key should fail")
	}
	if _, err := DefaultMessages().WithOverrides(map[string]string{"buttonReport": "📝 Заполнить форму"}); err == nil {
		t.Fatalf("identical button labels should fail")
	}
}

func readDocumentXML(t *testing.T, path string) string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open docx: %v", err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open part: %v", err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		return string(data)
	}
	t.Fatalf("word/document.xml missing")
	return ""
}
