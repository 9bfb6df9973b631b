package app

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"formbot/internal/userlock"
	"formbot/pkg/domain"
	"formbot/pkg/store"
)

var t0 = time.Date(2026, 5, 17, 10, 0, 0, 0, time.UTC)

// fakeClock returns queued instants in order and then sticks to the last.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	queue []time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		c.now = c.queue[0]
		c.queue = c.queue[1:]
	}
	return c.now
}

func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Script makes the next Now calls return the given instants.
func (c *fakeClock) Script(times ...time.Time) {
	c.mu.Lock()
	c.queue = append(c.queue, times...)
	c.mu.Unlock()
}

type sentMessage struct {
	UserID   int64
	Text     string
	Buttons  []string
	Document string
}

type recordingSender struct {
	mu       sync.Mutex
	sent     []sentMessage
	docErr   error
	textErr  error
	docSeen  chan string
	hold     chan struct{}
	fileSeen []bool
}

func (s *recordingSender) SendText(_ context.Context, userID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textErr != nil {
		return s.textErr
	}
	s.sent = append(s.sent, sentMessage{UserID: userID, Text: text})
	return nil
}

func (s *recordingSender) SendTextWithKeyboard(_ context.Context, userID int64, text string, buttons []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.textErr != nil {
		return s.textErr
	}
	s.sent = append(s.sent, sentMessage{UserID: userID, Text: text, Buttons: append([]string(nil), buttons...)})
	return nil
}

func (s *recordingSender) SendDocument(_ context.Context, userID int64, path string) error {
	_, statErr := os.Stat(path)
	s.mu.Lock()
	s.fileSeen = append(s.fileSeen, statErr == nil)
	err := s.docErr
	if err == nil {
		s.sent = append(s.sent, sentMessage{UserID: userID, Document: path})
	}
	ch, hold := s.docSeen, s.hold
	s.mu.Unlock()
	if ch != nil {
		ch <- path
	}
	if hold != nil {
		<-hold
	}
	return err
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *recordingSender) texts() []string {
	var out []string
	for _, m := range s.messages() {
		if m.Document == "" {
			out = append(out, m.Text)
		}
	}
	return out
}

func newTestEngine(t *testing.T, st store.Store, clock Clock) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Store:   st,
		Locker:  userlock.NewMemoryLocker(),
		Clock:   clock,
		Timeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func mustHandle(t *testing.T, e *Engine, userID int64, text string) Turn {
	t.Helper()
	turn, err := e.Handle(context.Background(), Inbound{UserID: userID, Text: text})
	if err != nil {
		t.Fatalf("handle %q: %v", text, err)
	}
	return turn
}

func replyTexts(turn Turn) []string {
	out := make([]string, 0, len(turn.Replies))
	for _, r := range turn.Replies {
		out = append(out, r.Text)
	}
	return out
}

func expectReply(t *testing.T, turn Turn, key MessageKey) {
	t.Helper()
	want := DefaultMessages().Text(key)
	if len(turn.Replies) != 1 || turn.Replies[0].Text != want {
		t.Fatalf("replies = %q, want [%q]", replyTexts(turn), want)
	}
}

func submissionsOf(t *testing.T, st store.Store, userID int64) []domain.Submission {
	t.Helper()
	subs, err := st.ListSubmissionsByUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("list submissions: %v", err)
	}
	return subs
}

func incompleteCount(subs []domain.Submission) int {
	n := 0
	for _, s := range subs {
		if !s.Completed {
			n++
		}
	}
	return n
}

// failingStore wraps a store and injects errors into transactions.
type failingStore struct {
	store.Store
	txErr     error
	updateErr error
}

func (f *failingStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if f.txErr != nil {
		return f.txErr
	}
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx, updateErr: f.updateErr})
	})
}

type failingTx struct {
	store.Tx
	updateErr error
}

func (f failingTx) UpdateSubmission(ctx context.Context, s domain.Submission) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.Tx.UpdateSubmission(ctx, s)
}

var errBoom = errors.New("boom")
