package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"formbot/internal/userlock"
	"formbot/pkg/domain"
	"formbot/pkg/store"
)

const (
	cmdStart  = "start"
	cmdForm   = "form"
	cmdReport = "report"

	minRating = 1
	maxRating = 10
)

var emailPattern = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@[A-Za-z0-9.-]+$`)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Inbound is one text message from a user.
type Inbound struct {
	UserID      int64
	DisplayName string
	Text        string
}

// Reply is one outbound text. Keyboard replies carry the persistent buttons.
type Reply struct {
	Text     string
	Keyboard bool
}

// Turn is the committed outcome of one inbound message.
type Turn struct {
	State   domain.ConversationState
	Replies []Reply
	// Report asks the caller to dispatch a report for the user once the
	// replies are sent.
	Report bool
}

type EngineConfig struct {
	Store    store.Store
	Locker   userlock.Locker
	Clock    Clock
	Messages Messages
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Engine is the per-user form state machine. Each Handle call runs under the
// user's lock inside one store transaction, so turns of the same user are
// serialized while turns of different users run in parallel.
type Engine struct {
	store    store.Store
	locker   userlock.Locker
	clock    Clock
	messages Messages
	timeout  time.Duration
	logger   *slog.Logger
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	locker := cfg.Locker
	if locker == nil {
		locker = userlock.NewMemoryLocker()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	messages := cfg.Messages
	if messages == nil {
		messages = DefaultMessages()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		locker:   locker,
		clock:    clock,
		messages: messages,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

func (e *Engine) Messages() Messages { return e.messages }

// Handle applies one inbound message. On failure the returned Turn still
// holds the apology reply to send, and the error says what went wrong.
func (e *Engine) Handle(ctx context.Context, in Inbound) (Turn, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Turn{}, ErrNoText
	}
	unlock, err := e.locker.Lock(ctx, userKey(in.UserID))
	if err != nil {
		return e.failure(text, fmt.Errorf("lock user %d: %w", in.UserID, err))
	}
	defer unlock()

	var turn Turn
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		profile, err := tx.GetOrCreateProfile(ctx, in.UserID, in.DisplayName, domain.StateIdle)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		t := &turnTx{engine: e, ctx: ctx, tx: tx, profile: profile}
		if isCommand(text) {
			err = t.command(text)
		} else {
			err = t.formInput(text)
		}
		if err != nil {
			return err
		}
		turn = t.turn
		turn.State = t.profile.State
		return nil
	})
	if err != nil {
		return e.failure(text, err)
	}
	e.logger.Debug("turn committed", "user_id", in.UserID, "state", turn.State, "report", turn.Report)
	return turn, nil
}

func (e *Engine) failure(text string, err error) (Turn, error) {
	key := MsgFormError
	if isCommand(text) {
		key = MsgError
	}
	return Turn{Replies: []Reply{{Text: e.messages.Text(key)}}}, err
}

func userKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

func isCommand(text string) bool {
	return strings.HasPrefix(text, "/")
}

// commandName strips the marker, any "@bot" suffix and arguments.
func commandName(text string) string {
	name := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	return strings.ToLower(name)
}

// turnTx carries the state of one transition inside its transaction.
type turnTx struct {
	engine  *Engine
	ctx     context.Context
	tx      store.Tx
	profile domain.UserProfile
	turn    Turn
}

func (t *turnTx) reply(key MessageKey) {
	t.turn.Replies = append(t.turn.Replies, Reply{Text: t.engine.messages.Text(key)})
}

func (t *turnTx) replyWithKeyboard(key MessageKey) {
	t.turn.Replies = append(t.turn.Replies, Reply{Text: t.engine.messages.Text(key), Keyboard: true})
}

func (t *turnTx) setState(state domain.ConversationState) error {
	if t.profile.State == state {
		return nil
	}
	t.profile.State = state
	if err := t.tx.SaveProfile(t.ctx, t.profile); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	return nil
}

func (t *turnTx) command(text string) error {
	switch commandName(text) {
	case cmdStart:
		if err := t.setState(domain.StateIdle); err != nil {
			return err
		}
		t.replyWithKeyboard(MsgWelcome)
		return nil
	case cmdForm:
		return t.startForm()
	case cmdReport:
		return t.requestReport()
	default:
		t.reply(MsgUnknownCommand)
		return nil
	}
}

func (t *turnTx) startForm() error {
	if err := t.setState(domain.StateAwaitingName); err != nil {
		return err
	}
	t.reply(MsgAskName)
	return nil
}

func (t *turnTx) requestReport() error {
	if err := t.setState(domain.StateIdle); err != nil {
		return err
	}
	t.reply(MsgReportGenerating)
	t.turn.Report = true
	return nil
}

// button handles the two keyboard labels, which are valid in every state.
func (t *turnTx) button(text string) (bool, error) {
	switch text {
	case t.engine.messages.Text(ButtonFillForm):
		return true, t.startForm()
	case t.engine.messages.Text(ButtonReport):
		return true, t.requestReport()
	}
	return false, nil
}

func (t *turnTx) formInput(text string) error {
	latest, err := t.latestSubmission()
	if err != nil {
		return err
	}
	if latest != nil && latest.ExpiredAt(t.engine.clock.Now(), t.engine.timeout) {
		return t.expire(latest)
	}
	if handled, err := t.button(text); handled || err != nil {
		return err
	}
	switch t.profile.State {
	case domain.StateAwaitingName:
		return t.acceptName(text)
	case domain.StateAwaitingEmail:
		return t.acceptEmail(text)
	case domain.StateAwaitingRating:
		return t.acceptRating(text)
	default:
		t.reply(MsgUnknownCommand)
		return nil
	}
}

func (t *turnTx) latestSubmission() (*domain.Submission, error) {
	subs, err := t.tx.ListSubmissionsByUser(t.ctx, t.profile.UserID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}
	return &subs[0], nil
}

// expire drops a stale submission and restarts the form.
func (t *turnTx) expire(sub *domain.Submission) error {
	if sub != nil && !sub.Completed {
		if err := t.tx.DeleteSubmission(t.ctx, sub.ID); err != nil {
			return fmt.Errorf("delete expired submission: %w", err)
		}
		t.engine.logger.Info("form expired", "user_id", t.profile.UserID, "submission_id", sub.ID)
	}
	if err := t.setState(domain.StateAwaitingName); err != nil {
		return err
	}
	t.reply(MsgTimeExpired)
	return nil
}

func (t *turnTx) acceptName(name string) error {
	subs, err := t.tx.ListSubmissionsByUser(t.ctx, t.profile.UserID)
	if err != nil {
		return fmt.Errorf("list submissions: %w", err)
	}
	for _, s := range subs {
		if s.Completed {
			continue
		}
		if err := t.tx.DeleteSubmission(t.ctx, s.ID); err != nil {
			return fmt.Errorf("delete abandoned submission: %w", err)
		}
	}
	id, err := t.tx.CreateSubmission(t.ctx, domain.Submission{
		UserID:    t.profile.UserID,
		Name:      domain.StringPtr(name),
		CreatedAt: t.engine.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	t.engine.logger.Info("form started", "user_id", t.profile.UserID, "submission_id", id)
	if err := t.setState(domain.StateAwaitingEmail); err != nil {
		return err
	}
	t.reply(MsgAskEmail)
	return nil
}

func (t *turnTx) acceptEmail(email string) error {
	if !emailPattern.MatchString(email) {
		t.reply(MsgInvalidEmail)
		return nil
	}
	sub, ok, err := t.current()
	if err != nil || !ok {
		return err
	}
	sub.Email = domain.StringPtr(email)
	if ok, err := t.update(sub); err != nil || !ok {
		return err
	}
	if err := t.setState(domain.StateAwaitingRating); err != nil {
		return err
	}
	t.reply(MsgAskRating)
	return nil
}

func (t *turnTx) acceptRating(text string) error {
	rating, err := strconv.Atoi(text)
	if err != nil {
		t.reply(MsgEnterNumber)
		return nil
	}
	if rating < minRating || rating > maxRating {
		t.reply(MsgInvalidRating)
		return nil
	}
	sub, ok, err := t.current()
	if err != nil || !ok {
		return err
	}
	sub.Rating = domain.IntPtr(rating)
	sub.Completed = true
	if ok, err := t.update(sub); err != nil || !ok {
		return err
	}
	t.engine.logger.Info("form completed", "user_id", t.profile.UserID, "submission_id", sub.ID)
	if err := t.setState(domain.StateIdle); err != nil {
		return err
	}
	t.replyWithKeyboard(MsgFormCompleted)
	return nil
}

// current re-reads the in-progress submission after validation. When it is
// gone, already completed or expired, the form is reset and ok is false.
func (t *turnTx) current() (domain.Submission, bool, error) {
	latest, err := t.latestSubmission()
	if err != nil {
		return domain.Submission{}, false, err
	}
	if latest == nil || latest.Completed || latest.ExpiredAt(t.engine.clock.Now(), t.engine.timeout) {
		return domain.Submission{}, false, t.expire(latest)
	}
	return *latest, true, nil
}

// update writes sub, resetting the form when the row vanished meanwhile.
func (t *turnTx) update(sub domain.Submission) (bool, error) {
	err := t.tx.UpdateSubmission(t.ctx, sub)
	if errors.Is(err, store.ErrNotFound) {
		return false, t.expire(nil)
	}
	if err != nil {
		return false, fmt.Errorf("update submission: %w", err)
	}
	return true, nil
}
