package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"formbot/internal/userlock"
	"formbot/pkg/store"
)

// RateLimiter decides whether a user's next message may be processed.
type RateLimiter interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}

// Config holds runtime configuration for the bot application.
type Config struct {
	Store      store.Store
	Locker     userlock.Locker
	Sender     Sender
	Dispatcher ReportDispatcher
	Limiter    RateLimiter
	Clock      Clock
	Messages   Messages
	Timeout    time.Duration
	Logger     *slog.Logger
}

// App connects inbound messages to the engine and delivers the outcome.
type App struct {
	engine     *Engine
	sender     Sender
	dispatcher ReportDispatcher
	limiter    RateLimiter
	messages   Messages
	logger     *slog.Logger
}

func New(cfg Config) (*App, error) {
	if cfg.Sender == nil {
		return nil, errors.New("sender required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("report dispatcher required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	engine, err := NewEngine(EngineConfig{
		Store:    cfg.Store,
		Locker:   cfg.Locker,
		Clock:    cfg.Clock,
		Messages: cfg.Messages,
		Timeout:  cfg.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return &App{
		engine:     engine,
		sender:     cfg.Sender,
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.Limiter,
		messages:   engine.Messages(),
		logger:     logger,
	}, nil
}

// HandleMessage processes one inbound message: it runs the turn, sends its
// replies and, when asked, dispatches a report. The user lock is released
// before anything is sent.
func (a *App) HandleMessage(ctx context.Context, in Inbound) error {
	if strings.TrimSpace(in.Text) == "" {
		return ErrNoText
	}
	if a.limiter != nil {
		ok, err := a.limiter.Allow(ctx, in.UserID)
		if err != nil {
			a.logger.Warn("rate limiter unavailable", "user_id", in.UserID, "err", err)
		}
		if !ok {
			return ErrRateLimited
		}
	}

	turn, turnErr := a.engine.Handle(ctx, in)
	if turnErr != nil {
		a.logger.Error("turn failed", "user_id", in.UserID, "err", turnErr)
	}
	for _, r := range turn.Replies {
		if err := a.send(ctx, in.UserID, r); err != nil {
			return errors.Join(turnErr, fmt.Errorf("send reply: %w", err))
		}
	}
	if turnErr != nil {
		return turnErr
	}
	if turn.Report {
		if err := a.dispatcher.Dispatch(ctx, in.UserID); err != nil {
			a.logger.Error("report dispatch failed", "user_id", in.UserID, "err", err)
			if sendErr := a.sender.SendText(ctx, in.UserID, a.messages.Text(MsgReportError)); sendErr != nil {
				a.logger.Error("send report error message failed", "user_id", in.UserID, "err", sendErr)
			}
			return err
		}
	}
	return nil
}

// Handler adapts HandleMessage for a Receiver, logging instead of returning.
func (a *App) Handler() InboundHandler {
	return func(ctx context.Context, in Inbound) {
		err := a.HandleMessage(ctx, in)
		switch {
		case err == nil:
		case errors.Is(err, ErrNoText):
		case errors.Is(err, ErrRateLimited):
			a.logger.Warn("message dropped by rate limit", "user_id", in.UserID)
		default:
			a.logger.Error("handle message failed", "user_id", in.UserID, "err", err)
		}
	}
}

func (a *App) send(ctx context.Context, userID int64, r Reply) error {
	if r.Keyboard {
		return a.sender.SendTextWithKeyboard(ctx, userID, r.Text, a.messages.Buttons())
	}
	return a.sender.SendText(ctx, userID, r.Text)
}
