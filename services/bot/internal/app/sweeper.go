package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"formbot/pkg/domain"

	"github.com/robfig/cron/v3"
)

// SweepStore is the part of the store the sweeper touches.
type SweepStore interface {
	ListIncompleteOlderThan(ctx context.Context, threshold time.Time) ([]domain.Submission, error)
	DeleteSubmission(ctx context.Context, id int64) error
}

type SweeperConfig struct {
	Store    SweepStore
	Clock    Clock
	Timeout  time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// Sweeper deletes incomplete submissions older than the form timeout. It
// takes no user lock: its deletes are idempotent and a turn racing with it
// sees the row either present and stale or already gone.
type Sweeper struct {
	store    SweepStore
	clock    Clock
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	stop     chan struct{}
	watching chan struct{}
	stopOnce sync.Once
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("sweep store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    cfg.Store,
		clock:    clock,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}, nil
}

// Sweep deletes every incomplete submission created before now-timeout and
// returns how many it removed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	threshold := now.Add(-s.timeout)
	stale, err := s.store.ListIncompleteOlderThan(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("list stale submissions: %w", err)
	}
	deleted := 0
	for _, sub := range stale {
		if err := s.store.DeleteSubmission(ctx, sub.ID); err != nil {
			return deleted, fmt.Errorf("delete submission %d: %w", sub.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// Start schedules Sweep every interval until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return errors.New("sweeper already started")
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.runOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron = c
	s.stop = make(chan struct{})
	s.watching = make(chan struct{})
	c.Start()
	s.logger.Info("expiry sweeper started", "interval", s.interval.String(), "timeout", s.timeout.String())
	go func() {
		defer close(s.watching)
		select {
		case <-ctx.Done():
			c.Stop()
		case <-s.stop:
		}
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish. It is
// safe to call more than once.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.watching
	<-s.cron.Stop().Done()
}

func (s *Sweeper) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	deleted, err := s.Sweep(ctx, s.clock.Now())
	if err != nil {
		s.logger.Error("expiry sweep failed", "deleted", deleted, "err", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("expired submissions removed", "deleted", deleted)
	}
}
