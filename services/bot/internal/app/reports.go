package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"formbot/pkg/queue"
	"formbot/pkg/storage"

	"golang.org/x/sync/errgroup"
)

// Generator produces a report file owned by the caller.
type Generator interface {
	Generate(ctx context.Context) (string, error)
}

// ReportDispatcher starts report delivery for a user without waiting for it.
type ReportDispatcher interface {
	Dispatch(ctx context.Context, userID int64) error
	Close() error
}

type DeliveryConfig struct {
	Generator Generator
	Sender    Sender
	Archive   storage.Archive
	Messages  Messages
	Logger    *slog.Logger
}

// ReportDelivery generates a report, sends it and removes the local file.
type ReportDelivery struct {
	generator Generator
	sender    Sender
	archive   storage.Archive
	messages  Messages
	logger    *slog.Logger
}

func NewReportDelivery(cfg DeliveryConfig) (*ReportDelivery, error) {
	if cfg.Generator == nil {
		return nil, errors.New("report generator required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("sender required")
	}
	messages := cfg.Messages
	if messages == nil {
		messages = DefaultMessages()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportDelivery{
		generator: cfg.Generator,
		sender:    cfg.Sender,
		archive:   cfg.Archive,
		messages:  messages,
		logger:    logger,
	}, nil
}

// Deliver runs one report request end to end. Failures are reported to the
// user with the report error message and returned. The archived copy is
// taken before sending and withdrawn when the send fails.
func (d *ReportDelivery) Deliver(ctx context.Context, userID int64) error {
	path, err := d.generator.Generate(ctx)
	if err != nil {
		d.notifyFailure(ctx, userID)
		return fmt.Errorf("generate report: %w", err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("remove report file failed", "path", path, "err", err)
		}
	}()
	key := d.archiveReport(ctx, userID, path)
	if err := d.sender.SendDocument(ctx, userID, path); err != nil {
		if key != "" {
			if delErr := d.archive.Delete(ctx, key); delErr != nil {
				d.logger.Warn("withdraw archived report failed", "user_id", userID, "key", key, "err", delErr)
			}
		}
		d.notifyFailure(ctx, userID)
		return fmt.Errorf("send report: %w", err)
	}
	d.logger.Info("report delivered", "user_id", userID, "key", key)
	return nil
}

// archiveReport returns the object key, or "" when archiving is off or failed.
func (d *ReportDelivery) archiveReport(ctx context.Context, userID int64, path string) string {
	if d.archive == nil {
		return ""
	}
	key, err := d.archive.ArchiveFile(ctx, path)
	if err != nil {
		d.logger.Warn("archive report failed", "user_id", userID, "err", err)
		return ""
	}
	return key
}

func (d *ReportDelivery) notifyFailure(ctx context.Context, userID int64) {
	if err := d.sender.SendText(ctx, userID, d.messages.Text(MsgReportError)); err != nil {
		d.logger.Error("send report error message failed", "user_id", userID, "err", err)
	}
}

// PoolDispatcher runs deliveries on an in-process pool of bounded size.
type PoolDispatcher struct {
	delivery *ReportDelivery
	group    *errgroup.Group
	logger   *slog.Logger

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

func NewPoolDispatcher(delivery *ReportDelivery, concurrency int, logger *slog.Logger) *PoolDispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	return &PoolDispatcher{delivery: delivery, group: g, logger: logger}
}

// Dispatch queues a delivery and returns at once. The delivery outlives ctx.
func (d *PoolDispatcher) Dispatch(ctx context.Context, userID int64) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	jobCtx := context.WithoutCancel(ctx)
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		// Go blocks while the pool is full; only this goroutine waits.
		d.group.Go(func() error {
			if err := d.delivery.Deliver(jobCtx, userID); err != nil {
				d.logger.Error("report delivery failed", "user_id", userID, "err", err)
			}
			return nil
		})
	}()
	return nil
}

// Close rejects new work and waits for queued deliveries to finish.
func (d *PoolDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.pending.Wait()
	return d.group.Wait()
}

// QueueDispatcher hands deliveries to a Redis stream so any replica can
// serve them.
type QueueDispatcher struct {
	queue       *queue.RedisReportQueue
	delivery    *ReportDelivery
	concurrency int
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	done   chan error
}

func NewQueueDispatcher(q *queue.RedisReportQueue, delivery *ReportDelivery, concurrency int, logger *slog.Logger) *QueueDispatcher {
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueDispatcher{queue: q, delivery: delivery, concurrency: concurrency, logger: logger}
}

// Start consumes report jobs in the background until Close.
func (d *QueueDispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done != nil {
		return
	}
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan error, 1)
	go func() {
		d.done <- d.queue.Run(ctx, d.concurrency, func(jobCtx context.Context, job queue.ReportJob) error {
			return d.delivery.Deliver(context.WithoutCancel(jobCtx), job.UserID)
		})
	}()
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, userID int64) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDispatcherClosed
	}
	job, err := d.queue.Enqueue(ctx, userID)
	if err != nil {
		return err
	}
	d.logger.Debug("report job enqueued", "user_id", userID, "job_id", job.ID)
	return nil
}

// Close stops the consumers after their current job and closes the queue.
func (d *QueueDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	cancel, done := d.cancel, d.done
	d.cancel = nil
	d.mu.Unlock()
	var runErr error
	if cancel != nil {
		cancel()
		runErr = <-done
	}
	return errors.Join(runErr, d.queue.Close())
}
