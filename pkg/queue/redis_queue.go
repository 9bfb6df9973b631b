package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"formbot/internal/util"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// ReportJob tracks one report request for one user.
type ReportJob struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"userId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes a dequeued job.
type Handler func(context.Context, ReportJob) error

// RedisReportQueue is a Redis stream of report requests consumed by a group.
// Messages are acknowledged before the handler runs, so a job is delivered
// at most once and a failed job is never retried.
type RedisReportQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	block        time.Duration
	maxLen       int64
	readCount    int64
	logger       *slog.Logger
	once         sync.Once
}

type RedisQueueConfig struct {
	Addr      string
	Password  string
	Stream    string
	Group     string
	Consumer  string
	JobTTL    time.Duration
	Block     time.Duration
	MaxLen    int64
	ReadCount int64
	Logger    *slog.Logger
}

func NewRedisReportQueue(cfg RedisQueueConfig) (*RedisReportQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "reports"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = time.Hour
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisReportQueue{
		client:       redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		jobTTL:       jobTTL,
		block:        block,
		maxLen:       maxLen,
		readCount:    readCount,
		logger:       logger,
	}, nil
}

// Enqueue records a queued job for userID and appends it to the stream.
func (q *RedisReportQueue) Enqueue(ctx context.Context, userID int64) (ReportJob, error) {
	if userID == 0 {
		return ReportJob{}, errors.New("userId required")
	}
	now := time.Now().UTC()
	job := ReportJob{
		ID:        util.NewID(),
		UserID:    userID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return ReportJob{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  job.ID,
			"user_id": strconv.FormatInt(userID, 10),
		},
	}).Err(); err != nil {
		return ReportJob{}, fmt.Errorf("enqueue report job: %w", err)
	}
	return job, nil
}

func (q *RedisReportQueue) GetJob(ctx context.Context, jobID string) (ReportJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return ReportJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return ReportJob{}, false, err
	}
	if len(data) == 0 {
		return ReportJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Run consumes the stream with concurrency workers until ctx is done.
func (q *RedisReportQueue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		g.Go(func() error {
			q.consumeLoop(gctx, consumer, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisReportQueue) Close() error {
	return q.client.Close()
}

func (q *RedisReportQueue) ensureGroup(ctx context.Context) error {
	var err error
	q.once.Do(func() {
		err = q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			err = nil
		}
	})
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (q *RedisReportQueue) consumeLoop(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("report queue read failed", "consumer", consumer, "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(q.block):
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisReportQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	// Ack first: a crash mid-handler drops the job instead of redelivering it.
	q.ackAndDel(ctx, msg.ID)

	jobID, _ := msg.Values["job_id"].(string)
	rawUser, _ := msg.Values["user_id"].(string)
	userID, err := strconv.ParseInt(rawUser, 10, 64)
	if jobID == "" || err != nil {
		q.logger.Warn("dropping malformed report message", "msgId", msg.ID)
		return
	}
	job, err := q.setStatus(ctx, jobID, userID, StatusProcessing, "")
	if err != nil {
		q.logger.Warn("report job status update failed", "jobId", jobID, "err", err)
		job = ReportJob{ID: jobID, UserID: userID, Status: StatusProcessing}
	}
	if err := handler(ctx, job); err != nil {
		q.logger.Error("report job failed", "jobId", jobID, "userId", userID, "err", err)
		_, _ = q.setStatus(ctx, jobID, userID, StatusFailed, err.Error())
		return
	}
	_, _ = q.setStatus(ctx, jobID, userID, StatusDone, "")
}

func (q *RedisReportQueue) ackAndDel(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("report queue ack failed", "msgId", msgID, "err", err)
	}
}

func (q *RedisReportQueue) setStatus(ctx context.Context, jobID string, userID int64, status, errMsg string) (ReportJob, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return ReportJob{}, err
	}
	if !found {
		job = ReportJob{ID: jobID}
	}
	job.UserID = userID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	return job, q.writeStatus(ctx, job)
}

func (q *RedisReportQueue) writeStatus(ctx context.Context, job ReportJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"id":        job.ID,
		"userId":    strconv.FormatInt(job.UserID, 10),
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, payload)
	pipe.Expire(ctx, key, q.jobTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write job status: %w", err)
	}
	return nil
}

func (q *RedisReportQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) ReportJob {
	job := ReportJob{
		ID:           jobID,
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if v := data["userId"]; v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			job.UserID = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
