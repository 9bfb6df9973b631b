package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"formbot/internal/ratelimit"
	"formbot/internal/userlock"
	"formbot/internal/util"
	"formbot/pkg/queue"
	"formbot/pkg/report"
	"formbot/pkg/storage"
	"formbot/pkg/store"
	"formbot/services/bot/internal/app"
	"formbot/services/bot/internal/config"
	"formbot/services/bot/internal/server"
	"formbot/services/bot/internal/telegram"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bot stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("bot stopped")
}

func run(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) error {
	messages, err := app.DefaultMessages().WithOverrides(cfg.Messages)
	if err != nil {
		return fmt.Errorf("messages: %w", err)
	}

	dataStore, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer dataStore.Close()

	var locker userlock.Locker = userlock.NewMemoryLocker()
	if cfg.LockBackend == config.BackendRedis {
		redisLocker, err := userlock.NewRedisLocker(userlock.RedisLockerConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return fmt.Errorf("init redis locker: %w", err)
		}
		defer redisLocker.Close()
		locker = redisLocker
	}

	var limiter app.RateLimiter
	if cfg.RateLimitPerMinute > 0 {
		userLimiter, err := ratelimit.NewUserLimiter(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Limit:    cfg.RateLimitPerMinute,
			Window:   time.Minute,
		})
		if err != nil {
			return fmt.Errorf("init rate limiter: %w", err)
		}
		defer userLimiter.Close()
		limiter = userLimiter
	}

	bot, err := telegram.New(telegram.Config{
		Token:       cfg.TelegramToken,
		APIEndpoint: cfg.TelegramAPIEndpoint,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	renderer, err := report.NewRenderer(cfg.ReportFormat)
	if err != nil {
		return err
	}
	aggregator, err := report.New(report.Config{
		Source:   dataStore,
		Renderer: renderer,
		Dir:      cfg.ReportDir,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init report aggregator: %w", err)
	}

	var archive storage.Archive
	if cfg.Minio.Enabled() {
		minioArchive, err := storage.NewMinioArchive(ctx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			return fmt.Errorf("init report archive: %w", err)
		}
		archive = minioArchive
	}

	delivery, err := app.NewReportDelivery(app.DeliveryConfig{
		Generator: aggregator,
		Sender:    bot,
		Archive:   archive,
		Messages:  messages,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	var dispatcher app.ReportDispatcher
	switch cfg.ReportBackend {
	case config.BackendRedis:
		reportQueue, err := queue.NewRedisReportQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.ReportQueueName,
			Logger:   logger,
		})
		if err != nil {
			return fmt.Errorf("init report queue: %w", err)
		}
		queueDispatcher := app.NewQueueDispatcher(reportQueue, delivery, cfg.ReportConcurrency, logger)
		queueDispatcher.Start(ctx)
		dispatcher = queueDispatcher
	default:
		dispatcher = app.NewPoolDispatcher(delivery, cfg.ReportConcurrency, logger)
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("report dispatcher close", "err", err)
		}
	}()

	application, err := app.New(app.Config{
		Store:      dataStore,
		Locker:     locker,
		Sender:     bot,
		Dispatcher: dispatcher,
		Limiter:    limiter,
		Messages:   messages,
		Timeout:    cfg.FormTimeout(),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}

	sweeper, err := app.NewSweeper(app.SweeperConfig{
		Store:    dataStore,
		Timeout:  cfg.FormTimeout(),
		Interval: cfg.SweepInterval(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	var receiver app.Receiver
	serverCfg := server.Config{Checks: map[string]server.Pinger{"database": dataStore}}
	if cfg.TelegramMode == config.ModeWebhook {
		webhook, err := telegram.NewWebhook(bot, cfg.WebhookURL, cfg.WebhookSecret)
		if err != nil {
			return err
		}
		serverCfg.Webhook = webhook
		receiver = webhook
	} else {
		receiver = telegram.NewPoller(bot)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.New(serverCfg).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("bot server listening", "addr", addr, "mode", cfg.TelegramMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runErr := receiver.Run(ctx, application.Handler())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := <-serveErr; err != nil {
		return errors.Join(runErr, fmt.Errorf("http server: %w", err))
	}
	return runErr
}
