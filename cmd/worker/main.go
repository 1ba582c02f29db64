// Package main runs the background job worker (chat transcript archives to S3).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/sessions"
	"github.com/aura-live/backend/internal/worker"
	"github.com/aura-live/backend/pkg/database"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/storage"
)

const stopTimeout = 30 * time.Second

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if !cfg.Redis.Enabled() {
		logger.Fatal("worker requires REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		ArchiveBucket:        cfg.AWS.ArchiveBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		Endpoint:             cfg.AWS.Endpoint,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewArchiveProcessor(sessions.NewRepository(pool), chat.NewRepository(pool), s3Client, jobQueue, logger)

	done := make(chan struct{})
	go func() {
		processor.Run(ctx)
		close(done)
	}()
	logger.Info("worker started", zap.String("queue", queue.QueueArchives))

	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger(level string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	logger, _ := config.Build()
	return logger
}
