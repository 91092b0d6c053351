// Package main runs the standalone capture upload worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/twotruths/mediacore/config"
	"github.com/twotruths/mediacore/internal/challenges"
	"github.com/twotruths/mediacore/internal/event"
	"github.com/twotruths/mediacore/internal/metrics"
	"github.com/twotruths/mediacore/internal/probe"
	"github.com/twotruths/mediacore/internal/worker"
	"github.com/twotruths/mediacore/pkg/database"
	"github.com/twotruths/mediacore/pkg/queue"
	"github.com/twotruths/mediacore/pkg/redis"
	"github.com/twotruths/mediacore/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:               cfg.AWS.Region,
		AccessKeyID:          cfg.AWS.AccessKeyID,
		SecretAccessKey:      cfg.AWS.SecretAccessKey,
		CapturesBucket:       cfg.AWS.CapturesBucket,
		PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	publisher := event.New(cfg.NATS.URL, logger)
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewCaptureProcessor(jobQueue, s3Client, challenges.NewRepository(pool), probe.NewFiles(cfg.Recording.LocalCaptureDir), logger)
	processor.SetPublisher(publisher)
	processor.SetMetrics(m)

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Server.WorkerMetricsPort,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		processor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	logger.Info("worker started")

	if err := g.Wait(); err != nil {
		logger.Error("worker", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
