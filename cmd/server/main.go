// Package main runs the challenge API: segment catalogs for playback, the merge-complete
// webhook, and (when S3 is configured) the capture upload worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/twotruths/mediacore/config"
	"github.com/twotruths/mediacore/internal/auth"
	"github.com/twotruths/mediacore/internal/challenges"
	"github.com/twotruths/mediacore/internal/event"
	"github.com/twotruths/mediacore/internal/metrics"
	"github.com/twotruths/mediacore/internal/middleware"
	"github.com/twotruths/mediacore/internal/probe"
	"github.com/twotruths/mediacore/internal/worker"
	"github.com/twotruths/mediacore/pkg/database"
	"github.com/twotruths/mediacore/pkg/queue"
	"github.com/twotruths/mediacore/pkg/redis"
	"github.com/twotruths/mediacore/pkg/response"
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

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" && cfg.AWS.CapturesBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			CapturesBucket:       cfg.AWS.CapturesBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	publisher := event.New(cfg.NATS.URL, logger)
	defer publisher.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	challengeRepo := challenges.NewRepository(pool)

	var signer challenges.URLSigner
	if s3Client != nil {
		signer = s3Client
	}
	challengeHandler := challenges.NewHandler(challengeRepo, signer, logger)
	challengeHandler.SetQueue(jobQueue)
	mergeWebhook := challenges.NewWebhookHandler(challengeRepo, publisher, m, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins()))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		if err := rdb.Healthy(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/challenges", challengeHandler.Create)
		api.GET("/challenges/:id", challengeHandler.GetByID)
		api.POST("/challenges/:id/guess", challengeHandler.Guess)
		api.GET("/admin/queue", middleware.RequireAdmin(), challengeHandler.QueueStats)
	}

	// Webhooks (no JWT; shared secret from the merge service)
	router.POST("/webhooks/merge-complete", middleware.WebhookSecret(cfg.Server.WebhookSecret), mergeWebhook.MergeComplete)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	// Background worker (capture upload to S3)
	if s3Client != nil {
		processor := worker.NewCaptureProcessor(jobQueue, s3Client, challengeRepo, probe.NewFiles(cfg.Recording.LocalCaptureDir), logger)
		processor.SetPublisher(publisher)
		processor.SetMetrics(m)
		g.Go(func() error {
			processor.Run(gctx)
			return nil
		})
		logger.Info("capture worker started")
	}

	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
