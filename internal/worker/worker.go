// Package worker drains the capture upload queue: each job streams a validated local
// capture to S3 and records it against its challenge.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/twotruths/mediacore/internal/event"
	"github.com/twotruths/mediacore/internal/metrics"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/pkg/queue"
	"github.com/twotruths/mediacore/pkg/storage"
)

// Jobs is the queue side the processor consumes. *queue.Queue implements it.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, string, error)
	Retry(ctx context.Context, job *queue.Job, cause error) (dead bool, err error)
}

// ObjectStore receives capture bytes. *storage.S3 implements it.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// CaptureStore records uploaded captures. *challenges.Repository implements it.
type CaptureStore interface {
	UpsertCapture(ctx context.Context, c models.ChallengeCapture) (allUploaded bool, err error)
}

// LocalFiles resolves capture URIs to local paths. *probe.Files implements it.
type LocalFiles interface {
	Path(uri string) (string, error)
}

// CaptureProcessor processes capture upload jobs: open local file, upload to S3, update DB.
type CaptureProcessor struct {
	jobs      Jobs
	objects   ObjectStore
	captures  CaptureStore
	files     LocalFiles
	publisher event.Publisher
	metrics   *metrics.Metrics
	backoff   time.Duration
	logger    *zap.Logger
}

// NewCaptureProcessor creates a capture upload processor.
func NewCaptureProcessor(jobs Jobs, objects ObjectStore, captures CaptureStore, files LocalFiles, logger *zap.Logger) *CaptureProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureProcessor{
		jobs:      jobs,
		objects:   objects,
		captures:  captures,
		files:     files,
		publisher: event.Noop(),
		backoff:   queue.RetryBackoff,
		logger:    logger,
	}
}

// SetPublisher sets where capture lifecycle events go.
func (p *CaptureProcessor) SetPublisher(pub event.Publisher) {
	if pub != nil {
		p.publisher = pub
	}
}

// SetMetrics enables job metrics.
func (p *CaptureProcessor) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Process executes one capture upload job.
func (p *CaptureProcessor) Process(ctx context.Context, job *queue.Job) (event.CaptureUploaded, error) {
	payload, err := job.CapturePayload()
	if err != nil {
		return event.CaptureUploaded{}, err
	}
	if !models.ValidStatementIndex(payload.StatementIndex) {
		return event.CaptureUploaded{}, fmt.Errorf("invalid statement index %d", payload.StatementIndex)
	}

	path, err := p.files.Path(payload.LocalURI)
	if err != nil {
		return event.CaptureUploaded{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return event.CaptureUploaded{}, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return event.CaptureUploaded{}, fmt.Errorf("stat capture: %w", err)
	}

	mime := payload.MimeType
	if mime == "" {
		mime = "video/mp4"
	}
	key := storage.CaptureKey(payload.ChallengeID.String(), payload.StatementIndex, mime)

	// Stream upload to S3 (no full buffer)
	url, err := p.objects.Upload(ctx, key, mime, f, info.Size())
	if err != nil {
		return event.CaptureUploaded{}, fmt.Errorf("s3 upload: %w", err)
	}

	allUploaded, err := p.captures.UpsertCapture(ctx, models.ChallengeCapture{
		ChallengeID:    payload.ChallengeID,
		StatementIndex: payload.StatementIndex,
		S3URL:          url,
		S3Key:          key,
		DurationMs:     payload.DurationMs,
		FileSize:       info.Size(),
	})
	if err != nil {
		return event.CaptureUploaded{}, fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("capture upload completed",
		zap.String("challenge_id", payload.ChallengeID.String()),
		zap.Int("statement_index", payload.StatementIndex),
		zap.String("s3_key", key),
		zap.Bool("all_uploaded", allUploaded),
	)
	return event.CaptureUploaded{
		ChallengeID:    payload.ChallengeID.String(),
		StatementIndex: payload.StatementIndex,
		URL:            url,
		Key:            key,
		DurationMs:     payload.DurationMs,
		Attempt:        job.Attempt + 1,
	}, nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *CaptureProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("capture worker stopping")
			return
		default:
		}

		if _, err := p.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			p.sleep(ctx)
		}
	}
}

// ProcessNext dequeues and handles at most one job. handled is false when the queue
// stayed empty for a dequeue timeout. A failed job is retried or dead-lettered before
// the error is returned.
func (p *CaptureProcessor) ProcessNext(ctx context.Context) (handled bool, err error) {
	job, _, err := p.jobs.Dequeue(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("dequeue error", zap.Error(err))
		}
		return false, err
	}
	if job == nil {
		return false, nil
	}

	p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
	start := time.Now()
	ev, err := p.Process(ctx, job)
	if err == nil {
		p.metrics.ObserveUploadJob("success", time.Since(start).Seconds())
		if pubErr := p.publisher.PublishCaptureUploaded(ctx, ev); pubErr != nil {
			p.logger.Warn("publish capture uploaded failed", zap.Error(pubErr), zap.String("job_id", job.ID))
		}
		return true, nil
	}

	p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
	dead, reErr := p.jobs.Retry(ctx, job, err)
	if reErr != nil {
		p.logger.Error("retry enqueue failed", zap.Error(reErr), zap.String("job_id", job.ID))
	}
	status := "retry"
	if dead {
		status = "dead_letter"
	}
	p.metrics.ObserveUploadJob(status, time.Since(start).Seconds())

	failed := event.CaptureFailed{
		Attempts:     job.Attempt,
		Error:        err.Error(),
		DeadLettered: dead,
	}
	if payload, perr := job.CapturePayload(); perr == nil {
		failed.ChallengeID = payload.ChallengeID.String()
		failed.StatementIndex = payload.StatementIndex
	}
	if pubErr := p.publisher.PublishCaptureFailed(ctx, failed); pubErr != nil {
		p.logger.Warn("publish capture failed event failed", zap.Error(pubErr), zap.String("job_id", job.ID))
	}
	return true, err
}

func (p *CaptureProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
