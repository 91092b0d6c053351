// Package upload hands validated captures to the background upload queue and
// reflects upload progress back into the state store.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twotruths/mediacore/internal/event"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/internal/store"
	"github.com/twotruths/mediacore/pkg/queue"
)

// ErrNoChallenge is returned when a capture is handed off before Begin.
var ErrNoChallenge = errors.New("no active challenge for upload")

// Enqueuer is the queue side of the handoff.
type Enqueuer interface {
	EnqueueCaptureUpload(ctx context.Context, payload queue.CaptureUploadPayload) (string, error)
}

// Dispatcher is the state store sink.
type Dispatcher interface {
	Dispatch(a store.Action)
}

// Handoff implements the recorder's uploader by enqueueing capture upload jobs.
type Handoff struct {
	q      Enqueuer
	disp   Dispatcher
	logger *zap.Logger

	mu          sync.Mutex
	challengeID uuid.UUID
	userID      uuid.UUID
}

// NewHandoff creates a handoff. disp may be nil.
func NewHandoff(q Enqueuer, disp Dispatcher, logger *zap.Logger) *Handoff {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handoff{q: q, disp: disp, logger: logger}
}

// Begin binds subsequent captures to a challenge.
func (h *Handoff) Begin(challengeID, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.challengeID = challengeID
	h.userID = userID
}

// Challenge returns the active challenge.
func (h *Handoff) Challenge() (challengeID, userID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.challengeID, h.userID
}

// Handoff enqueues an upload job for artifact.
func (h *Handoff) Handoff(ctx context.Context, artifact models.CaptureArtifact) error {
	challengeID, userID := h.Challenge()
	if challengeID == uuid.Nil {
		return ErrNoChallenge
	}
	if !models.ValidStatementIndex(artifact.StatementIndex) {
		return fmt.Errorf("handoff: invalid statement index %d", artifact.StatementIndex)
	}

	jobID, err := h.q.EnqueueCaptureUpload(ctx, queue.CaptureUploadPayload{
		ChallengeID:    challengeID,
		UserID:         userID,
		StatementIndex: artifact.StatementIndex,
		LocalURI:       artifact.URI,
		DurationMs:     artifact.DurationMs,
		FileSizeBytes:  artifact.FileSizeBytes,
		MimeType:       artifact.MimeType,
		RecordedAt:     artifact.RecordedAt,
	})
	if err != nil {
		h.dispatch(store.UploadFailed{StatementIndex: artifact.StatementIndex, Err: err.Error()})
		return fmt.Errorf("enqueue capture upload: %w", err)
	}

	h.dispatch(store.UploadQueued{StatementIndex: artifact.StatementIndex, JobID: jobID})
	h.logger.Info("capture handed off",
		zap.String("job_id", jobID),
		zap.String("challenge_id", challengeID.String()),
		zap.Int("statement_index", artifact.StatementIndex),
	)
	return nil
}

func (h *Handoff) dispatch(a store.Action) {
	if h.disp != nil {
		h.disp.Dispatch(a)
	}
}

// Tracker mirrors upload events for one challenge into the store.
type Tracker struct {
	sub    event.Subscriber
	disp   Dispatcher
	logger *zap.Logger

	mu     sync.Mutex
	unsubs []func()
}

// NewTracker creates a tracker.
func NewTracker(sub event.Subscriber, disp Dispatcher, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{sub: sub, disp: disp, logger: logger}
}

// Follow starts mirroring events for challengeID, replacing any earlier subscription.
func (t *Tracker) Follow(challengeID uuid.UUID) error {
	t.Stop()
	id := challengeID.String()

	unsubUp, err := t.sub.Subscribe(event.SubjectCaptureUploaded, func(env event.Envelope) {
		var ev event.CaptureUploaded
		if err := env.Decode(&ev); err != nil {
			t.logger.Warn("bad capture.uploaded event", zap.Error(err))
			return
		}
		if ev.ChallengeID == id {
			t.disp.Dispatch(store.UploadFinished{StatementIndex: ev.StatementIndex, URL: ev.URL})
		}
	})
	if err != nil {
		return err
	}
	unsubFail, err := t.sub.Subscribe(event.SubjectCaptureFailed, func(env event.Envelope) {
		var ev event.CaptureFailed
		if err := env.Decode(&ev); err != nil {
			t.logger.Warn("bad capture.failed event", zap.Error(err))
			return
		}
		if ev.ChallengeID == id {
			t.disp.Dispatch(store.UploadFailed{StatementIndex: ev.StatementIndex, Attempts: ev.Attempts, Err: ev.Error})
		}
	})
	if err != nil {
		unsubUp()
		return err
	}

	t.mu.Lock()
	t.unsubs = []func(){unsubUp, unsubFail}
	t.mu.Unlock()
	return nil
}

// Stop ends the current subscription.
func (t *Tracker) Stop() {
	t.mu.Lock()
	unsubs := t.unsubs
	t.unsubs = nil
	t.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}
