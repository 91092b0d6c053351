// Package recorder drives the per-statement recording lifecycle: permission,
// storage admission, recording with watchdog and storage polling, stop,
// validation, and handoff to the uploader.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twotruths/mediacore/internal/mediaerr"
	"github.com/twotruths/mediacore/internal/metrics"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/internal/store"
	"github.com/twotruths/mediacore/pkg/clock"
)

var (
	ErrInvalidStatement = errors.New("invalid statement index")
	ErrNotReady         = errors.New("session is not ready to record")
	ErrNotFailed        = errors.New("session has not failed")
	// ErrDiscarded is returned by a stop whose slot was reset or closed before the
	// camera finished. The capture is dropped.
	ErrDiscarded = errors.New("recording discarded")
)

const defaultMimeType = "video/mp4"

type stopReason string

const (
	stopManual     stopReason = "manual"
	stopWatchdog   stopReason = "watchdog"
	stopCameraDone stopReason = "camera_finished"
)

// stopTicket names a slot that entered Stopping at generation gen.
type stopTicket struct {
	idx int
	gen uint64
}

type outcome struct {
	res CameraResult
	err error
}

// slot is the mutable state behind one statement's RecordingSession.
type slot struct {
	session    models.RecordingSession
	permission bool
	starting   bool
	// interrupted is set when the app is backgrounded while the camera is still starting.
	interrupted bool
	// gen invalidates timer callbacks and await goroutines from earlier recordings.
	gen uint64
	// cameraBusy holds the camera from Stopping until StopRecording returns. It
	// survives Reset so a discarded stop still owns the camera.
	cameraBusy  bool
	stoppedAt   time.Time
	results     chan outcome
	cancelAwait context.CancelFunc
	watchdog    clock.Timer
	storagePoll clock.Timer
	tick        clock.Timer
}

// Controller owns the three statement slots and the single camera.
type Controller struct {
	camera  Camera
	storage StorageProbe
	files   FileInspector
	limits  Limits
	log     *zap.Logger

	uploader   Uploader
	dispatcher Dispatcher
	clock      clock.Clock
	metrics    *metrics.Metrics

	mu    sync.Mutex
	pubMu sync.Mutex
	slots [models.StatementCount]*slot
}

// NewController creates a recording controller. Collaborators other than the camera,
// storage probe, and file inspector are optional and set with the Set* methods.
func NewController(camera Camera, storage StorageProbe, files FileInspector, limits Limits, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Controller{
		camera:     camera,
		storage:    storage,
		files:      files,
		limits:     limits,
		log:        log,
		dispatcher: noopDispatcher{},
		clock:      clock.Real{},
	}
	for i := range c.slots {
		c.slots[i] = &slot{session: models.RecordingSession{StatementIndex: i, State: models.RecordingIdle}}
	}
	return c
}

// SetUploader sets the handoff target for completed captures.
func (c *Controller) SetUploader(u Uploader) { c.uploader = u }

// SetDispatcher mirrors every session change into a state store.
func (c *Controller) SetDispatcher(d Dispatcher) {
	if d == nil {
		d = noopDispatcher{}
	}
	c.dispatcher = d
}

// SetClock replaces the wall clock (tests).
func (c *Controller) SetClock(clk clock.Clock) { c.clock = clk }

// SetMetrics enables capture outcome metrics.
func (c *Controller) SetMetrics(m *metrics.Metrics) { c.metrics = m }

// Session returns a snapshot of the statement's session.
func (c *Controller) Session(idx int) (models.RecordingSession, error) {
	if !models.ValidStatementIndex(idx) {
		return models.RecordingSession{}, ErrInvalidStatement
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[idx].session, nil
}

// Prepare acquires camera permissions: Idle -> PermissionPending -> Ready | Failed.
func (c *Controller) Prepare(ctx context.Context, idx int) error {
	if !models.ValidStatementIndex(idx) {
		return ErrInvalidStatement
	}
	c.mu.Lock()
	s := c.slots[idx]
	if s.session.State != models.RecordingIdle {
		c.mu.Unlock()
		return nil
	}
	s.session.State = models.RecordingPermissionPending
	c.mu.Unlock()
	c.notify(idx)

	return c.acquirePermission(ctx, idx)
}

func (c *Controller) acquirePermission(ctx context.Context, idx int) error {
	granted, err := c.camera.RequestPermissions(ctx)

	c.mu.Lock()
	s := c.slots[idx]
	if s.session.State != models.RecordingPermissionPending {
		c.mu.Unlock()
		return nil
	}
	if err != nil || !granted {
		merr := mediaerr.Wrap(mediaerr.PermissionDenied, idx, "camera or microphone permission denied", err)
		c.failLocked(s, merr)
		c.mu.Unlock()
		c.notify(idx)
		c.log.Warn("permission denied", zap.Int("statement_index", idx), zap.Error(err))
		return merr
	}
	s.permission = true
	s.session.State = models.RecordingReady
	c.mu.Unlock()
	c.notify(idx)
	return nil
}

// Start begins recording. It is a no-op when the slot is already recording or starting.
func (c *Controller) Start(ctx context.Context, idx int) error {
	if !models.ValidStatementIndex(idx) {
		return ErrInvalidStatement
	}
	c.mu.Lock()
	s := c.slots[idx]
	if s.session.State == models.RecordingActive || s.starting {
		c.mu.Unlock()
		return nil
	}
	if s.session.State != models.RecordingReady {
		state := s.session.State
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	if other := c.cameraOwnerLocked(); other >= 0 {
		c.mu.Unlock()
		return mediaerr.New(mediaerr.CameraUnavailable, idx, fmt.Sprintf("camera in use by statement %d", other))
	}
	if !s.permission {
		merr := mediaerr.New(mediaerr.PermissionDenied, idx, "permissions not granted")
		c.failLocked(s, merr)
		c.mu.Unlock()
		c.notify(idx)
		return merr
	}
	s.starting = true
	gen := s.gen
	c.mu.Unlock()

	if merr := c.checkStorage(idx); merr != nil {
		c.mu.Lock()
		s.starting = false
		if s.gen == gen {
			c.failLocked(s, merr)
		}
		c.mu.Unlock()
		c.notify(idx)
		return merr
	}

	handle, err := c.camera.StartRecording(ctx, c.limits.recordOptions())

	c.mu.Lock()
	s.starting = false
	if s.gen != gen {
		// reset or closed while the camera was starting
		c.mu.Unlock()
		if err == nil {
			_ = c.camera.StopRecording(context.Background())
		}
		return nil
	}
	if err != nil {
		merr := classifyStartError(idx, err)
		c.failLocked(s, merr)
		c.mu.Unlock()
		c.notify(idx)
		c.log.Error("start recording failed", zap.Int("statement_index", idx), zap.Error(err))
		return merr
	}

	s.session.State = models.RecordingActive
	s.session.StartedAt = c.clock.Now()
	s.session.ErrorKind = ""
	s.session.Err = nil
	s.results = make(chan outcome, 1)
	awaitCtx, cancel := context.WithCancel(context.Background())
	s.cancelAwait = cancel
	c.armLocked(idx, s)
	results := s.results
	interrupted := s.interrupted
	s.interrupted = false
	var ticket stopTicket
	if interrupted {
		ticket = stopTicket{idx: idx, gen: c.enterStoppingLocked(s)}
	}
	c.mu.Unlock()

	go c.await(awaitCtx, idx, gen, handle, results)
	c.log.Info("recording started", zap.Int("statement_index", idx), zap.String("handle", string(handle)))
	c.notify(idx)

	if interrupted {
		_ = c.interrupt(ctx, []stopTicket{ticket})
		return mediaerr.New(mediaerr.BackgroundInterrupted, idx, "app backgrounded while recording started")
	}
	return nil
}

// Stop ends a recording and validates the capture. The session always leaves
// Stopping: it ends in Complete or Failed.
func (c *Controller) Stop(ctx context.Context, idx int) error {
	if !models.ValidStatementIndex(idx) {
		return ErrInvalidStatement
	}
	return c.stop(ctx, idx, 0, false, stopManual)
}

func (c *Controller) stop(ctx context.Context, idx int, gen uint64, checkGen bool, reason stopReason) error {
	c.mu.Lock()
	s := c.slots[idx]
	if s.session.State != models.RecordingActive || (checkGen && s.gen != gen) {
		c.mu.Unlock()
		return nil
	}
	stopGen := c.enterStoppingLocked(s)
	results := s.results
	c.mu.Unlock()
	c.notify(idx)
	c.log.Info("stopping recording", zap.Int("statement_index", idx), zap.String("reason", string(reason)))

	if reason != stopCameraDone {
		err := c.camera.StopRecording(ctx)
		if err != nil {
			c.releaseCamera(idx)
			return c.finishFailed(idx, stopGen, mediaerr.Wrap(mediaerr.RecordingFailed, idx, "camera failed to stop", err))
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.limits.StopTimeout)
	defer cancel()
	var out outcome
	select {
	case out = <-results:
	case <-waitCtx.Done():
		c.releaseCamera(idx)
		return c.finishFailed(idx, stopGen,
			mediaerr.Wrap(mediaerr.TimeoutError, idx, "camera did not finalize the recording", waitCtx.Err()))
	}
	c.releaseCamera(idx)
	return c.finalize(ctx, idx, stopGen, out)
}

// finalize runs Validating -> Complete | Failed and hands completed captures off.
// A slot whose generation moved past gen was reset or closed; its result is dropped.
func (c *Controller) finalize(ctx context.Context, idx int, gen uint64, out outcome) error {
	c.mu.Lock()
	s := c.slots[idx]
	if s.gen != gen || s.session.State != models.RecordingStopping {
		c.mu.Unlock()
		c.log.Info("dropping discarded recording", zap.Int("statement_index", idx))
		return ErrDiscarded
	}
	s.session.State = models.RecordingValidating
	startedAt, stoppedAt := s.session.StartedAt, s.stoppedAt
	c.mu.Unlock()
	c.notify(idx)

	if out.err != nil {
		return c.finishFailed(idx, gen, mediaerr.Wrap(mediaerr.RecordingFailed, idx, "camera returned no recording", out.err))
	}
	if out.res.URI == "" {
		return c.finishFailed(idx, gen, mediaerr.New(mediaerr.RecordingFailed, idx, "camera returned an empty uri"))
	}

	size, err := c.files.Stat(ctx, out.res.URI)
	if err != nil {
		return c.finishFailed(idx, gen, mediaerr.Wrap(mediaerr.RecordingFailed, idx, "recorded file is missing", err))
	}

	elapsedMs := stoppedAt.Sub(startedAt).Milliseconds()
	final, verr := ValidateCapture(idx, size, elapsedMs, out.res.DurationMs, c.limits)
	if verr != nil {
		return c.finishFailed(idx, gen, verr)
	}

	mime := out.res.MimeType
	if mime == "" {
		mime = defaultMimeType
	}
	artifact := &models.CaptureArtifact{
		StatementIndex: idx,
		URI:            out.res.URI,
		DurationMs:     final,
		FileSizeBytes:  size,
		MimeType:       mime,
		RecordedAt:     startedAt,
	}

	c.mu.Lock()
	if s.gen != gen {
		c.mu.Unlock()
		c.log.Info("dropping discarded recording", zap.Int("statement_index", idx))
		return ErrDiscarded
	}
	s.session.State = models.RecordingComplete
	s.session.Artifact = artifact
	c.mu.Unlock()
	c.notify(idx)
	c.metrics.ObserveCapture("complete", final)
	c.log.Info("recording complete",
		zap.Int("statement_index", idx),
		zap.Int64("duration_ms", final),
		zap.Int64("size_bytes", size),
		zap.Int64("timer_ms", elapsedMs),
		zap.Int64("decoder_ms", out.res.DurationMs),
	)

	if c.uploader == nil {
		return nil
	}
	if err := c.uploader.Handoff(ctx, *artifact); err != nil {
		c.log.Error("handoff to uploader failed", zap.Int("statement_index", idx), zap.Error(err))
		return mediaerr.Wrap(mediaerr.NetworkError, idx, "upload handoff failed", err)
	}
	return nil
}

// HandleAppState reacts to the host app changing foreground state. Backgrounding
// while recording forces every active session to Stopping before any camera call.
func (c *Controller) HandleAppState(ctx context.Context, st AppState) error {
	if st != AppBackground {
		return nil
	}
	var stopped []stopTicket
	c.mu.Lock()
	for i, s := range c.slots {
		switch {
		case s.session.State == models.RecordingActive:
			stopped = append(stopped, stopTicket{idx: i, gen: c.enterStoppingLocked(s)})
		case s.starting:
			s.interrupted = true
		}
	}
	c.mu.Unlock()
	if len(stopped) == 0 {
		return nil
	}
	for _, t := range stopped {
		c.notify(t.idx)
	}
	return c.interrupt(ctx, stopped)
}

// interrupt stops the camera for slots already moved to Stopping and fails them as
// BACKGROUND_INTERRUPTED. Any capture produced is discarded.
func (c *Controller) interrupt(ctx context.Context, tickets []stopTicket) error {
	var first error
	for _, t := range tickets {
		if err := c.camera.StopRecording(ctx); err != nil {
			c.log.Warn("camera stop failed during background interruption", zap.Int("statement_index", t.idx), zap.Error(err))
		}
		c.releaseCamera(t.idx)
		merr := mediaerr.New(mediaerr.BackgroundInterrupted, t.idx, "recording interrupted because the app went to background")
		if err := c.finishFailed(t.idx, t.gen, merr); err != nil && first == nil && !errors.Is(err, ErrDiscarded) {
			first = err
		}
	}
	return first
}

// Retry re-enters Ready after a failure, up to Limits.MaxRetries times.
func (c *Controller) Retry(ctx context.Context, idx int) error {
	if !models.ValidStatementIndex(idx) {
		return ErrInvalidStatement
	}
	c.mu.Lock()
	s := c.slots[idx]
	if s.session.State != models.RecordingFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	if s.session.Retries >= c.limits.MaxRetries {
		kind := s.session.ErrorKind
		merr := mediaerr.New(kind, idx, fmt.Sprintf("gave up after %d retries; re-record required", s.session.Retries)).Terminal()
		merr.RequiresReRecord = true
		s.session.Err = merr
		c.mu.Unlock()
		c.notify(idx)
		return merr
	}
	s.session.Retries++
	s.session.ErrorKind = ""
	s.session.Err = nil
	s.session.Artifact = nil
	needPermission := !s.permission
	if needPermission {
		s.session.State = models.RecordingPermissionPending
	} else {
		s.session.State = models.RecordingReady
	}
	retries := s.session.Retries
	c.mu.Unlock()
	c.notify(idx)
	c.log.Info("retrying recording", zap.Int("statement_index", idx), zap.Int("attempt", retries))

	if needPermission {
		return c.acquirePermission(ctx, idx)
	}
	return nil
}

// Reset discards the slot and returns it to Idle so the statement can be re-recorded
// from scratch. Permissions already granted are kept. A stop still in flight keeps the
// camera until it returns, and its result is dropped.
func (c *Controller) Reset(ctx context.Context, idx int) error {
	if !models.ValidStatementIndex(idx) {
		return ErrInvalidStatement
	}
	c.mu.Lock()
	s := c.slots[idx]
	// a Stopping slot's camera is being stopped by its in-flight stop
	ownsCamera := s.session.State == models.RecordingActive
	c.releaseLocked(s)
	s.session = models.RecordingSession{StatementIndex: idx, State: models.RecordingIdle}
	c.mu.Unlock()

	if ownsCamera {
		if err := c.camera.StopRecording(ctx); err != nil {
			c.log.Warn("camera stop failed during reset", zap.Int("statement_index", idx), zap.Error(err))
		}
	}
	c.notify(idx)
	c.dispatcher.Dispatch(store.UploadReset{StatementIndex: idx})
	return nil
}

// Close cancels every timer and pending await. Sessions that were recording or
// stopping end Failed; the rest keep their last state. In-flight stops drop their result.
func (c *Controller) Close() {
	c.mu.Lock()
	var recording bool
	var changed []int
	for i, s := range c.slots {
		switch s.session.State {
		case models.RecordingActive:
			recording = true
			c.failLocked(s, mediaerr.New(mediaerr.RecordingFailed, i, "controller closed while recording"))
			changed = append(changed, i)
		case models.RecordingStopping, models.RecordingValidating:
			c.failLocked(s, mediaerr.New(mediaerr.RecordingFailed, i, "controller closed while stopping"))
			changed = append(changed, i)
		}
		c.releaseLocked(s)
	}
	c.mu.Unlock()
	if recording {
		_ = c.camera.StopRecording(context.Background())
	}
	for _, i := range changed {
		c.notify(i)
	}
}

func (c *Controller) await(ctx context.Context, idx int, gen uint64, h Handle, results chan<- outcome) {
	res, err := c.camera.AwaitResult(ctx, h)
	results <- outcome{res: res, err: err}
	// camera finished on its own (e.g. hit its internal duration limit)
	_ = c.stop(context.Background(), idx, gen, true, stopCameraDone)
}

func (c *Controller) armLocked(idx int, s *slot) {
	gen := s.gen
	s.watchdog = c.clock.AfterFunc(c.limits.MaxDuration+c.limits.WatchdogBuffer, func() {
		c.log.Warn("recording watchdog fired", zap.Int("statement_index", idx))
		_ = c.stop(context.Background(), idx, gen, true, stopWatchdog)
	})
	s.storagePoll = c.clock.AfterFunc(c.limits.StoragePollInterval, func() { c.pollStorage(idx, gen) })
	s.tick = c.clock.AfterFunc(c.limits.ElapsedTickInterval, func() { c.elapsedTick(idx, gen) })
}

func (c *Controller) pollStorage(idx int, gen uint64) {
	if !c.isRecording(idx, gen) {
		return
	}
	if merr := c.checkStorage(idx); merr != nil {
		c.abort(idx, gen, merr)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.slots[idx]; s.gen == gen && s.session.State == models.RecordingActive {
		s.storagePoll = c.clock.AfterFunc(c.limits.StoragePollInterval, func() { c.pollStorage(idx, gen) })
	}
}

func (c *Controller) elapsedTick(idx int, gen uint64) {
	c.mu.Lock()
	s := c.slots[idx]
	if s.gen != gen || s.session.State != models.RecordingActive {
		c.mu.Unlock()
		return
	}
	elapsed := c.clock.Now().Sub(s.session.StartedAt).Milliseconds()
	s.tick = c.clock.AfterFunc(c.limits.ElapsedTickInterval, func() { c.elapsedTick(idx, gen) })
	c.mu.Unlock()
	c.dispatcher.Dispatch(store.RecordingElapsed{StatementIndex: idx, ElapsedMs: elapsed})
}

// abort stops an active recording and fails it with merr, discarding the capture.
func (c *Controller) abort(idx int, gen uint64, merr *mediaerr.Error) {
	c.mu.Lock()
	s := c.slots[idx]
	if s.gen != gen || s.session.State != models.RecordingActive {
		c.mu.Unlock()
		return
	}
	stopGen := c.enterStoppingLocked(s)
	c.mu.Unlock()
	c.notify(idx)
	c.log.Warn("aborting recording", zap.Int("statement_index", idx), zap.String("kind", string(merr.Kind)))

	if err := c.camera.StopRecording(context.Background()); err != nil {
		c.log.Warn("camera stop failed during abort", zap.Int("statement_index", idx), zap.Error(err))
	}
	c.releaseCamera(idx)
	_ = c.finishFailed(idx, stopGen, merr)
}

// checkStorage is the storage admission check. An unreadable probe does not block recording.
func (c *Controller) checkStorage(idx int) *mediaerr.Error {
	free, err := c.storage.FreeBytes()
	if err != nil {
		c.log.Warn("storage probe failed", zap.Int("statement_index", idx), zap.Error(err))
		return nil
	}
	if free < c.limits.StorageFloorBytes {
		return mediaerr.New(mediaerr.StorageFull, idx,
			fmt.Sprintf("%d bytes free, need at least %d", free, c.limits.StorageFloorBytes))
	}
	return nil
}

func (c *Controller) isRecording(idx int, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slots[idx]
	return s.gen == gen && s.session.State == models.RecordingActive
}

// enterStoppingLocked is the single exit from Recording: timers die here. The returned
// generation identifies this stop; Reset and Close move past it.
func (c *Controller) enterStoppingLocked(s *slot) uint64 {
	s.session.State = models.RecordingStopping
	s.stoppedAt = c.clock.Now()
	s.cameraBusy = true
	c.cancelTimersLocked(s)
	s.gen++
	return s.gen
}

func (c *Controller) releaseCamera(idx int) {
	c.mu.Lock()
	c.slots[idx].cameraBusy = false
	c.mu.Unlock()
}

func (c *Controller) cancelTimersLocked(s *slot) {
	for _, t := range []clock.Timer{s.watchdog, s.storagePoll, s.tick} {
		if t != nil {
			t.Stop()
		}
	}
	s.watchdog, s.storagePoll, s.tick = nil, nil, nil
}

func (c *Controller) releaseLocked(s *slot) {
	c.cancelTimersLocked(s)
	if s.cancelAwait != nil {
		s.cancelAwait()
		s.cancelAwait = nil
	}
	s.starting = false
	s.interrupted = false
	s.gen++
}

func (c *Controller) failLocked(s *slot, merr *mediaerr.Error) {
	c.cancelTimersLocked(s)
	s.session.State = models.RecordingFailed
	s.session.ErrorKind = merr.Kind
	s.session.Err = merr
	s.session.Artifact = nil
}

// finishFailed fails the slot if it is still at generation gen. It returns merr, or
// ErrDiscarded when the slot moved on.
func (c *Controller) finishFailed(idx int, gen uint64, merr *mediaerr.Error) error {
	c.mu.Lock()
	s := c.slots[idx]
	if s.gen != gen {
		c.mu.Unlock()
		c.log.Info("dropping discarded recording", zap.Int("statement_index", idx), zap.String("kind", string(merr.Kind)))
		return ErrDiscarded
	}
	c.failLocked(s, merr)
	if s.cancelAwait != nil {
		s.cancelAwait()
		s.cancelAwait = nil
	}
	c.mu.Unlock()
	c.notify(idx)
	c.metrics.ObserveCapture(string(merr.Kind), 0)
	c.log.Warn("recording failed",
		zap.Int("statement_index", idx),
		zap.String("kind", string(merr.Kind)),
		zap.Bool("recoverable", merr.Recoverable),
		zap.Error(merr),
	)
	return merr
}

// cameraOwnerLocked returns the slot currently holding the camera, or -1.
func (c *Controller) cameraOwnerLocked() int {
	for i, s := range c.slots {
		if s.starting || s.cameraBusy || s.session.State == models.RecordingActive || s.session.State == models.RecordingStopping {
			return i
		}
	}
	return -1
}

// notify publishes the latest snapshot. pubMu keeps snapshots ordered; subscribers
// must not call back into the controller synchronously.
func (c *Controller) notify(idx int) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	c.mu.Lock()
	snap := c.slots[idx].session
	c.mu.Unlock()
	c.dispatcher.Dispatch(store.RecordingChanged{Session: snap})
}

func classifyStartError(idx int, err error) *mediaerr.Error {
	var merr *mediaerr.Error
	if errors.As(err, &merr) {
		return merr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mediaerr.Wrap(mediaerr.TimeoutError, idx, "camera did not start in time", err)
	}
	return mediaerr.Wrap(mediaerr.CameraUnavailable, idx, "camera failed to start recording", err)
}
