package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/twotruths/mediacore/internal/mediaerr"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/internal/store"
	"github.com/twotruths/mediacore/pkg/clock"
)

type fakeCamera struct {
	mu         sync.Mutex
	granted    bool
	permErr    error
	startErr   error
	stopErr    error
	result     CameraResult
	resultErr  error
	noFinalize bool
	starts     int
	stops      int
	done       chan struct{}
	closed     bool
}

func newFakeCamera() *fakeCamera {
	return &fakeCamera{
		granted: true,
		result:  CameraResult{URI: "file:///tmp/capture.mp4", MimeType: "video/mp4"},
	}
}

func (f *fakeCamera) RequestPermissions(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted, f.permErr
}

func (f *fakeCamera) StartRecording(context.Context, RecordOptions) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts++
	f.done = make(chan struct{})
	f.closed = false
	return Handle(fmt.Sprintf("rec-%d", f.starts)), nil
}

func (f *fakeCamera) StopRecording(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	if f.stopErr != nil {
		return f.stopErr
	}
	f.finishLocked()
	return nil
}

// finish simulates the camera ending the recording on its own.
func (f *fakeCamera) finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked()
}

func (f *fakeCamera) finishLocked() {
	if f.done != nil && !f.closed {
		close(f.done)
		f.closed = true
	}
}

func (f *fakeCamera) AwaitResult(ctx context.Context, _ Handle) (CameraResult, error) {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()
	select {
	case <-done:
	case <-ctx.Done():
		return CameraResult{}, ctx.Err()
	}
	f.mu.Lock()
	noFinalize, res, err := f.noFinalize, f.result, f.resultErr
	f.mu.Unlock()
	if noFinalize {
		<-ctx.Done()
		return CameraResult{}, ctx.Err()
	}
	return res, err
}

func (f *fakeCamera) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeStorage struct{ free atomic.Int64 }

func (s *fakeStorage) FreeBytes() (int64, error)  { return s.free.Load(), nil }
func (s *fakeStorage) TotalBytes() (int64, error) { return 64 << 30, nil }

type fakeFiles struct {
	size int64
	err  error
}

func (f *fakeFiles) Stat(context.Context, string) (int64, error) { return f.size, f.err }

type fakeUploader struct {
	mu        sync.Mutex
	artifacts []models.CaptureArtifact
	err       error
}

func (u *fakeUploader) Handoff(_ context.Context, a models.CaptureArtifact) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.artifacts = append(u.artifacts, a)
	return nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.artifacts)
}

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []store.Action
}

func (d *recordingDispatcher) Dispatch(a store.Action) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actions = append(d.actions, a)
}

func (d *recordingDispatcher) states(idx int) []models.RecordingState {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.RecordingState
	for _, a := range d.actions {
		if rc, ok := a.(store.RecordingChanged); ok && rc.Session.StatementIndex == idx {
			out = append(out, rc.Session.State)
		}
	}
	return out
}

func (d *recordingDispatcher) has(match func(store.Action) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.actions {
		if match(a) {
			return true
		}
	}
	return false
}

type harness struct {
	c     *Controller
	cam   *fakeCamera
	clk   *clock.Mock
	disk  *fakeStorage
	files *fakeFiles
	up    *fakeUploader
	disp  *recordingDispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cam:   newFakeCamera(),
		clk:   clock.NewMock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
		disk:  &fakeStorage{},
		files: &fakeFiles{size: 4 << 20},
		up:    &fakeUploader{},
		disp:  &recordingDispatcher{},
	}
	h.disk.free.Store(10 << 30)
	h.c = NewController(h.cam, h.disk, h.files, DefaultLimits(), nil)
	h.c.SetClock(h.clk)
	h.c.SetUploader(h.up)
	h.c.SetDispatcher(h.disp)
	t.Cleanup(h.c.Close)
	return h
}

func (h *harness) startRecording(t *testing.T, idx int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.c.Prepare(ctx, idx))
	require.NoError(t, h.c.Start(ctx, idx))
	requireState(t, h.c, idx, models.RecordingActive)
}

func requireState(t *testing.T, c *Controller, idx int, want models.RecordingState) models.RecordingSession {
	t.Helper()
	s, err := c.Session(idx)
	require.NoError(t, err)
	require.Equal(t, want, s.State)
	return s
}

func TestController_RecordStopComplete(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.cam.result.DurationMs = 9500

	h.startRecording(t, 0)
	h.clk.Advance(10 * time.Second)
	require.NoError(t, h.c.Stop(context.Background(), 0))

	s := requireState(t, h.c, 0, models.RecordingComplete)
	require.NotNil(t, s.Artifact)
	assert.Equal(t, int64(10000), s.Artifact.DurationMs)
	assert.Equal(t, int64(4<<20), s.Artifact.FileSizeBytes)
	assert.Equal(t, "video/mp4", s.Artifact.MimeType)
	assert.Equal(t, 1, h.up.count())
	assert.Equal(t, 0, h.clk.Pending())

	assert.Equal(t, []models.RecordingState{
		models.RecordingPermissionPending,
		models.RecordingReady,
		models.RecordingActive,
		models.RecordingStopping,
		models.RecordingValidating,
		models.RecordingComplete,
	}, h.disp.states(0))
}

func TestController_FinalDurationPrefersDecoder(t *testing.T) {
	h := newHarness(t)
	h.cam.result.DurationMs = 12000

	h.startRecording(t, 1)
	h.clk.Advance(10 * time.Second)
	require.NoError(t, h.c.Stop(context.Background(), 1))

	s := requireState(t, h.c, 1, models.RecordingComplete)
	assert.Equal(t, int64(12000), s.Artifact.DurationMs)
}

func TestController_ElapsedTicks(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t, 0)
	h.clk.Advance(3 * time.Second)

	assert.True(t, h.disp.has(func(a store.Action) bool {
		e, ok := a.(store.RecordingElapsed)
		return ok && e.StatementIndex == 0 && e.ElapsedMs == 3000
	}))
}

func TestController_WatchdogStopsAndRejectsOverlong(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)

	h.startRecording(t, 0)
	h.clk.Advance(61 * time.Second)

	s := requireState(t, h.c, 0, models.RecordingFailed)
	assert.Equal(t, mediaerr.DurationTooLong, s.ErrorKind)
	assert.True(t, s.Err.RequiresReRecord)
	_, stops := h.cam.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 0, h.up.count())
	assert.Equal(t, 0, h.clk.Pending())
}

func TestController_TooShort(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t, 2)
	h.clk.Advance(200 * time.Millisecond)

	err := h.c.Stop(context.Background(), 2)
	assert.Equal(t, mediaerr.DurationTooShort, mediaerr.KindOf(err))
	requireState(t, h.c, 2, models.RecordingFailed)
}

func TestController_EmptyFileCheckedBeforeDuration(t *testing.T) {
	h := newHarness(t)
	h.files.size = 0
	h.startRecording(t, 0)
	h.clk.Advance(90 * time.Second)

	s := requireState(t, h.c, 0, models.RecordingFailed)
	assert.Equal(t, mediaerr.RecordingFailed, s.ErrorKind)
}

func TestController_MissingFile(t *testing.T) {
	h := newHarness(t)
	h.files.err = fmt.Errorf("stat capture: %w", os.ErrNotExist)
	h.startRecording(t, 0)
	h.clk.Advance(5 * time.Second)

	err := h.c.Stop(context.Background(), 0)
	assert.Equal(t, mediaerr.RecordingFailed, mediaerr.KindOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestController_StorageFullAtStart(t *testing.T) {
	h := newHarness(t)
	h.disk.free.Store(50 << 20)
	ctx := context.Background()

	require.NoError(t, h.c.Prepare(ctx, 0))
	err := h.c.Start(ctx, 0)
	assert.Equal(t, mediaerr.StorageFull, mediaerr.KindOf(err))
	assert.True(t, mediaerr.IsRecoverable(err))

	starts, _ := h.cam.counts()
	assert.Equal(t, 0, starts)
	requireState(t, h.c, 0, models.RecordingFailed)
}

func TestController_StorageDropsWhileRecording(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.startRecording(t, 0)

	h.disk.free.Store(10 << 20)
	h.clk.Advance(5 * time.Second)

	s := requireState(t, h.c, 0, models.RecordingFailed)
	assert.Equal(t, mediaerr.StorageFull, s.ErrorKind)
	assert.Nil(t, s.Artifact)
	assert.Equal(t, 0, h.clk.Pending())
}

func TestController_BackgroundInterrupts(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.startRecording(t, 1)
	h.clk.Advance(4 * time.Second)

	err := h.c.HandleAppState(context.Background(), AppBackground)
	assert.Equal(t, mediaerr.BackgroundInterrupted, mediaerr.KindOf(err))

	s := requireState(t, h.c, 1, models.RecordingFailed)
	assert.Equal(t, mediaerr.BackgroundInterrupted, s.ErrorKind)
	assert.Equal(t, 0, h.up.count())
	assert.Equal(t, 0, h.clk.Pending())

	states := h.disp.states(1)
	assert.Equal(t, models.RecordingStopping, states[len(states)-2])
	assert.NotContains(t, states, models.RecordingValidating)
}

func TestController_BackgroundWhenIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.c.HandleAppState(context.Background(), AppBackground))
	assert.NoError(t, h.c.HandleAppState(context.Background(), AppActive))
	requireState(t, h.c, 0, models.RecordingIdle)
}

func TestController_CameraBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.startRecording(t, 0)
	require.NoError(t, h.c.Prepare(ctx, 1))

	err := h.c.Start(ctx, 1)
	assert.Equal(t, mediaerr.CameraUnavailable, mediaerr.KindOf(err))
	requireState(t, h.c, 1, models.RecordingReady)
}

func TestController_StartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.startRecording(t, 0)
	require.NoError(t, h.c.Start(context.Background(), 0))

	starts, _ := h.cam.counts()
	assert.Equal(t, 1, starts)
}

func TestController_StartRequiresReady(t *testing.T) {
	h := newHarness(t)
	err := h.c.Start(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, h.c.Start(context.Background(), 5), ErrInvalidStatement)
}

func TestController_StartErrorClassification(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cam.startErr = context.DeadlineExceeded

	require.NoError(t, h.c.Prepare(ctx, 0))
	err := h.c.Start(ctx, 0)
	assert.Equal(t, mediaerr.TimeoutError, mediaerr.KindOf(err))

	h.cam.startErr = mediaerr.New(mediaerr.HardwareError, 0, "sensor fault")
	require.NoError(t, h.c.Retry(ctx, 0))
	err = h.c.Start(ctx, 0)
	assert.Equal(t, mediaerr.HardwareError, mediaerr.KindOf(err))
	assert.False(t, mediaerr.IsRecoverable(err))

	h.cam.startErr = errors.New("busy")
	require.NoError(t, h.c.Retry(ctx, 0))
	err = h.c.Start(ctx, 0)
	assert.Equal(t, mediaerr.CameraUnavailable, mediaerr.KindOf(err))
}

func TestController_PermissionDeniedThenGranted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cam.granted = false

	err := h.c.Prepare(ctx, 0)
	assert.Equal(t, mediaerr.PermissionDenied, mediaerr.KindOf(err))
	requireState(t, h.c, 0, models.RecordingFailed)

	h.cam.mu.Lock()
	h.cam.granted = true
	h.cam.mu.Unlock()
	require.NoError(t, h.c.Retry(ctx, 0))
	s := requireState(t, h.c, 0, models.RecordingReady)
	assert.Equal(t, 1, s.Retries)
}

func TestController_RetryIsBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.disk.free.Store(1 << 20)

	require.NoError(t, h.c.Prepare(ctx, 0))
	require.Error(t, h.c.Start(ctx, 0))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.c.Retry(ctx, 0))
		require.Error(t, h.c.Start(ctx, 0))
	}

	err := h.c.Retry(ctx, 0)
	require.Error(t, err)
	assert.False(t, mediaerr.IsRecoverable(err))
	s := requireState(t, h.c, 0, models.RecordingFailed)
	assert.Equal(t, 3, s.Retries)
	assert.Equal(t, mediaerr.StorageFull, s.ErrorKind)

	assert.ErrorIs(t, newHarness(t).c.Retry(ctx, 0), ErrNotFailed)
}

func TestController_CameraFinishesOnItsOwn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.cam.result.DurationMs = 30000
	h.startRecording(t, 0)

	h.cam.finish()
	require.Eventually(t, func() bool {
		s, _ := h.c.Session(0)
		return s.State == models.RecordingComplete
	}, time.Second, 5*time.Millisecond)

	s, _ := h.c.Session(0)
	assert.Equal(t, int64(30000), s.Artifact.DurationMs)
	_, stops := h.cam.counts()
	assert.Equal(t, 0, stops)
}

func TestController_StopTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	h.c.limits.StopTimeout = 20 * time.Millisecond
	h.cam.noFinalize = true
	h.startRecording(t, 0)

	err := h.c.Stop(context.Background(), 0)
	assert.Equal(t, mediaerr.TimeoutError, mediaerr.KindOf(err))
	requireState(t, h.c, 0, models.RecordingFailed)
}

func TestController_StopCameraError(t *testing.T) {
	h := newHarness(t)
	h.cam.stopErr = errors.New("encoder crashed")
	h.startRecording(t, 0)

	err := h.c.Stop(context.Background(), 0)
	assert.Equal(t, mediaerr.RecordingFailed, mediaerr.KindOf(err))
	assert.True(t, mediaerr.IsRecoverable(err))
}

func TestController_HandoffFailureKeepsCapture(t *testing.T) {
	h := newHarness(t)
	h.up.err = errors.New("redis down")
	h.startRecording(t, 0)
	h.clk.Advance(5 * time.Second)

	err := h.c.Stop(context.Background(), 0)
	assert.Equal(t, mediaerr.NetworkError, mediaerr.KindOf(err))
	requireState(t, h.c, 0, models.RecordingComplete)
}

func TestController_ResetWhileRecording(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	ctx := context.Background()
	h.startRecording(t, 2)

	require.NoError(t, h.c.Reset(ctx, 2))
	requireState(t, h.c, 2, models.RecordingIdle)
	assert.Equal(t, 0, h.clk.Pending())
	_, stops := h.cam.counts()
	assert.Equal(t, 1, stops)
	assert.True(t, h.disp.has(func(a store.Action) bool {
		r, ok := a.(store.UploadReset)
		return ok && r.StatementIndex == 2
	}))

	// the slot can be prepared again
	require.NoError(t, h.c.Prepare(ctx, 2))
	requireState(t, h.c, 2, models.RecordingReady)
}

func TestController_WithStore(t *testing.T) {
	st := store.New(nil)
	h := newHarness(t)
	h.c.SetDispatcher(st)
	h.startRecording(t, 0)
	h.clk.Advance(2 * time.Second)

	got := st.State().Recordings[0]
	assert.Equal(t, models.RecordingActive, got.State)
	assert.Equal(t, int64(2000), got.ElapsedMs)
}

// blockingCamera holds StopRecording until release is closed.
type blockingCamera struct {
	*fakeCamera
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingCamera(cam *fakeCamera) *blockingCamera {
	return &blockingCamera{fakeCamera: cam, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingCamera) StopRecording(ctx context.Context) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeCamera.StopRecording(ctx)
}

func TestController_ResetDuringStopDropsResult(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	cam := newBlockingCamera(h.cam)
	h.c.camera = cam
	ctx := context.Background()
	h.startRecording(t, 0)
	h.clk.Advance(5 * time.Second)

	stopped := make(chan error, 1)
	go func() { stopped <- h.c.Stop(ctx, 0) }()
	<-cam.entered
	requireState(t, h.c, 0, models.RecordingStopping)

	require.NoError(t, h.c.Reset(ctx, 0))
	requireState(t, h.c, 0, models.RecordingIdle)

	// the camera is still being stopped for slot 0
	require.NoError(t, h.c.Prepare(ctx, 1))
	err := h.c.Start(ctx, 1)
	assert.Equal(t, mediaerr.CameraUnavailable, mediaerr.KindOf(err))

	close(cam.release)
	require.ErrorIs(t, <-stopped, ErrDiscarded)

	s := requireState(t, h.c, 0, models.RecordingIdle)
	assert.Empty(t, s.ErrorKind)
	assert.Nil(t, s.Artifact)
	assert.True(t, s.StartedAt.IsZero())
	assert.Equal(t, 0, h.up.count())
	assert.NotContains(t, h.disp.states(0), models.RecordingValidating)

	require.NoError(t, h.c.Start(ctx, 1))
	requireState(t, h.c, 1, models.RecordingActive)
	h.c.Close()
}

func TestController_CloseDuringStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	h := newHarness(t)
	cam := newBlockingCamera(h.cam)
	h.c.camera = cam
	ctx := context.Background()
	h.startRecording(t, 1)
	h.clk.Advance(5 * time.Second)

	stopped := make(chan error, 1)
	go func() { stopped <- h.c.Stop(ctx, 1) }()
	<-cam.entered

	// a second stop while the first is in flight does nothing
	require.NoError(t, h.c.Stop(ctx, 1))
	requireState(t, h.c, 1, models.RecordingStopping)

	h.c.Close()
	s := requireState(t, h.c, 1, models.RecordingFailed)
	assert.Equal(t, mediaerr.RecordingFailed, s.ErrorKind)

	close(cam.release)
	require.ErrorIs(t, <-stopped, ErrDiscarded)
	requireState(t, h.c, 1, models.RecordingFailed)
	assert.Equal(t, 0, h.up.count())
	assert.Equal(t, 0, h.clk.Pending())
	assert.NotContains(t, h.disp.states(1), models.RecordingComplete)
}
