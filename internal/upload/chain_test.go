package upload

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twotruths/mediacore/config"
	"github.com/twotruths/mediacore/internal/event"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/internal/probe"
	"github.com/twotruths/mediacore/internal/recorder"
	"github.com/twotruths/mediacore/internal/store"
	"github.com/twotruths/mediacore/internal/worker"
	"github.com/twotruths/mediacore/pkg/clock"
	"github.com/twotruths/mediacore/pkg/queue"
)

// fileCamera finishes each recording with a file that already exists under its dir.
type fileCamera struct {
	mu   sync.Mutex
	uri  string
	done chan struct{}
}

func (c *fileCamera) RequestPermissions(context.Context) (bool, error) { return true, nil }

func (c *fileCamera) StartRecording(context.Context, recorder.RecordOptions) (recorder.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done = make(chan struct{})
	return "rec-1", nil
}

func (c *fileCamera) StopRecording(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.done)
	return nil
}

func (c *fileCamera) AwaitResult(ctx context.Context, _ recorder.Handle) (recorder.CameraResult, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	select {
	case <-done:
		return recorder.CameraResult{URI: c.uri, MimeType: "video/mp4"}, nil
	case <-ctx.Done():
		return recorder.CameraResult{}, ctx.Err()
	}
}

type plentyOfDisk struct{}

func (plentyOfDisk) FreeBytes() (int64, error)  { return 10 << 30, nil }
func (plentyOfDisk) TotalBytes() (int64, error) { return 64 << 30, nil }

type memObjects struct{ keys []string }

func (m *memObjects) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	m.keys = append(m.keys, key)
	return "https://captures.test/" + key, nil
}

type memCaptures struct{ rows []models.ChallengeCapture }

func (m *memCaptures) UpsertCapture(_ context.Context, c models.ChallengeCapture) (bool, error) {
	m.rows = append(m.rows, c)
	return false, nil
}

func TestRecordedCaptureFlowsToUpload(t *testing.T) {
	t.Setenv("RECORDING_MAX_DURATION_MS", "30000")
	cfg, err := config.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stmt-0.mp4"), []byte("frames"), 0o600))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.NewQueue(rdb, nil)
	st := store.New(nil)
	bus := event.NewMemory()

	handoff := NewHandoff(q, st, nil)
	challengeID := uuid.New()
	handoff.Begin(challengeID, uuid.New())
	tracker := NewTracker(bus, st, nil)
	require.NoError(t, tracker.Follow(challengeID))
	defer tracker.Stop()

	clk := clock.NewMock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	files := probe.NewFiles(dir)
	ctl := recorder.NewController(&fileCamera{uri: "stmt-0.mp4"}, plentyOfDisk{}, files, recorder.LimitsFromConfig(cfg.Recording), nil)
	ctl.SetClock(clk)
	ctl.SetDispatcher(st)
	ctl.SetUploader(handoff)
	t.Cleanup(ctl.Close)

	ctx := context.Background()
	require.NoError(t, ctl.Prepare(ctx, 0))
	require.NoError(t, ctl.Start(ctx, 0))
	clk.Advance(12 * time.Second)
	require.NoError(t, ctl.Stop(ctx, 0))

	s := st.State()
	assert.Equal(t, models.RecordingComplete, s.Recordings[0].State)
	assert.Equal(t, store.StatusQueued, s.Uploads[0].Status)

	objects, captures := &memObjects{}, &memCaptures{}
	proc := worker.NewCaptureProcessor(q, objects, captures, files, nil)
	proc.SetPublisher(bus)
	handled, err := proc.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	require.Len(t, captures.rows, 1)
	assert.Equal(t, challengeID, captures.rows[0].ChallengeID)
	assert.Equal(t, int64(12000), captures.rows[0].DurationMs)
	assert.Equal(t, int64(len("frames")), captures.rows[0].FileSize)

	up := st.State().Uploads[0]
	assert.Equal(t, store.StatusDone, up.Status)
	assert.Equal(t, "https://captures.test/"+objects.keys[0], up.URL)
}

func TestRecordedCaptureOverConfiguredLimitIsNotHandedOff(t *testing.T) {
	t.Setenv("RECORDING_MAX_DURATION_MS", "30000")
	cfg, err := config.Load()
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stmt-1.mp4"), []byte("frames"), 0o600))

	h, q, _, st := setupHandoff(t)
	h.Begin(uuid.New(), uuid.New())

	clk := clock.NewMock(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	ctl := recorder.NewController(&fileCamera{uri: "stmt-1.mp4"}, plentyOfDisk{}, probe.NewFiles(dir), recorder.LimitsFromConfig(cfg.Recording), nil)
	ctl.SetClock(clk)
	ctl.SetDispatcher(st)
	ctl.SetUploader(h)
	t.Cleanup(ctl.Close)

	ctx := context.Background()
	require.NoError(t, ctl.Prepare(ctx, 1))
	require.NoError(t, ctl.Start(ctx, 1))
	clk.Advance(31 * time.Second)

	assert.Equal(t, models.RecordingFailed, st.State().Recordings[1].State)
	assert.Equal(t, store.StatusIdle, st.State().Uploads[1].Status)
	pending, _, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
