package worker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twotruths/mediacore/internal/event"
	"github.com/twotruths/mediacore/internal/metrics"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/internal/probe"
	"github.com/twotruths/mediacore/pkg/queue"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	err     error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (f *fakeObjects) Upload(_ context.Context, key, contentType string, body io.Reader, _ int64) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = b
	f.types[key] = contentType
	return "https://captures.s3.us-east-1.amazonaws.com/" + key, nil
}

type fakeCaptures struct {
	mu   sync.Mutex
	rows map[int]models.ChallengeCapture
}

func (f *fakeCaptures) UpsertCapture(_ context.Context, c models.ChallengeCapture) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = make(map[int]models.ChallengeCapture)
	}
	f.rows[c.StatementIndex] = c
	return len(f.rows) == models.StatementCount, nil
}

type harness struct {
	mr       *miniredis.Miniredis
	q        *queue.Queue
	objects  *fakeObjects
	captures *fakeCaptures
	bus      *event.Memory
	metrics  *metrics.Metrics
	proc     *CaptureProcessor
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := &harness{
		mr:       mr,
		q:        queue.NewQueue(rdb, nil),
		objects:  newFakeObjects(),
		captures: &fakeCaptures{},
		bus:      event.NewMemory(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		dir:      t.TempDir(),
	}
	h.proc = NewCaptureProcessor(h.q, h.objects, h.captures, probe.NewFiles(h.dir), nil)
	h.proc.SetPublisher(h.bus)
	h.proc.SetMetrics(h.metrics)
	return h
}

func (h *harness) enqueue(t *testing.T, challengeID uuid.UUID, idx int, file string, body []byte) {
	t.Helper()
	if body != nil {
		require.NoError(t, os.WriteFile(filepath.Join(h.dir, file), body, 0o600))
	}
	_, err := h.q.EnqueueCaptureUpload(context.Background(), queue.CaptureUploadPayload{
		ChallengeID:    challengeID,
		UserID:         uuid.New(),
		StatementIndex: idx,
		LocalURI:       file,
		DurationMs:     4200,
		FileSizeBytes:  int64(len(body)),
		MimeType:       "video/mp4",
		RecordedAt:     time.Now(),
	})
	require.NoError(t, err)
}

func TestProcessNextUploadsCapture(t *testing.T) {
	h := newHarness(t)
	challengeID := uuid.New()
	h.enqueue(t, challengeID, 1, "one.mp4", []byte("frames"))

	handled, err := h.proc.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, handled)

	key := "captures/" + challengeID.String() + "/1.mp4"
	assert.Equal(t, []byte("frames"), h.objects.objects[key])
	assert.Equal(t, "video/mp4", h.objects.types[key])

	row := h.captures.rows[1]
	assert.Equal(t, challengeID, row.ChallengeID)
	assert.Equal(t, key, row.S3Key)
	assert.Equal(t, int64(6), row.FileSize)
	assert.Equal(t, int64(4200), row.DurationMs)

	published := h.bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, event.SubjectCaptureUploaded, published[0].Type)
	var ev event.CaptureUploaded
	require.NoError(t, published[0].Decode(&ev))
	assert.Equal(t, 1, ev.StatementIndex)
	assert.Equal(t, 1, ev.Attempt)
	assert.Contains(t, ev.URL, key)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.UploadJobTotal.WithLabelValues("success")))
}

func TestProcessNextRetriesThenDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.objects.err = errors.New("s3 unavailable")
	challengeID := uuid.New()
	h.enqueue(t, challengeID, 0, "zero.mp4", []byte("frames"))

	ctx := context.Background()
	for attempt := 1; attempt <= queue.MaxRetries; attempt++ {
		handled, err := h.proc.ProcessNext(ctx)
		require.Error(t, err)
		require.True(t, handled)
	}

	pending, dead, err := h.q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
	assert.Equal(t, int64(1), dead)

	published := h.bus.Published()
	require.Len(t, published, queue.MaxRetries)
	for i, env := range published {
		var ev event.CaptureFailed
		require.NoError(t, env.Decode(&ev))
		assert.Equal(t, challengeID.String(), ev.ChallengeID)
		assert.Equal(t, i+1, ev.Attempts)
		assert.Equal(t, i == queue.MaxRetries-1, ev.DeadLettered)
		assert.Contains(t, ev.Error, "s3 unavailable")
	}
	assert.Empty(t, h.captures.rows)
	assert.Equal(t, float64(queue.MaxRetries-1), testutil.ToFloat64(h.metrics.UploadJobTotal.WithLabelValues("retry")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.UploadJobTotal.WithLabelValues("dead_letter")))
}

func TestProcessMissingFileFails(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, uuid.New(), 2, "gone.mp4", nil)

	handled, err := h.proc.ProcessNext(context.Background())
	require.True(t, handled)
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, h.objects.objects)
}

func TestProcessRejectsRemoteURI(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, uuid.New(), 0, "https://elsewhere/clip.mp4", nil)

	_, err := h.proc.ProcessNext(context.Background())
	require.Error(t, err)
	assert.Empty(t, h.objects.objects)
}

func TestProcessAllStatementsUploaded(t *testing.T) {
	h := newHarness(t)
	challengeID := uuid.New()
	for i := 0; i < models.StatementCount; i++ {
		h.enqueue(t, challengeID, i, "stmt-"+strconv.Itoa(i)+".mp4", bytes.Repeat([]byte{byte(i)}, 10))
	}
	for i := 0; i < models.StatementCount; i++ {
		handled, err := h.proc.ProcessNext(context.Background())
		require.NoError(t, err)
		require.True(t, handled)
	}
	assert.Len(t, h.captures.rows, models.StatementCount)
	assert.Len(t, h.objects.objects, models.StatementCount)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, uuid.New(), 0, "run.mp4", []byte("frames"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.proc.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(h.bus.Published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(queue.DequeueTimeout + 2*time.Second):
		t.Fatal("worker did not stop")
	}
}
