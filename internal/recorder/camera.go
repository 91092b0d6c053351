package recorder

import (
	"context"

	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/internal/store"
)

// Handle identifies one camera recording.
type Handle string

// RecordOptions is passed to the camera when recording starts.
type RecordOptions struct {
	MaxDurationS     int
	MaxFileSizeBytes int64
}

// CameraResult is what the camera reports once a recording has been finalized.
type CameraResult struct {
	URI string
	// DurationMs is the decoder-reported duration, 0 when unknown.
	DurationMs int64
	MimeType   string
}

// Camera is the platform capture primitive.
type Camera interface {
	RequestPermissions(ctx context.Context) (granted bool, err error)
	// StartRecording returns once the camera has actually begun recording.
	StartRecording(ctx context.Context, opts RecordOptions) (Handle, error)
	StopRecording(ctx context.Context) error
	// AwaitResult blocks until the recording identified by h ends, either through
	// StopRecording or because the camera hit its own limits.
	AwaitResult(ctx context.Context, h Handle) (CameraResult, error)
}

// StorageProbe reports device storage.
type StorageProbe interface {
	FreeBytes() (int64, error)
	TotalBytes() (int64, error)
}

// FileInspector reports the size of a finalized capture. A missing file yields an
// error wrapping os.ErrNotExist.
type FileInspector interface {
	Stat(ctx context.Context, uri string) (int64, error)
}

// Uploader receives validated captures.
type Uploader interface {
	Handoff(ctx context.Context, artifact models.CaptureArtifact) error
}

// Dispatcher is the state store sink.
type Dispatcher interface {
	Dispatch(a store.Action)
}

// AppState is the host application's foreground state.
type AppState string

const (
	AppActive     AppState = "active"
	AppInactive   AppState = "inactive"
	AppBackground AppState = "background"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(store.Action) {}
