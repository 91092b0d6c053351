package playback

import (
	"context"

	"github.com/twotruths/mediacore/internal/store"
)

// DecoderStatus is a point-in-time report from the decoder. DurationMs is 0 until
// the decoder knows the length of the loaded source.
type DecoderStatus struct {
	PositionMs    int64
	DurationMs    int64
	IsPlaying     bool
	IsBuffering   bool
	IsLoaded      bool
	DidJustFinish bool
}

// Decoder is the platform decode/seek primitive. Implementations must not call
// Engine.HandleStatus synchronously from inside these methods.
type Decoder interface {
	Load(ctx context.Context, uri string) error
	Seek(ctx context.Context, positionMs int64) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Unload(ctx context.Context) error
	Status() DecoderStatus
}

// Dispatcher receives playback snapshots.
type Dispatcher interface {
	Dispatch(a store.Action)
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(store.Action) {}
