package mediaerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_DefaultRecoverability(t *testing.T) {
	tests := []struct {
		kind        Kind
		recoverable bool
		reRecord    bool
	}{
		{PermissionDenied, true, false},
		{StorageFull, true, false},
		{BackgroundInterrupted, true, false},
		{DurationTooLong, true, true},
		{DurationTooShort, true, true},
		{HardwareError, false, false},
		{DecodeError, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := New(tt.kind, 1, "x")
			assert.Equal(t, tt.recoverable, e.Recoverable)
			assert.Equal(t, tt.reRecord, e.RequiresReRecord)
		})
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := Wrap(RecordingFailed, 2, "stop failed", errors.New("camera busy"))
	wrapped := fmt.Errorf("stop: %w", base)

	assert.Equal(t, RecordingFailed, KindOf(wrapped))
	assert.True(t, IsRecoverable(wrapped))
	assert.True(t, errors.Is(wrapped, New(RecordingFailed, -1, "")))
	assert.False(t, errors.Is(wrapped, New(StorageFull, -1, "")))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestError_Message(t *testing.T) {
	e := Wrap(StorageFull, 0, "free space below floor", errors.New("42 bytes"))
	assert.Equal(t, "STORAGE_FULL: free space below floor (statement 0): 42 bytes", e.Error())
	assert.Equal(t, "SEGMENT_UNAVAILABLE: index 5", New(SegmentUnavailable, -1, "index 5").Error())
	assert.False(t, New(NetworkError, -1, "").Terminal().Recoverable)
}
