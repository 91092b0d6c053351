package recorder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twotruths/mediacore/config"
	"github.com/twotruths/mediacore/internal/mediaerr"
)

func TestFinalDurationMs(t *testing.T) {
	assert.Equal(t, int64(10000), FinalDurationMs(10000, 9500))
	assert.Equal(t, int64(12000), FinalDurationMs(10000, 12000))
	assert.Equal(t, int64(7000), FinalDurationMs(7000, 0))
}

func TestValidateCapture(t *testing.T) {
	l := DefaultLimits()

	tests := []struct {
		name     string
		size     int64
		timer    int64
		decoder  int64
		wantKind mediaerr.Kind
		wantMs   int64
	}{
		{name: "ok", size: 1024, timer: 15000, decoder: 14800, wantMs: 15000},
		{name: "exactly max", size: 1024, timer: 60000, wantMs: 60000},
		{name: "exactly min", size: 1024, timer: 500, wantMs: 500},
		{name: "too long", size: 1024, timer: 59000, decoder: 60001, wantKind: mediaerr.DurationTooLong},
		{name: "too short", size: 1024, timer: 499, wantKind: mediaerr.DurationTooShort},
		{name: "empty file wins over duration", size: 0, timer: 90000, wantKind: mediaerr.RecordingFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateCapture(1, tt.size, tt.timer, tt.decoder, l)
			if tt.wantKind == "" {
				require.Nil(t, err)
				assert.Equal(t, tt.wantMs, got)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantKind, err.Kind)
			assert.Equal(t, 1, err.StatementIndex)
		})
	}
}

func TestValidateCaptureThirtySecondLimit(t *testing.T) {
	l := DefaultLimits()
	l.MaxDuration = 30 * time.Second

	got, err := ValidateCapture(0, 2048, 29000, 0, l)
	require.Nil(t, err)
	assert.Equal(t, int64(29000), got)

	got, err = ValidateCapture(0, 2048, 30000, 0, l)
	require.Nil(t, err)
	assert.Equal(t, int64(30000), got)

	_, err = ValidateCapture(0, 2048, 31000, 0, l)
	require.NotNil(t, err)
	assert.Equal(t, mediaerr.DurationTooLong, err.Kind)
	assert.True(t, err.RequiresReRecord)

	// a decoder reading past the limit rejects even when the timer is inside it
	_, err = ValidateCapture(0, 2048, 29000, 31000, l)
	require.NotNil(t, err)
	assert.Equal(t, mediaerr.DurationTooLong, err.Kind)
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.RecordingConfig{
		MinDurationMs:      1000,
		MaxDurationMs:      30000,
		WatchdogBufferMs:   2000,
		MaxFileSizeBytes:   1 << 20,
		StorageFloorBytes:  2 << 20,
		StoragePollSeconds: 7,
		MaxRetries:         2,
	})
	assert.Equal(t, time.Second, l.MinDuration)
	assert.Equal(t, 30*time.Second, l.MaxDuration)
	assert.Equal(t, 2*time.Second, l.WatchdogBuffer)
	assert.Equal(t, 7*time.Second, l.StoragePollInterval)
	assert.Equal(t, 2, l.MaxRetries)
	assert.Equal(t, time.Second, l.ElapsedTickInterval)
	assert.Equal(t, 30, l.recordOptions().MaxDurationS)
}
