package recorder

import (
	"time"

	"github.com/twotruths/mediacore/config"
)

const (
	defaultMinDuration       = 500 * time.Millisecond
	defaultMaxDuration       = 60 * time.Second
	defaultWatchdogBuffer    = time.Second
	defaultStorageFloorBytes = 100 * 1024 * 1024
	defaultMaxFileSizeBytes  = 100 * 1024 * 1024
	defaultStoragePoll       = 5 * time.Second
	defaultElapsedTick       = time.Second
	defaultStopTimeout       = 10 * time.Second
	defaultMaxRetries        = 3
)

// Limits bounds a recording session.
type Limits struct {
	MinDuration         time.Duration
	MaxDuration         time.Duration
	WatchdogBuffer      time.Duration
	MaxFileSizeBytes    int64
	StorageFloorBytes   int64
	StoragePollInterval time.Duration
	ElapsedTickInterval time.Duration
	// StopTimeout bounds how long a stop waits for the camera to finalize the file.
	StopTimeout time.Duration
	MaxRetries  int
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MinDuration:         defaultMinDuration,
		MaxDuration:         defaultMaxDuration,
		WatchdogBuffer:      defaultWatchdogBuffer,
		MaxFileSizeBytes:    defaultMaxFileSizeBytes,
		StorageFloorBytes:   defaultStorageFloorBytes,
		StoragePollInterval: defaultStoragePoll,
		ElapsedTickInterval: defaultElapsedTick,
		StopTimeout:         defaultStopTimeout,
		MaxRetries:          defaultMaxRetries,
	}
}

// LimitsFromConfig maps config.RecordingConfig onto Limits.
func LimitsFromConfig(cfg config.RecordingConfig) Limits {
	l := DefaultLimits()
	l.MinDuration = time.Duration(cfg.MinDurationMs) * time.Millisecond
	l.MaxDuration = time.Duration(cfg.MaxDurationMs) * time.Millisecond
	l.WatchdogBuffer = time.Duration(cfg.WatchdogBufferMs) * time.Millisecond
	l.MaxFileSizeBytes = cfg.MaxFileSizeBytes
	l.StorageFloorBytes = cfg.StorageFloorBytes
	l.StoragePollInterval = time.Duration(cfg.StoragePollSeconds) * time.Second
	l.MaxRetries = cfg.MaxRetries
	return l
}

func (l Limits) recordOptions() RecordOptions {
	return RecordOptions{
		MaxDurationS:     int(l.MaxDuration / time.Second),
		MaxFileSizeBytes: l.MaxFileSizeBytes,
	}
}
