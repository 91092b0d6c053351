package models

import (
	"time"

	"github.com/twotruths/mediacore/internal/mediaerr"
)

// StatementCount is the fixed number of statements in a challenge.
const StatementCount = 3

// RecordingState is the recording lifecycle of one statement slot.
type RecordingState string

const (
	RecordingIdle              RecordingState = "idle"
	RecordingPermissionPending RecordingState = "permission_pending"
	RecordingReady             RecordingState = "ready"
	RecordingActive            RecordingState = "recording"
	RecordingStopping          RecordingState = "stopping"
	RecordingValidating        RecordingState = "validating"
	RecordingFailed            RecordingState = "failed"
	RecordingComplete          RecordingState = "complete"
)

// CaptureArtifact is the validated result of a finished recording. It is never mutated.
type CaptureArtifact struct {
	StatementIndex int       `json:"statement_index"`
	URI            string    `json:"uri"`
	DurationMs     int64     `json:"duration_ms"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
	MimeType       string    `json:"mime_type"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// RecordingSession is a snapshot of one statement slot owned by the recorder.
type RecordingSession struct {
	StatementIndex int              `json:"statement_index"`
	State          RecordingState   `json:"state"`
	StartedAt      time.Time        `json:"started_at,omitempty"`
	ErrorKind      mediaerr.Kind    `json:"error_kind,omitempty"`
	Err            *mediaerr.Error  `json:"-"`
	Retries        int              `json:"retries"`
	Artifact       *CaptureArtifact `json:"artifact,omitempty"`
}

// ValidStatementIndex reports whether i addresses a statement slot.
func ValidStatementIndex(i int) bool {
	return i >= 0 && i < StatementCount
}
