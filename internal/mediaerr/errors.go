// Package mediaerr is the closed error taxonomy shared by the recording controller
// and the segment playback engine.
package mediaerr

import (
	"errors"
	"fmt"
)

// Kind classifies a capture or playback failure.
type Kind string

const (
	PermissionDenied      Kind = "PERMISSION_DENIED"
	CameraUnavailable     Kind = "CAMERA_UNAVAILABLE"
	StorageFull           Kind = "STORAGE_FULL"
	RecordingFailed       Kind = "RECORDING_FAILED"
	HardwareError         Kind = "HARDWARE_ERROR"
	NetworkError          Kind = "NETWORK_ERROR"
	TimeoutError          Kind = "TIMEOUT_ERROR"
	BackgroundInterrupted Kind = "BACKGROUND_INTERRUPTED"
	DurationTooLong       Kind = "DURATION_TOO_LONG"
	DurationTooShort      Kind = "DURATION_TOO_SHORT"
	SegmentUnavailable    Kind = "SEGMENT_UNAVAILABLE"
	DecodeError           Kind = "DECODE_ERROR"
)

// Kinds lists every member of the taxonomy.
var Kinds = []Kind{
	PermissionDenied, CameraUnavailable, StorageFull, RecordingFailed, HardwareError,
	NetworkError, TimeoutError, BackgroundInterrupted, DurationTooLong, DurationTooShort,
	SegmentUnavailable, DecodeError,
}

// Error carries enough structure for a UI to decide whether to offer "try again".
type Error struct {
	Kind        Kind
	Message     string
	Recoverable bool
	// RequiresReRecord is set when the only way forward is discarding the capture.
	RequiresReRecord bool
	// StatementIndex is -1 when the error is not tied to a statement slot.
	StatementIndex int
	Cause          error
}

// New creates an Error with the kind's default recoverability.
func New(kind Kind, statementIndex int, message string) *Error {
	return &Error{
		Kind:             kind,
		Message:          message,
		Recoverable:      defaultRecoverable(kind),
		RequiresReRecord: kind == DurationTooLong || kind == DurationTooShort,
		StatementIndex:   statementIndex,
	}
}

// Wrap creates an Error around cause.
func Wrap(kind Kind, statementIndex int, message string, cause error) *Error {
	e := New(kind, statementIndex, message)
	e.Cause = cause
	return e
}

// Terminal marks the error as not recoverable by retrying.
func (e *Error) Terminal() *Error {
	e.Recoverable = false
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatementIndex >= 0 {
		msg = fmt.Sprintf("%s (statement %d)", msg, e.StatementIndex)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error by kind, so errors.Is(err, mediaerr.New(k, -1, "")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRecoverable reports whether err is a recoverable *Error.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

func defaultRecoverable(kind Kind) bool {
	switch kind {
	case HardwareError, DecodeError:
		return false
	default:
		return true
	}
}
