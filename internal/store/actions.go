package store

import (
	"time"

	"github.com/twotruths/mediacore/internal/models"
)

// Action is a state update. Actions addressing an invalid statement index are dropped.
type Action interface {
	actionType() string
}

// RecordingChanged mirrors a recorder session snapshot.
type RecordingChanged struct {
	Session models.RecordingSession
}

// RecordingElapsed is the once-per-second elapsed tick while recording.
type RecordingElapsed struct {
	StatementIndex int
	ElapsedMs      int64
}

// UploadQueued marks a capture as handed to the upload queue.
type UploadQueued struct {
	StatementIndex int
	JobID          string
}

// UploadProgress reports bytes sent as a 0..1 fraction.
type UploadProgress struct {
	StatementIndex int
	Progress       float64
}

// UploadFinished records the remote URL of an uploaded capture.
type UploadFinished struct {
	StatementIndex int
	URL            string
}

// UploadFailed records a failed attempt.
type UploadFailed struct {
	StatementIndex int
	Attempts       int
	Err            string
}

// UploadReset clears an upload slot, e.g. after a re-record.
type UploadReset struct {
	StatementIndex int
}

// PlaybackChanged mirrors a playback engine snapshot.
type PlaybackChanged struct {
	Session models.PlaybackSession
}

// AuthChanged is dispatched by the auth collaborator on sign-in and sign-out.
type AuthChanged struct {
	SignedIn bool
	UserID   string
	At       time.Time
}

func (RecordingChanged) actionType() string { return "recording/changed" }
func (RecordingElapsed) actionType() string { return "recording/elapsed" }
func (UploadQueued) actionType() string     { return "upload/queued" }
func (UploadProgress) actionType() string   { return "upload/progress" }
func (UploadFinished) actionType() string   { return "upload/finished" }
func (UploadFailed) actionType() string     { return "upload/failed" }
func (UploadReset) actionType() string      { return "upload/reset" }
func (PlaybackChanged) actionType() string  { return "playback/changed" }
func (AuthChanged) actionType() string      { return "auth/changed" }

func reduce(s State, a Action) (State, bool) {
	switch a := a.(type) {
	case RecordingChanged:
		i := a.Session.StatementIndex
		if !models.ValidStatementIndex(i) {
			return s, false
		}
		slot := RecordingSlot{
			State:    a.Session.State,
			Retries:  a.Session.Retries,
			Artifact: a.Session.Artifact,
		}
		if a.Session.State == models.RecordingActive {
			slot.ElapsedMs = s.Recordings[i].ElapsedMs
		}
		if a.Session.Artifact != nil {
			slot.ElapsedMs = a.Session.Artifact.DurationMs
		}
		if a.Session.Err != nil {
			slot.ErrorKind = a.Session.Err.Kind
			slot.Recoverable = a.Session.Err.Recoverable
		}
		s.Recordings[i] = slot
	case RecordingElapsed:
		if !models.ValidStatementIndex(a.StatementIndex) || s.Recordings[a.StatementIndex].State != models.RecordingActive {
			return s, false
		}
		s.Recordings[a.StatementIndex].ElapsedMs = a.ElapsedMs
	case UploadQueued:
		if !models.ValidStatementIndex(a.StatementIndex) {
			return s, false
		}
		s.Uploads[a.StatementIndex] = UploadSlot{Status: StatusQueued, JobID: a.JobID, Attempts: s.Uploads[a.StatementIndex].Attempts}
	case UploadProgress:
		if !models.ValidStatementIndex(a.StatementIndex) {
			return s, false
		}
		u := &s.Uploads[a.StatementIndex]
		u.Status = StatusUploading
		u.Progress = clamp01(a.Progress)
	case UploadFinished:
		if !models.ValidStatementIndex(a.StatementIndex) {
			return s, false
		}
		u := &s.Uploads[a.StatementIndex]
		u.Status = StatusDone
		u.Progress = 1
		u.URL = a.URL
		u.Error = ""
	case UploadFailed:
		if !models.ValidStatementIndex(a.StatementIndex) {
			return s, false
		}
		u := &s.Uploads[a.StatementIndex]
		u.Status = StatusFailed
		u.Attempts = a.Attempts
		u.Error = a.Err
	case UploadReset:
		if !models.ValidStatementIndex(a.StatementIndex) {
			return s, false
		}
		s.Uploads[a.StatementIndex] = UploadSlot{Status: StatusIdle}
	case PlaybackChanged:
		s.Playback = a.Session
	case AuthChanged:
		if a.SignedIn {
			s.Auth = AuthState{SignedIn: true, UserID: a.UserID, SignedInAt: a.At}
		} else {
			s.Auth = AuthState{}
		}
	default:
		return s, false
	}
	return s, true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
