// Package store is the Redux-shaped state container the recorder, uploader, and
// playback engine write to and the UI layer reads from. State is keyed by statement index.
package store

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/twotruths/mediacore/internal/mediaerr"
	"github.com/twotruths/mediacore/internal/models"
)

// Upload statuses.
const (
	StatusIdle      = "idle"
	StatusQueued    = "queued"
	StatusUploading = "uploading"
	StatusDone      = "done"
	StatusFailed    = "failed"
)

// RecordingSlot is the recording slice for one statement.
type RecordingSlot struct {
	State       models.RecordingState   `json:"state"`
	ElapsedMs   int64                   `json:"elapsed_ms"`
	ErrorKind   mediaerr.Kind           `json:"error_kind,omitempty"`
	Recoverable bool                    `json:"recoverable"`
	Retries     int                     `json:"retries"`
	Artifact    *models.CaptureArtifact `json:"artifact,omitempty"`
}

// UploadSlot is the upload slice for one statement.
type UploadSlot struct {
	Status   string  `json:"status"`
	JobID    string  `json:"job_id,omitempty"`
	Progress float64 `json:"progress"`
	Attempts int     `json:"attempts"`
	URL      string  `json:"url,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// AuthState replaces ambient "logged in" flags with an explicit, dispatched field.
type AuthState struct {
	SignedIn   bool      `json:"signed_in"`
	UserID     string    `json:"user_id,omitempty"`
	SignedInAt time.Time `json:"signed_in_at,omitempty"`
}

// State is an immutable snapshot; Dispatch replaces it wholesale.
type State struct {
	Recordings [models.StatementCount]RecordingSlot `json:"recordings"`
	Uploads    [models.StatementCount]UploadSlot    `json:"uploads"`
	Playback   models.PlaybackSession               `json:"playback"`
	Auth       AuthState                            `json:"auth"`
}

// InitialState returns the empty state.
func InitialState() State {
	var s State
	for i := range s.Recordings {
		s.Recordings[i].State = models.RecordingIdle
		s.Uploads[i].Status = StatusIdle
	}
	s.Playback.State = models.PlayerUnloaded
	s.Playback.Strategy = models.StrategyMergedSeek
	return s
}

// Store holds State and fans out changes to subscribers.
type Store struct {
	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]func(State)
	logger *zap.Logger
}

// New creates a store with InitialState.
func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{state: InitialState(), subs: make(map[int]func(State)), logger: logger}
}

// Dispatch applies a to the state and notifies subscribers outside the lock.
func (s *Store) Dispatch(a Action) {
	s.mu.Lock()
	next, changed := reduce(s.state, a)
	if !changed {
		s.mu.Unlock()
		s.logger.Debug("action ignored", zap.String("action", a.actionType()))
		return
	}
	s.state = next
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every state change and returns its cancel func.
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
