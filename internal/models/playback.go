package models

// PlayerState is the playback engine lifecycle.
type PlayerState string

const (
	PlayerUnloaded PlayerState = "unloaded"
	PlayerLoading  PlayerState = "loading"
	PlayerReady    PlayerState = "ready"
	PlayerPlaying  PlayerState = "playing"
	PlayerPaused   PlayerState = "paused"
)

// Strategy selects how a segment is played.
type Strategy string

const (
	// StrategyMergedSeek seeks inside the single merged video.
	StrategyMergedSeek Strategy = "merged_seek"
	// StrategyIndividualFiles plays each statement's own file from 0.
	StrategyIndividualFiles Strategy = "individual_files"
)

// PlaybackSession is a snapshot of the playback engine.
type PlaybackSession struct {
	State              PlayerState `json:"state"`
	ActiveSegmentIndex *int        `json:"active_segment_index,omitempty"`
	SourceURI          string      `json:"source_uri,omitempty"`
	DetectedDurationMs int64       `json:"detected_duration_ms"`
	Strategy           Strategy    `json:"strategy"`
	// BoundaryMs is the position on the loaded source where the active segment ends.
	BoundaryMs int64 `json:"boundary_ms"`
}
