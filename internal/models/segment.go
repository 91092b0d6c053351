package models

import (
	"errors"
	"fmt"
)

// SegmentDescriptor locates one statement inside a merged video. Times are offsets
// into the merged video's own timeline, in milliseconds.
type SegmentDescriptor struct {
	StatementIndex     int    `json:"statement_index"`
	StartTimeMs        int64  `json:"start_time_ms"`
	EndTimeMs          int64  `json:"end_time_ms"`
	IndividualVideoURI string `json:"individual_video_uri,omitempty"`
}

// DurationMs is EndTimeMs - StartTimeMs.
func (d SegmentDescriptor) DurationMs() int64 { return d.EndTimeMs - d.StartTimeMs }

// SegmentMeta is one entry of the merge metadata contract.
type SegmentMeta struct {
	StatementIndex int   `json:"statementIndex"`
	StartTime      int64 `json:"startTime"`
	EndTime        int64 `json:"endTime"`
	Duration       int64 `json:"duration"`
}

// MergeMetadata is what the merge collaborator reports once a challenge's three
// captures have been concatenated. Every time field is in milliseconds.
type MergeMetadata struct {
	Segments      []SegmentMeta `json:"segments"`
	TotalDuration int64         `json:"totalDuration"`
	MergeStrategy string        `json:"mergeStrategy"`
}

// ErrInvalidMergeMetadata is returned for metadata that breaks the contract.
var ErrInvalidMergeMetadata = errors.New("invalid merge metadata")

// Validate checks the contract: exactly StatementCount segments ordered by statement
// index, positive consistent durations, no overlap, and a total covering the last segment.
// Seconds are never reinterpreted as milliseconds here; such payloads fail the checks.
func (m MergeMetadata) Validate() error {
	if len(m.Segments) != StatementCount {
		return fmt.Errorf("%w: want %d segments, got %d", ErrInvalidMergeMetadata, StatementCount, len(m.Segments))
	}
	var prevEnd int64
	for i, s := range m.Segments {
		if s.StatementIndex != i {
			return fmt.Errorf("%w: segment %d has statement index %d", ErrInvalidMergeMetadata, i, s.StatementIndex)
		}
		if s.StartTime < 0 || s.EndTime <= s.StartTime {
			return fmt.Errorf("%w: segment %d has empty range [%d, %d)", ErrInvalidMergeMetadata, i, s.StartTime, s.EndTime)
		}
		if s.Duration != s.EndTime-s.StartTime {
			return fmt.Errorf("%w: segment %d duration %d does not match range [%d, %d)", ErrInvalidMergeMetadata, i, s.Duration, s.StartTime, s.EndTime)
		}
		if s.StartTime < prevEnd {
			return fmt.Errorf("%w: segment %d overlaps previous segment", ErrInvalidMergeMetadata, i)
		}
		prevEnd = s.EndTime
	}
	if m.TotalDuration < prevEnd {
		return fmt.Errorf("%w: total duration %d shorter than last segment end %d", ErrInvalidMergeMetadata, m.TotalDuration, prevEnd)
	}
	return nil
}

// Descriptors converts validated metadata into descriptors. individualURIs is indexed by
// statement and may be shorter than the segment list or contain empty strings.
func (m MergeMetadata) Descriptors(individualURIs []string) []SegmentDescriptor {
	out := make([]SegmentDescriptor, 0, len(m.Segments))
	for _, s := range m.Segments {
		d := SegmentDescriptor{
			StatementIndex: s.StatementIndex,
			StartTimeMs:    s.StartTime,
			EndTimeMs:      s.EndTime,
		}
		if s.StatementIndex >= 0 && s.StatementIndex < len(individualURIs) {
			d.IndividualVideoURI = individualURIs[s.StatementIndex]
		}
		out = append(out, d)
	}
	return out
}
