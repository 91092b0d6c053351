package models

import (
	"time"

	"github.com/google/uuid"
)

// Challenge status lifecycle: uploading -> merging -> ready | failed.
const (
	ChallengeStatusUploading = "uploading"
	ChallengeStatusMerging   = "merging"
	ChallengeStatusReady     = "ready"
	ChallengeStatusFailed    = "failed"
)

// Challenge is one user's set of three recorded statements.
type Challenge struct {
	ID              uuid.UUID           `json:"id"`
	UserID          uuid.UUID           `json:"user_id"`
	LieIndex        int                 `json:"lie_index"`
	MergedVideoURL  string              `json:"merged_video_url,omitempty"`
	MergeStrategy   string              `json:"merge_strategy,omitempty"`
	TotalDurationMs int64               `json:"total_duration_ms"`
	Status          string              `json:"status"`
	Segments        []SegmentDescriptor `json:"segments"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// ChallengeCapture is an uploaded individual statement video.
type ChallengeCapture struct {
	ChallengeID    uuid.UUID `json:"challenge_id"`
	StatementIndex int       `json:"statement_index"`
	S3URL          string    `json:"s3_url"`
	S3Key          string    `json:"s3_key"`
	DurationMs     int64     `json:"duration_ms"`
	FileSize       int64     `json:"file_size"`
	UpdatedAt      time.Time `json:"updated_at"`
}
