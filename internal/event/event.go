// Package event publishes capture and merge lifecycle events to NATS JetStream so
// devices and the merge service can follow a challenge without polling.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/twotruths/mediacore/internal/models"
)

const (
	SubjectCaptureUploaded = "twotruths.capture.uploaded"
	SubjectCaptureFailed   = "twotruths.capture.failed"
	SubjectMergeCompleted  = "twotruths.merge.completed"

	envelopeVersion = "1.0.0"
)

// Envelope wraps every published event.
type Envelope struct {
	Type          string          `json:"type"`
	Version       string          `json:"version"`
	OccurredAt    time.Time       `json:"occurredAt"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// CaptureUploaded is published once a capture is stored in S3.
type CaptureUploaded struct {
	ChallengeID    string `json:"challengeId"`
	StatementIndex int    `json:"statementIndex"`
	URL            string `json:"url"`
	Key            string `json:"key"`
	DurationMs     int64  `json:"durationMs"`
	Attempt        int    `json:"attempt"`
}

// CaptureFailed is published for every failed upload attempt.
type CaptureFailed struct {
	ChallengeID    string `json:"challengeId"`
	StatementIndex int    `json:"statementIndex"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error"`
	DeadLettered   bool   `json:"deadLettered"`
}

// MergeCompleted is published after a merge callback has been validated and stored.
type MergeCompleted struct {
	ChallengeID     string                     `json:"challengeId"`
	MergedVideoURL  string                     `json:"mergedVideoUrl"`
	TotalDurationMs int64                      `json:"totalDurationMs"`
	MergeStrategy   string                     `json:"mergeStrategy"`
	Segments        []models.SegmentDescriptor `json:"segments"`
}

// Publisher emits lifecycle events.
type Publisher interface {
	PublishCaptureUploaded(ctx context.Context, ev CaptureUploaded) error
	PublishCaptureFailed(ctx context.Context, ev CaptureFailed) error
	PublishMergeCompleted(ctx context.Context, ev MergeCompleted) error
	Close() error
}

// Subscriber delivers envelopes published on subject until the returned func is called.
type Subscriber interface {
	Subscribe(subject string, fn func(Envelope)) (func(), error)
}

func newEnvelope(subject string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return Envelope{
		Type:          subject,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.New().String(),
		Payload:       raw,
	}, nil
}

// noop is used when NATS is not configured.
type noop struct{}

// Noop returns a Publisher that drops every event.
func Noop() Publisher { return noop{} }

func (noop) PublishCaptureUploaded(context.Context, CaptureUploaded) error { return nil }
func (noop) PublishCaptureFailed(context.Context, CaptureFailed) error     { return nil }
func (noop) PublishMergeCompleted(context.Context, MergeCompleted) error   { return nil }
func (noop) Close() error                                                  { return nil }
