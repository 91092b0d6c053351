package challenges

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twotruths/mediacore/internal/event"
	"github.com/twotruths/mediacore/internal/metrics"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/pkg/response"
)

// CodeInvalidMergeMetadata is the response code for rejected merge metadata.
const CodeInvalidMergeMetadata = "INVALID_MERGE_METADATA"

// MergeCompletePayload is the body the merge service posts once a challenge's captures
// are concatenated. Every time in Metadata is in milliseconds.
type MergeCompletePayload struct {
	ChallengeID         string               `json:"challenge_id"`
	MergedVideoURL      string               `json:"merged_video_url"`
	IndividualVideoURLs []string             `json:"individual_video_urls"`
	Metadata            models.MergeMetadata `json:"metadata"`
}

// WebhookHandler handles callbacks from the merge service.
type WebhookHandler struct {
	store     Store
	publisher event.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewWebhookHandler creates a webhook handler. A nil publisher disables events.
func NewWebhookHandler(store Store, pub event.Publisher, m *metrics.Metrics, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if pub == nil {
		pub = event.Noop()
	}
	return &WebhookHandler{store: store, publisher: pub, metrics: m, logger: logger}
}

// MergeComplete handles POST /webhooks/merge-complete. The shared secret is checked by
// middleware before this runs.
func (h *WebhookHandler) MergeComplete(c *gin.Context) {
	var body MergeCompletePayload
	if err := c.ShouldBindJSON(&body); err != nil {
		h.metrics.ObserveMergeMetadata("malformed")
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id, err := uuid.Parse(body.ChallengeID)
	if err != nil {
		h.metrics.ObserveMergeMetadata("malformed")
		response.BadRequest(c, "invalid challenge_id")
		return
	}
	if body.MergedVideoURL == "" {
		h.metrics.ObserveMergeMetadata("malformed")
		response.BadRequest(c, "merged_video_url required")
		return
	}
	if len(body.IndividualVideoURLs) > models.StatementCount {
		h.metrics.ObserveMergeMetadata("malformed")
		response.BadRequest(c, "too many individual_video_urls")
		return
	}

	ctx := c.Request.Context()
	if err := body.Metadata.Validate(); err != nil {
		h.metrics.ObserveMergeMetadata("invalid")
		h.logger.Warn("merge metadata rejected", zap.String("challenge_id", id.String()), zap.Error(err))
		if markErr := h.store.MarkFailed(ctx, id); markErr != nil {
			h.logger.Error("mark challenge failed", zap.Error(markErr), zap.String("challenge_id", id.String()))
		}
		response.Unprocessable(c, CodeInvalidMergeMetadata, err.Error())
		return
	}

	segs := body.Metadata.Descriptors(body.IndividualVideoURLs)
	if err := h.store.CompleteMerge(ctx, id, body.MergedVideoURL, body.Metadata, segs); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.metrics.ObserveMergeMetadata("unknown_challenge")
			response.NotFound(c, "challenge not found")
			return
		}
		h.logger.Error("store merge result failed", zap.Error(err), zap.String("challenge_id", id.String()))
		response.Internal(c, "failed to store merge result")
		return
	}
	h.metrics.ObserveMergeMetadata("accepted")

	if err := h.publisher.PublishMergeCompleted(ctx, event.MergeCompleted{
		ChallengeID:     id.String(),
		MergedVideoURL:  body.MergedVideoURL,
		TotalDurationMs: body.Metadata.TotalDuration,
		MergeStrategy:   body.Metadata.MergeStrategy,
		Segments:        segs,
	}); err != nil {
		h.logger.Warn("publish merge completed failed", zap.Error(err), zap.String("challenge_id", id.String()))
	}

	h.logger.Info("merge completed",
		zap.String("challenge_id", id.String()),
		zap.Int64("total_duration_ms", body.Metadata.TotalDuration),
		zap.String("merge_strategy", body.Metadata.MergeStrategy),
	)
	response.OK(c, gin.H{"challenge_id": id, "status": models.ChallengeStatusReady})
}
