package challenges

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/twotruths/mediacore/internal/middleware"
	"github.com/twotruths/mediacore/internal/models"
	"github.com/twotruths/mediacore/pkg/response"
)

// Store is the persistence the handlers need. *Repository implements it.
type Store interface {
	Create(ctx context.Context, ch *models.Challenge) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Challenge, error)
	CompleteMerge(ctx context.Context, id uuid.UUID, mergedURL string, meta models.MergeMetadata, segs []models.SegmentDescriptor) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

// URLSigner turns stored object URLs into playable ones. *storage.S3 implements it.
type URLSigner interface {
	SignURL(ctx context.Context, raw string) (string, error)
}

// QueueDepth reports the capture upload backlog. *queue.Queue implements it.
type QueueDepth interface {
	Depth(ctx context.Context) (pending, dead int64, err error)
}

// Handler handles challenge HTTP endpoints.
type Handler struct {
	store  Store
	signer URLSigner // optional: nil serves stored URLs as-is
	queue  QueueDepth
	logger *zap.Logger
}

// NewHandler creates a challenges handler.
func NewHandler(store Store, signer URLSigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{store: store, signer: signer, logger: logger}
}

// SetQueue enables the queue depth endpoint.
func (h *Handler) SetQueue(q QueueDepth) { h.queue = q }

// ChallengeView is a challenge as served to players. LieIndex is only set for the owner.
type ChallengeView struct {
	models.Challenge
	LieIndex *int `json:"lie_index,omitempty"`
}

type createRequest struct {
	LieIndex *int `json:"lie_index" binding:"required"`
}

// Create handles POST /challenges.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !models.ValidStatementIndex(*req.LieIndex) {
		response.BadRequest(c, "lie_index must be 0, 1 or 2")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)

	ch := &models.Challenge{UserID: userID, LieIndex: *req.LieIndex}
	if err := h.store.Create(c.Request.Context(), ch); err != nil {
		h.logger.Error("create challenge failed", zap.Error(err), zap.String("user_id", userID.String()))
		response.Internal(c, "failed to create challenge")
		return
	}
	response.Created(c, h.view(ch, userID))
}

// GetByID handles GET /challenges/:id. Stored URLs are replaced by presigned ones.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid challenge id")
		return
	}
	ch, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "challenge not found")
		return
	}
	if err != nil {
		h.logger.Error("get challenge failed", zap.Error(err), zap.String("challenge_id", id.String()))
		response.Internal(c, "failed to load challenge")
		return
	}
	if err := h.sign(c.Request.Context(), ch); err != nil {
		h.logger.Error("sign challenge urls failed", zap.Error(err), zap.String("challenge_id", id.String()))
		response.Internal(c, "failed to generate playback urls")
		return
	}
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	response.OK(c, h.view(ch, userID))
}

type guessRequest struct {
	StatementIndex *int `json:"statement_index" binding:"required"`
}

// Guess handles POST /challenges/:id/guess. The lie is revealed with the result.
func (h *Handler) Guess(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid challenge id")
		return
	}
	var req guessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if !models.ValidStatementIndex(*req.StatementIndex) {
		response.BadRequest(c, "statement_index must be 0, 1 or 2")
		return
	}
	ch, err := h.store.GetByID(c.Request.Context(), id)
	if errors.Is(err, ErrNotFound) {
		response.NotFound(c, "challenge not found")
		return
	}
	if err != nil {
		h.logger.Error("get challenge failed", zap.Error(err), zap.String("challenge_id", id.String()))
		response.Internal(c, "failed to load challenge")
		return
	}
	if ch.Status != models.ChallengeStatusReady {
		response.Conflict(c, "challenge is not ready")
		return
	}
	response.OK(c, gin.H{
		"correct":   *req.StatementIndex == ch.LieIndex,
		"lie_index": ch.LieIndex,
	})
}

// QueueStats handles GET /admin/queue.
func (h *Handler) QueueStats(c *gin.Context) {
	if h.queue == nil {
		response.ServiceUnavailable(c, "queue not configured")
		return
	}
	pending, dead, err := h.queue.Depth(c.Request.Context())
	if err != nil {
		h.logger.Warn("queue depth failed", zap.Error(err))
		response.ServiceUnavailable(c, "queue unavailable")
		return
	}
	response.OK(c, gin.H{"pending": pending, "dead_lettered": dead})
}

func (h *Handler) sign(ctx context.Context, ch *models.Challenge) error {
	if h.signer == nil {
		return nil
	}
	u, err := h.signer.SignURL(ctx, ch.MergedVideoURL)
	if err != nil {
		return err
	}
	ch.MergedVideoURL = u
	for i := range ch.Segments {
		u, err := h.signer.SignURL(ctx, ch.Segments[i].IndividualVideoURI)
		if err != nil {
			return err
		}
		ch.Segments[i].IndividualVideoURI = u
	}
	return nil
}

func (h *Handler) view(ch *models.Challenge, viewer uuid.UUID) ChallengeView {
	v := ChallengeView{Challenge: *ch}
	if ch.UserID == viewer {
		lie := ch.LieIndex
		v.LieIndex = &lie
	}
	return v
}
