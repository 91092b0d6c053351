package challenges

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/twotruths/mediacore/internal/models"
)

// ErrNotFound is returned when a challenge does not exist.
var ErrNotFound = errors.New("challenge not found")

// Repository handles challenge persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a challenges repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new challenge in the uploading state.
func (r *Repository) Create(ctx context.Context, ch *models.Challenge) error {
	const q = `INSERT INTO challenges (id, user_id, lie_index, status)
		VALUES (gen_random_uuid(), $1, $2, $3)
		RETURNING id, created_at, updated_at`
	ch.Status = models.ChallengeStatusUploading
	return r.pool.QueryRow(ctx, q, ch.UserID, ch.LieIndex, ch.Status).
		Scan(&ch.ID, &ch.CreatedAt, &ch.UpdatedAt)
}

// GetByID returns a challenge with its segment catalog.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Challenge, error) {
	const q = `SELECT id, user_id, lie_index, COALESCE(merged_video_url,''), COALESCE(merge_strategy,''), total_duration_ms, status, created_at, updated_at
		FROM challenges WHERE id = $1`
	var ch models.Challenge
	err := r.pool.QueryRow(ctx, q, id).Scan(&ch.ID, &ch.UserID, &ch.LieIndex, &ch.MergedVideoURL, &ch.MergeStrategy, &ch.TotalDurationMs, &ch.Status, &ch.CreatedAt, &ch.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	segs, err := r.segments(ctx, id)
	if err != nil {
		return nil, err
	}
	ch.Segments = segs
	return &ch, nil
}

func (r *Repository) segments(ctx context.Context, id uuid.UUID) ([]models.SegmentDescriptor, error) {
	const q = `SELECT statement_index, start_time_ms, end_time_ms, COALESCE(individual_video_uri,'')
		FROM challenge_segments WHERE challenge_id = $1 ORDER BY statement_index`
	rows, err := r.pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]models.SegmentDescriptor, 0, models.StatementCount)
	for rows.Next() {
		var d models.SegmentDescriptor
		if err := rows.Scan(&d.StatementIndex, &d.StartTimeMs, &d.EndTimeMs, &d.IndividualVideoURI); err != nil {
			return nil, err
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

// Captures returns the uploaded captures of a challenge ordered by statement.
func (r *Repository) Captures(ctx context.Context, id uuid.UUID) ([]models.ChallengeCapture, error) {
	const q = `SELECT challenge_id, statement_index, s3_url, s3_key, duration_ms, file_size, updated_at
		FROM challenge_captures WHERE challenge_id = $1 ORDER BY statement_index`
	rows, err := r.pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ChallengeCapture
	for rows.Next() {
		var c models.ChallengeCapture
		if err := rows.Scan(&c.ChallengeID, &c.StatementIndex, &c.S3URL, &c.S3Key, &c.DurationMs, &c.FileSize, &c.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// UpsertCapture stores an uploaded capture. Once every statement has one, the challenge
// moves from uploading to merging and allUploaded is true.
func (r *Repository) UpsertCapture(ctx context.Context, c models.ChallengeCapture) (allUploaded bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `INSERT INTO challenge_captures (challenge_id, statement_index, s3_url, s3_key, duration_ms, file_size)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (challenge_id, statement_index) DO UPDATE
		SET s3_url = EXCLUDED.s3_url, s3_key = EXCLUDED.s3_key, duration_ms = EXCLUDED.duration_ms,
			file_size = EXCLUDED.file_size, updated_at = NOW()`
	if _, err := tx.Exec(ctx, upsert, c.ChallengeID, c.StatementIndex, c.S3URL, c.S3Key, c.DurationMs, c.FileSize); err != nil {
		return false, fmt.Errorf("upsert capture: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM challenge_captures WHERE challenge_id = $1`, c.ChallengeID).Scan(&count); err != nil {
		return false, fmt.Errorf("count captures: %w", err)
	}
	allUploaded = count >= models.StatementCount
	if allUploaded {
		const q = `UPDATE challenges SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
		if _, err := tx.Exec(ctx, q, models.ChallengeStatusMerging, c.ChallengeID, models.ChallengeStatusUploading); err != nil {
			return false, fmt.Errorf("mark merging: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return allUploaded, nil
}

// CompleteMerge stores the merged video and its segment catalog and marks the challenge ready.
// meta must already be validated.
func (r *Repository) CompleteMerge(ctx context.Context, id uuid.UUID, mergedURL string, meta models.MergeMetadata, segs []models.SegmentDescriptor) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const update = `UPDATE challenges SET merged_video_url = $1, merge_strategy = $2, total_duration_ms = $3, status = $4, updated_at = NOW()
		WHERE id = $5`
	tag, err := tx.Exec(ctx, update, mergedURL, meta.MergeStrategy, meta.TotalDuration, models.ChallengeStatusReady, id)
	if err != nil {
		return fmt.Errorf("update challenge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM challenge_segments WHERE challenge_id = $1`, id)
	for _, s := range segs {
		batch.Queue(`INSERT INTO challenge_segments (challenge_id, statement_index, start_time_ms, end_time_ms, individual_video_uri)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))`,
			id, s.StatementIndex, s.StartTimeMs, s.EndTimeMs, s.IndividualVideoURI)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store segments: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// MarkFailed sets the challenge status to failed.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE challenges SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, models.ChallengeStatusFailed, id)
	return err
}
