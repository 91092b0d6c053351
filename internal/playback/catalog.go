package playback

import (
	"errors"
	"fmt"

	"github.com/twotruths/mediacore/internal/models"
)

// ErrInvalidCatalog is returned for descriptor lists that cannot be played.
var ErrInvalidCatalog = errors.New("invalid segment catalog")

// Catalog is the immutable segment table for one merged video.
type Catalog struct {
	mergedURI string
	segments  []models.SegmentDescriptor
}

// NewCatalog validates descriptors and builds a catalog. There is one descriptor per
// statement, ordered by statement index, each with a positive duration and no overlap.
func NewCatalog(mergedURI string, segments []models.SegmentDescriptor) (*Catalog, error) {
	if len(segments) != models.StatementCount {
		return nil, fmt.Errorf("%w: %d segments, want %d", ErrInvalidCatalog, len(segments), models.StatementCount)
	}
	var prevEnd int64
	for i, s := range segments {
		if s.StatementIndex != i {
			return nil, fmt.Errorf("%w: segment %d has statement index %d", ErrInvalidCatalog, i, s.StatementIndex)
		}
		if s.StartTimeMs < 0 || s.DurationMs() <= 0 {
			return nil, fmt.Errorf("%w: segment %d has empty range [%d, %d)", ErrInvalidCatalog, i, s.StartTimeMs, s.EndTimeMs)
		}
		if s.StartTimeMs < prevEnd {
			return nil, fmt.Errorf("%w: segment %d overlaps previous segment", ErrInvalidCatalog, i)
		}
		prevEnd = s.EndTimeMs
	}
	if mergedURI == "" {
		for i, s := range segments {
			if s.IndividualVideoURI == "" {
				return nil, fmt.Errorf("%w: segment %d has no playable source", ErrInvalidCatalog, i)
			}
		}
	}
	return &Catalog{
		mergedURI: mergedURI,
		segments:  append([]models.SegmentDescriptor(nil), segments...),
	}, nil
}

// CatalogFromMetadata builds a catalog from a merge-complete payload.
func CatalogFromMetadata(mergedURI string, meta models.MergeMetadata, individualURIs []string) (*Catalog, error) {
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return NewCatalog(mergedURI, meta.Descriptors(individualURIs))
}

// MergedURI returns the merged source, "" when only individual files exist.
func (c *Catalog) MergedURI() string { return c.mergedURI }

// Len returns the number of segments.
func (c *Catalog) Len() int { return len(c.segments) }

// Segment returns the descriptor at idx.
func (c *Catalog) Segment(idx int) (models.SegmentDescriptor, bool) {
	if idx < 0 || idx >= len(c.segments) {
		return models.SegmentDescriptor{}, false
	}
	return c.segments[idx], true
}

// Segments returns a copy of the descriptors.
func (c *Catalog) Segments() []models.SegmentDescriptor {
	return append([]models.SegmentDescriptor(nil), c.segments...)
}

// ExpectedTotalMs is the sum of segment durations, compared against what the decoder
// reports for the merged source.
func (c *Catalog) ExpectedTotalMs() int64 {
	var total int64
	for _, s := range c.segments {
		total += s.DurationMs()
	}
	return total
}
