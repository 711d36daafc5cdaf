package stages

import (
	"context"

	"audiobook-pipeline/internal/models"
)

// SegmentStage splits extracted text into synthesis-sized segments.
type SegmentStage struct {
	Segmenter Segmenter
	MaxChars  int
}

func (s *SegmentStage) Stage() models.Stage { return models.StageSegment }

func (s *SegmentStage) Run(_ context.Context, _ models.Book, job models.Job, _ Heartbeat) (map[string]any, error) {
	text := payloadString(job.Payload, "text")
	if text == "" {
		return nil, Permanentf("segment input has no text")
	}

	segments := s.Segmenter.Segment(text, s.MaxChars)
	if len(segments) == 0 {
		return nil, Permanentf("segmentation produced no segments")
	}
	return map[string]any{"segments": segments}, nil
}
