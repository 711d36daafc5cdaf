package stages

import (
	"context"
	"math"

	"audiobook-pipeline/internal/media"
	"audiobook-pipeline/internal/models"
)

// FinalizeStage verifies the produced chunk sequence before the book is
// declared complete: contiguous sequences, at least one chunk, and totals
// that match the sum of chunk durations.
type FinalizeStage struct {
	Chunks *media.ChunkStore
}

func (s *FinalizeStage) Stage() models.Stage { return models.StageFinalize }

func (s *FinalizeStage) Run(ctx context.Context, book models.Book, _ models.Job, _ Heartbeat) (map[string]any, error) {
	chunks, err := s.Chunks.List(ctx, book.ID)
	if err != nil {
		return nil, Transientf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, Permanentf("no chunks were produced")
	}

	var total float64
	for i, c := range chunks {
		if c.Sequence != i {
			return nil, Permanentf("chunk sequence gap: position %d holds sequence %d", i, c.Sequence)
		}
		total += c.DurationSeconds
	}
	if math.Abs(total-book.TotalDurationSeconds) > 1e-6 {
		return nil, Permanentf("duration mismatch: chunks sum to %.6f, book records %.6f", total, book.TotalDurationSeconds)
	}

	return map[string]any{"chunk_count": len(chunks), "total_duration_seconds": total}, nil
}
