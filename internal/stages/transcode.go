package stages

import (
	"context"
	"log/slog"

	"audiobook-pipeline/internal/media"
	"audiobook-pipeline/internal/models"
)

// TranscodeStage converts raw synthesized audio into streamable chunks and
// appends them to the chunk store incrementally, so a partially transcoded
// book is already streamable. Appends are idempotent per sequence: a
// redelivered job that reproduces the same bytes is a no-op, and sequences
// already present are skipped by position.
type TranscodeStage struct {
	Transcoder Transcoder
	Chunks     *media.ChunkStore
	Logger     *slog.Logger
}

func (s *TranscodeStage) Stage() models.Stage { return models.StageTranscode }

func (s *TranscodeStage) Run(ctx context.Context, book models.Book, job models.Job, beat Heartbeat) (map[string]any, error) {
	rawHandles := payloadStrings(job.Payload, "raw_handles")
	if len(rawHandles) == 0 {
		return nil, Permanentf("transcode input has no raw audio")
	}

	existing, err := s.Chunks.List(ctx, book.ID)
	if err != nil {
		return nil, Transientf("list chunks: %w", err)
	}
	sequence := len(existing)

	produced := 0
	for i, raw := range rawHandles {
		if err := ctx.Err(); err != nil {
			return nil, Transientf("transcode interrupted: %w", err)
		}
		if beat != nil {
			if err := beat(ctx); err != nil {
				return nil, Transientf("extend lease: %w", err)
			}
		}

		encoded, err := s.Transcoder.Transcode(ctx, raw)
		if err != nil {
			return nil, classifyCollaborator(err, "transcode segment %d: %w", i)
		}
		for _, seg := range encoded {
			// A prior attempt may already have appended this position.
			if produced < sequence {
				produced++
				continue
			}
			if _, err := s.Chunks.Append(ctx, book.ID, produced, seg.Audio, seg.DurationSeconds); err != nil {
				return nil, Transientf("append chunk %d: %w", produced, err)
			}
			produced++
		}
	}

	if s.Logger != nil {
		s.Logger.Info("transcode complete", "book_id", book.ID, "chunks", produced)
	}
	return map[string]any{"chunk_count": produced}, nil
}
