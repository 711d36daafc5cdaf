package stages

import (
	"context"
	"log/slog"

	"audiobook-pipeline/internal/models"
)

// SynthesizeStage turns each text segment into raw audio. Model access is
// scoped per segment: acquire a handle, synthesize, release. The heartbeat is
// sent between segments so long books do not outlive the job lease.
type SynthesizeStage struct {
	Synthesizer Synthesizer
	Models      *ModelPool
	Logger      *slog.Logger
}

func (s *SynthesizeStage) Stage() models.Stage { return models.StageSynthesize }

func (s *SynthesizeStage) Run(ctx context.Context, book models.Book, job models.Job, beat Heartbeat) (map[string]any, error) {
	segments := payloadStrings(job.Payload, "segments")
	if len(segments) == 0 {
		return nil, Permanentf("synthesize input has no segments")
	}

	rawHandles := make([]string, 0, len(segments))
	for i, segment := range segments {
		if err := ctx.Err(); err != nil {
			return nil, Transientf("synthesis interrupted: %w", err)
		}
		if beat != nil {
			if err := beat(ctx); err != nil {
				return nil, Transientf("extend lease: %w", err)
			}
		}

		handle, release, err := s.Models.Acquire(ctx)
		if err != nil {
			return nil, Transientf("acquire synthesis model: %w", err)
		}
		raw, err := s.Synthesizer.Synthesize(ctx, handle, segment)
		release()
		if err != nil {
			return nil, classifyCollaborator(err, "synthesize segment %d: %w", i)
		}
		rawHandles = append(rawHandles, raw)
	}

	if s.Logger != nil {
		s.Logger.Info("synthesis complete", "book_id", book.ID, "segments", len(rawHandles))
	}
	return map[string]any{"raw_handles": rawHandles}, nil
}
