package stages

import (
	"context"

	"audiobook-pipeline/internal/models"
)

// The pipeline's external collaborators. Each is a black box reachable through
// a narrow call; concrete transports live outside this module.

// Extractor pulls plain text out of an uploaded document.
type Extractor interface {
	Extract(ctx context.Context, data []byte, format models.SourceFormat) (string, error)
}

// OCRExtractor recovers text from documents whose native extraction failed.
type OCRExtractor interface {
	ExtractOCR(ctx context.Context, data []byte) (string, error)
}

// Segmenter splits text into synthesis-sized segments in reading order.
type Segmenter interface {
	Segment(text string, maxChars int) []string
}

// Synthesizer turns one text segment into raw audio, identified by an opaque
// handle. Calls may be slow and GPU-bound; the model handle scopes access to
// the underlying inference resource.
type Synthesizer interface {
	Synthesize(ctx context.Context, model ModelHandle, segment string) (string, error)
}

// EncodedSegment is one transcoded audio unit with its measured duration.
type EncodedSegment struct {
	Audio           []byte
	DurationSeconds float64
}

// Transcoder converts raw synthesized audio into streamable encoded segments.
type Transcoder interface {
	Transcode(ctx context.Context, rawHandle string) ([]EncodedSegment, error)
}

// ModelHandle is an opaque reference to one acquired synthesis model instance.
type ModelHandle struct {
	ID int
}

// ModelPool hands out synthesis model instances with scoped acquisition, so
// GPU-bound work is bounded by the number of instances rather than sharing a
// global mutable model.
type ModelPool struct {
	handles chan ModelHandle
}

func NewModelPool(size int) *ModelPool {
	if size <= 0 {
		size = 1
	}
	handles := make(chan ModelHandle, size)
	for i := 0; i < size; i++ {
		handles <- ModelHandle{ID: i}
	}
	return &ModelPool{handles: handles}
}

// Acquire blocks until a model instance is free or the context ends. The
// returned release func must be called exactly once.
func (p *ModelPool) Acquire(ctx context.Context) (ModelHandle, func(), error) {
	select {
	case h := <-p.handles:
		return h, func() { p.handles <- h }, nil
	case <-ctx.Done():
		return ModelHandle{}, nil, ctx.Err()
	}
}
