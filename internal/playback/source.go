package playback

import (
	"context"

	"audiobook-pipeline/internal/media"
	"audiobook-pipeline/internal/models"
)

// StoreSource adapts the server-side chunk store as a ChunkSource, for
// in-process playback against a local pipeline.
type StoreSource struct {
	Chunks *media.ChunkStore
}

var _ ChunkSource = (*StoreSource)(nil)

func (s *StoreSource) ListChunks(ctx context.Context, bookID string) ([]models.Chunk, error) {
	return s.Chunks.List(ctx, bookID)
}

func (s *StoreSource) FetchChunk(ctx context.Context, chunk models.Chunk) ([]byte, error) {
	return s.Chunks.Open(ctx, chunk)
}
