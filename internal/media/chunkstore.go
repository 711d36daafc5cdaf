package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"audiobook-pipeline/internal/models"
	"audiobook-pipeline/internal/store"
)

// ChunkStore is the append-only registry of produced audio chunks. Writes are
// publish-last: audio bytes are committed to the object store before the chunk
// metadata referencing them becomes visible, so a reader can never list a
// chunk whose bytes are not yet durable.
type ChunkStore struct {
	objects ObjectStore
	db      store.Store
}

func NewChunkStore(objects ObjectStore, db store.Store) *ChunkStore {
	return &ChunkStore{objects: objects, db: db}
}

// ChunkHandle is the storage location for one chunk's audio.
func ChunkHandle(bookID string, sequence int) string {
	return fmt.Sprintf("books/%s/chunks/%05d.mp3", bookID, sequence)
}

// SourceHandle is the storage location for a book's original upload.
func SourceHandle(bookID string, format models.SourceFormat) string {
	return fmt.Sprintf("books/%s/original.%s", bookID, format)
}

// Append stores the audio bytes, then publishes the chunk metadata. The
// sequence must equal the book's current chunk count; the underlying store
// returns ErrOutOfOrderWrite otherwise. Re-appending an identical chunk at an
// occupied sequence is a no-op, which makes redelivered transcode work safe.
func (c *ChunkStore) Append(ctx context.Context, bookID string, sequence int, audio []byte, durationSeconds float64) (models.Chunk, error) {
	sum := sha256.Sum256(audio)
	chunk := models.Chunk{
		BookID:          bookID,
		Sequence:        sequence,
		DurationSeconds: durationSeconds,
		ByteSize:        int64(len(audio)),
		LocationHandle:  ChunkHandle(bookID, sequence),
		Checksum:        hex.EncodeToString(sum[:]),
	}

	if err := c.objects.Put(ctx, chunk.LocationHandle, audio, "audio/mpeg"); err != nil {
		return models.Chunk{}, fmt.Errorf("store chunk bytes: %w", err)
	}
	if err := c.db.AppendChunk(ctx, chunk); err != nil {
		return models.Chunk{}, err
	}
	return chunk, nil
}

// List returns the ordered chunk sequence, partial while the book is still
// being produced.
func (c *ChunkStore) List(ctx context.Context, bookID string) ([]models.Chunk, error) {
	return c.db.ListChunks(ctx, bookID)
}

// Open reads a chunk's audio bytes.
func (c *ChunkStore) Open(ctx context.Context, chunk models.Chunk) ([]byte, error) {
	return c.objects.Get(ctx, chunk.LocationHandle)
}
