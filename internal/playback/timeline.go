package playback

import (
	"sort"

	"audiobook-pipeline/internal/models"
)

// Position is a bookmarkable playback coordinate. Global seconds are the
// stable coordinate system: they survive chunk re-segmentation, unlike a
// (chunk, offset) pair.
type Position struct {
	BookID        string  `json:"book_id"`
	GlobalSeconds float64 `json:"global_seconds"`
}

// Location is a resolved position inside a specific chunk.
type Location struct {
	ChunkIndex    int
	OffsetSeconds float64
}

// Timeline presents a book's chunk sequence as one continuous stream,
// mapping global time to (chunk, offset) pairs. It is rebuilt from the chunk
// list as the producing pipeline appends chunks.
type Timeline struct {
	chunks []models.Chunk
	starts []float64
	total  float64
}

func NewTimeline(chunks []models.Chunk) *Timeline {
	t := &Timeline{}
	t.Update(chunks)
	return t
}

// Update replaces the known chunk sequence. Chunks must be in sequence order,
// which is what the chunk store's read path guarantees.
func (t *Timeline) Update(chunks []models.Chunk) {
	t.chunks = chunks
	t.starts = make([]float64, len(chunks))
	var acc float64
	for i, c := range chunks {
		t.starts[i] = acc
		acc += c.DurationSeconds
	}
	t.total = acc
}

// Duration is the total known duration, growing while the book is produced.
func (t *Timeline) Duration() float64 { return t.total }

// ChunkCount is the number of currently known chunks.
func (t *Timeline) ChunkCount() int { return len(t.chunks) }

// Chunk returns the chunk at an index.
func (t *Timeline) Chunk(i int) (models.Chunk, bool) {
	if i < 0 || i >= len(t.chunks) {
		return models.Chunk{}, false
	}
	return t.chunks[i], true
}

// Start returns the global start time of a chunk.
func (t *Timeline) Start(i int) float64 {
	if i < 0 || i >= len(t.starts) {
		return t.total
	}
	return t.starts[i]
}

// Locate resolves a global time to the chunk containing it. ok is false when
// the time lies beyond the known chunks — the pending case, not an error,
// since the producer may still be running. Negative times clamp to zero.
func (t *Timeline) Locate(globalSeconds float64) (Location, bool) {
	if globalSeconds < 0 {
		globalSeconds = 0
	}
	if len(t.chunks) == 0 || globalSeconds >= t.total {
		return Location{}, false
	}
	// First chunk whose end exceeds the target.
	i := sort.Search(len(t.chunks), func(i int) bool {
		return t.starts[i]+t.chunks[i].DurationSeconds > globalSeconds
	})
	return Location{
		ChunkIndex:    i,
		OffsetSeconds: globalSeconds - t.starts[i],
	}, true
}
