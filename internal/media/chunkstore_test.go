package media

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"audiobook-pipeline/internal/models"
	"audiobook-pipeline/internal/store"
)

func chunkFixture(t *testing.T) (*ChunkStore, *store.Memory, models.Book) {
	t.Helper()
	st := store.NewMemory()
	chunks := NewChunkStore(NewLocalStore(t.TempDir()), st)
	book, err := st.CreateBook(context.Background(), store.CreateBookParams{
		Title:        "Test",
		SourceFormat: models.FormatTXT,
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return chunks, st, book
}

func TestChunkAppendAndOpen(t *testing.T) {
	ctx := context.Background()
	chunks, _, book := chunkFixture(t)

	chunk, err := chunks.Append(ctx, book.ID, 0, []byte("audio-bytes"), 7.5)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if chunk.Sequence != 0 || chunk.ByteSize != int64(len("audio-bytes")) {
		t.Fatalf("unexpected chunk metadata: %+v", chunk)
	}
	if chunk.Checksum == "" {
		t.Fatalf("missing checksum")
	}

	data, err := chunks.Open(ctx, chunk)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Fatalf("read back %q", data)
	}
}

func TestChunkAppendIdempotent(t *testing.T) {
	ctx := context.Background()
	chunks, st, book := chunkFixture(t)

	if _, err := chunks.Append(ctx, book.ID, 0, []byte("same"), 2); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := chunks.Append(ctx, book.ID, 0, []byte("same"), 2); err != nil {
		t.Fatalf("identical re-append: %v", err)
	}
	if _, err := chunks.Append(ctx, book.ID, 0, []byte("other"), 2); !errors.Is(err, store.ErrOutOfOrderWrite) {
		t.Fatalf("expected ErrOutOfOrderWrite for different bytes, got %v", err)
	}

	got, _ := st.GetBook(ctx, book.ID)
	if got.ChunkCount != 1 {
		t.Fatalf("chunk count = %d, want 1", got.ChunkCount)
	}
}

// failingStore rejects every put; used to check that metadata is never
// published when the bytes were not stored.
type failingStore struct{}

func (failingStore) Put(context.Context, string, []byte, string) error {
	return errors.New("storage down")
}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, ErrObjectNotFound
}

func TestChunkBytesFailNoMetadata(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	chunks := NewChunkStore(failingStore{}, st)
	book, _ := st.CreateBook(ctx, store.CreateBookParams{Title: "T", SourceFormat: models.FormatTXT})

	if _, err := chunks.Append(ctx, book.ID, 0, []byte("audio"), 1); err == nil {
		t.Fatalf("expected append to fail")
	}
	listed, _ := chunks.List(ctx, book.ID)
	if len(listed) != 0 {
		t.Fatalf("metadata published despite failed byte write: %+v", listed)
	}
}

func TestStoreCoverResizes(t *testing.T) {
	ctx := context.Background()
	objects := NewLocalStore(t.TempDir())

	src := image.NewRGBA(image.Rect(0, 0, 100, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 100; x++ {
			src.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), A: 255})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, src); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	handle, err := StoreCover(ctx, objects, "book-1", buf.Bytes(), 50)
	if err != nil {
		t.Fatalf("store cover: %v", err)
	}
	if handle != CoverHandle("book-1") {
		t.Fatalf("handle = %q", handle)
	}

	stored, err := objects.Get(ctx, handle)
	if err != nil {
		t.Fatalf("get cover: %v", err)
	}
	thumb, _, err := image.Decode(bytes.NewReader(stored))
	if err != nil {
		t.Fatalf("decode thumbnail: %v", err)
	}
	if w := thumb.Bounds().Dx(); w != 50 {
		t.Fatalf("thumbnail width = %d, want 50", w)
	}
}

func TestStoreCoverRejectsGarbage(t *testing.T) {
	objects := NewLocalStore(t.TempDir())
	if _, err := StoreCover(context.Background(), objects, "book-1", []byte("not an image"), 50); err == nil {
		t.Fatalf("expected decode failure")
	}
}
