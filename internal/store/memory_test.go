package store

import (
	"context"
	"errors"
	"testing"

	"audiobook-pipeline/internal/models"
)

func createTestBook(t *testing.T, m *Memory) models.Book {
	t.Helper()
	book, err := m.CreateBook(context.Background(), CreateBookParams{
		Title:        "Test Book",
		SourceFormat: models.FormatTXT,
		SourceHandle: "uploads/test.txt",
	})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	return book
}

func TestAppendChunkOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	book := createTestBook(t, m)

	for seq := 0; seq < 3; seq++ {
		err := m.AppendChunk(ctx, models.Chunk{
			BookID:          book.ID,
			Sequence:        seq,
			DurationSeconds: 10,
			ByteSize:        100,
			LocationHandle:  "h",
			Checksum:        string(rune('a' + seq)),
		})
		if err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}

	// Skipping ahead is rejected.
	err := m.AppendChunk(ctx, models.Chunk{BookID: book.ID, Sequence: 5, Checksum: "x"})
	if !errors.Is(err, ErrOutOfOrderWrite) {
		t.Fatalf("expected ErrOutOfOrderWrite for gap, got %v", err)
	}

	got, err := m.GetBook(ctx, book.ID)
	if err != nil {
		t.Fatalf("get book: %v", err)
	}
	if got.ChunkCount != 3 {
		t.Fatalf("chunk count = %d, want 3", got.ChunkCount)
	}
	if got.TotalDurationSeconds != 30 {
		t.Fatalf("total duration = %f, want 30", got.TotalDurationSeconds)
	}

	chunks, _ := m.ListChunks(ctx, book.ID)
	for i, c := range chunks {
		if c.Sequence != i {
			t.Fatalf("chunk %d has sequence %d", i, c.Sequence)
		}
	}
}

func TestAppendChunkIdempotentRedelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	book := createTestBook(t, m)

	chunk := models.Chunk{
		BookID:          book.ID,
		Sequence:        0,
		DurationSeconds: 12,
		Checksum:        "same",
	}
	if err := m.AppendChunk(ctx, chunk); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Same sequence, same checksum: redelivered work, a no-op.
	if err := m.AppendChunk(ctx, chunk); err != nil {
		t.Fatalf("idempotent re-append: %v", err)
	}
	got, _ := m.GetBook(ctx, book.ID)
	if got.ChunkCount != 1 || got.TotalDurationSeconds != 12 {
		t.Fatalf("totals changed on re-append: count=%d duration=%f", got.ChunkCount, got.TotalDurationSeconds)
	}

	// Same sequence, different contents: a coordination bug.
	chunk.Checksum = "different"
	if err := m.AppendChunk(ctx, chunk); !errors.Is(err, ErrOutOfOrderWrite) {
		t.Fatalf("expected ErrOutOfOrderWrite for conflicting re-append, got %v", err)
	}
}

func TestSetStageClearsFailure(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	book := createTestBook(t, m)

	if err := m.MarkFailed(ctx, book.ID, models.StageExtract, "unreadable file"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := m.GetBook(ctx, book.ID)
	if got.Status != models.StatusFailed || got.FailureDetail == nil {
		t.Fatalf("expected failed state with detail, got %+v", got)
	}

	if err := m.SetStage(ctx, book.ID, models.StageExtract, 1); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	got, _ = m.GetBook(ctx, book.ID)
	if got.Status != models.StatusExtracting {
		t.Fatalf("status = %s, want %s", got.Status, models.StatusExtracting)
	}
	if got.FailedStage != "" || got.FailureDetail != nil {
		t.Fatalf("failure fields not cleared: %+v", got)
	}
	if got.CurrentStage != models.StageExtract || got.CurrentAttempt != 1 {
		t.Fatalf("attempt token not set: stage=%s attempt=%d", got.CurrentStage, got.CurrentAttempt)
	}
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	book := createTestBook(t, m)

	if _, err := m.GetJob(ctx, book.ID, models.StageExtract); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}

	job := models.Job{BookID: book.ID, Stage: models.StageExtract, Attempt: 1}
	if err := m.UpsertJob(ctx, job); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	job.Attempt = 2
	job.Payload = map[string]any{"segments": []string{"a"}}
	if err := m.UpsertJob(ctx, job); err != nil {
		t.Fatalf("upsert bump: %v", err)
	}

	got, err := m.GetJob(ctx, book.ID, models.StageExtract)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", got.Attempt)
	}

	if err := m.DeleteJobs(ctx, book.ID); err != nil {
		t.Fatalf("delete jobs: %v", err)
	}
	if _, err := m.GetJob(ctx, book.ID, models.StageExtract); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound after delete, got %v", err)
	}
}

func TestListActiveBooks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	active := createTestBook(t, m)
	done := createTestBook(t, m)
	if err := m.UpdateBookStatus(ctx, done.ID, models.StatusCompleted); err != nil {
		t.Fatalf("update status: %v", err)
	}

	books, err := m.ListActiveBooks(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(books) != 1 || books[0].ID != active.ID {
		t.Fatalf("expected only the active book, got %+v", books)
	}
}
