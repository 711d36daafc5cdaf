package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"audiobook-pipeline/internal/config"
	"audiobook-pipeline/internal/media"
	"audiobook-pipeline/internal/models"
	"audiobook-pipeline/internal/pipeline"
	"audiobook-pipeline/internal/queue"
	"audiobook-pipeline/internal/ratelimit"
	"audiobook-pipeline/internal/store"
)

type apiFixture struct {
	server *Server
	router http.Handler
	store  *store.Memory
	chunks *media.ChunkStore
	client *redis.Client
}

func newAPIFixture(t *testing.T, limiter *ratelimit.TokenBucket) *apiFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	st := store.NewMemory()
	q := queue.New(client, 30*time.Second)
	objects := media.NewLocalStore(t.TempDir())
	chunks := media.NewChunkStore(objects, st)
	coord := pipeline.New(st, q, pipeline.Options{}, nil)

	cfg := config.Load()
	srv := New(cfg, st, chunks, objects, coord, limiter, nil)
	return &apiFixture{
		server: srv,
		router: srv.Router(),
		store:  st,
		chunks: chunks,
		client: client,
	}
}

func uploadRequest(t *testing.T, title, format, body string) *http.Request {
	t.Helper()
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	_ = w.WriteField("title", title)
	_ = w.WriteField("format", format)
	fw, err := w.CreateFormFile("document", "book."+format)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte(body))
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/books", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func doJSON(t *testing.T, router http.Handler, req *http.Request, wantStatus int, out any) {
	t.Helper()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != wantStatus {
		t.Fatalf("%s %s = %d, want %d (body %s)", req.Method, req.URL.Path, rec.Code, wantStatus, rec.Body.String())
	}
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
		}
	}
}

func TestUploadStartsPipeline(t *testing.T) {
	f := newAPIFixture(t, nil)

	var book models.Book
	doJSON(t, f.router, uploadRequest(t, "My Book", "txt", "Some text."), http.StatusAccepted, &book)

	if book.Title != "My Book" || book.SourceFormat != models.FormatTXT {
		t.Fatalf("unexpected book: %+v", book)
	}
	if book.Status != models.StatusExtracting {
		t.Fatalf("status = %s, want extracting after start", book.Status)
	}

	stored, err := f.store.GetBook(context.Background(), book.ID)
	if err != nil {
		t.Fatalf("book not persisted: %v", err)
	}
	if stored.SourceHandle == "" {
		t.Fatalf("source handle not recorded")
	}
}

func TestUploadValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	doJSON(t, f.router, uploadRequest(t, "Title", "docx", "data"), http.StatusBadRequest, nil)
	doJSON(t, f.router, uploadRequest(t, "", "txt", "data"), http.StatusBadRequest, nil)

	// Missing document field.
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)
	_ = w.WriteField("title", "Title")
	_ = w.WriteField("format", "txt")
	_ = w.Close()
	req := httptest.NewRequest(http.MethodPost, "/books", buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	doJSON(t, f.router, req, http.StatusBadRequest, nil)
}

func TestGetBookAndList(t *testing.T) {
	f := newAPIFixture(t, nil)

	var book models.Book
	doJSON(t, f.router, uploadRequest(t, "My Book", "txt", "Some text."), http.StatusAccepted, &book)

	var got models.Book
	doJSON(t, f.router, httptest.NewRequest(http.MethodGet, "/books/"+book.ID, nil), http.StatusOK, &got)
	if got.ID != book.ID {
		t.Fatalf("got book %s, want %s", got.ID, book.ID)
	}

	doJSON(t, f.router, httptest.NewRequest(http.MethodGet, "/books/nope", nil), http.StatusNotFound, nil)

	var list struct {
		Books []models.Book `json:"books"`
	}
	doJSON(t, f.router, httptest.NewRequest(http.MethodGet, "/books", nil), http.StatusOK, &list)
	if len(list.Books) != 1 {
		t.Fatalf("listed %d books, want 1", len(list.Books))
	}
}

func TestListChunksAndAudio(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, nil)

	var book models.Book
	doJSON(t, f.router, uploadRequest(t, "My Book", "txt", "Some text."), http.StatusAccepted, &book)

	if _, err := f.chunks.Append(ctx, book.ID, 0, []byte("chunk-audio"), 4); err != nil {
		t.Fatalf("append chunk: %v", err)
	}

	var resp struct {
		Chunks []models.Chunk `json:"chunks"`
	}
	doJSON(t, f.router, httptest.NewRequest(http.MethodGet, "/books/"+book.ID+"/chunks", nil), http.StatusOK, &resp)
	if len(resp.Chunks) != 1 || resp.Chunks[0].Sequence != 0 {
		t.Fatalf("chunks = %+v", resp.Chunks)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/"+book.ID+"/chunks/0/audio", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("audio status = %d (%s)", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "chunk-audio" {
		t.Fatalf("audio body = %q", rec.Body.String())
	}

	doJSON(t, f.router, httptest.NewRequest(http.MethodGet, "/books/"+book.ID+"/chunks/9/audio", nil), http.StatusNotFound, nil)
}

func TestCancelAndRetryEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)

	var book models.Book
	doJSON(t, f.router, uploadRequest(t, "My Book", "txt", "Some text."), http.StatusAccepted, &book)

	// Retry is only valid for failed books.
	doJSON(t, f.router, httptest.NewRequest(http.MethodPost, "/books/"+book.ID+"/retry", nil), http.StatusConflict, nil)

	// Nothing is leased, so cancel settles immediately.
	var cancelResp map[string]string
	doJSON(t, f.router, httptest.NewRequest(http.MethodPost, "/books/"+book.ID+"/cancel", nil), http.StatusOK, &cancelResp)
	if cancelResp["status"] != models.StatusCancelled {
		t.Fatalf("cancel status = %q", cancelResp["status"])
	}

	// A second cancel of a terminal book conflicts.
	doJSON(t, f.router, httptest.NewRequest(http.MethodPost, "/books/"+book.ID+"/cancel", nil), http.StatusConflict, nil)
}

func TestUploadRateLimited(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewTokenBucket(client, 1, 0.0001, time.Hour)

	f := newAPIFixture(t, limiter)

	doJSON(t, f.router, uploadRequest(t, "One", "txt", "Text."), http.StatusAccepted, nil)
	doJSON(t, f.router, uploadRequest(t, "Two", "txt", "Text."), http.StatusTooManyRequests, nil)

	// A different client has its own bucket.
	req := uploadRequest(t, "Three", "txt", "Text.")
	req.Header.Set("X-Client-ID", "other")
	doJSON(t, f.router, req, http.StatusAccepted, nil)
}
