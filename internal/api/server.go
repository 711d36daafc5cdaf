package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"audiobook-pipeline/internal/config"
	"audiobook-pipeline/internal/media"
	"audiobook-pipeline/internal/models"
	"audiobook-pipeline/internal/pipeline"
	"audiobook-pipeline/internal/ratelimit"
	"audiobook-pipeline/internal/store"
	"audiobook-pipeline/internal/telemetry"
)

// maxUploadBytes bounds a single document upload.
const maxUploadBytes = 256 << 20

// Server wires the client-facing HTTP surface: uploads plus the idempotent
// read paths the playback client builds on.
type Server struct {
	cfg     config.Config
	store   store.Store
	chunks  *media.ChunkStore
	objects media.ObjectStore
	coord   *pipeline.Coordinator
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
}

func New(cfg config.Config, st store.Store, chunks *media.ChunkStore, objects media.ObjectStore, coord *pipeline.Coordinator, limiter *ratelimit.TokenBucket, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		chunks:  chunks,
		objects: objects,
		coord:   coord,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/books", s.handleUpload)
	r.Get("/books", s.handleListBooks)
	r.Get("/books/{id}", s.handleGetBook)
	r.Get("/books/{id}/chunks", s.handleListChunks)
	r.Get("/books/{id}/chunks/{seq}/audio", s.handleChunkAudio)
	r.Get("/books/{id}/events", s.handleEvents)
	r.Post("/books/{id}/retry", s.handleRetry)
	r.Post("/books/{id}/cancel", s.handleCancel)
	return r
}

// handleUpload accepts a multipart document upload and starts the pipeline.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	client := clientFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), client)
		if err != nil {
			httpError(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			httpError(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpError(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	format, err := models.ParseSourceFormat(r.FormValue("format"))
	if err != nil {
		httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	title := r.FormValue("title")
	if title == "" {
		httpError(w, "title is required", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("document")
	if err != nil {
		httpError(w, "document field is required", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		httpError(w, "read upload", http.StatusBadRequest)
		return
	}

	uploadID := uuid.New().String()
	sourceHandle := fmt.Sprintf("uploads/%s.%s", uploadID, format)
	if err := s.objects.Put(r.Context(), sourceHandle, data, "application/octet-stream"); err != nil {
		s.logger.Error("store upload", "error", err)
		httpError(w, "store upload failed", http.StatusInternalServerError)
		return
	}

	coverHandle := ""
	if cover, _, err := r.FormFile("cover"); err == nil {
		raw, err := io.ReadAll(cover)
		cover.Close()
		if err == nil {
			coverHandle, err = media.StoreCover(r.Context(), s.objects, uploadID, raw, s.cfg.CoverThumbWidth)
			if err != nil {
				httpError(w, "invalid cover image", http.StatusBadRequest)
				return
			}
		}
	}

	book, err := s.store.CreateBook(r.Context(), store.CreateBookParams{
		Title:        title,
		SourceFormat: format,
		SourceHandle: sourceHandle,
		CoverHandle:  coverHandle,
	})
	if err != nil {
		s.logger.Error("create book", "error", err)
		httpError(w, "create book failed", http.StatusInternalServerError)
		return
	}

	if err := s.coord.Start(r.Context(), book.ID); err != nil {
		s.logger.Error("start pipeline", "book_id", book.ID, "error", err)
		httpError(w, "start pipeline failed", http.StatusInternalServerError)
		return
	}
	telemetry.BooksUploaded.Inc()

	book, _ = s.store.GetBook(r.Context(), book.ID)
	writeJSON(w, http.StatusAccepted, book)
}

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.store.ListBooks(r.Context())
	if err != nil {
		httpError(w, "list books failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"books": books})
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	book, err := s.store.GetBook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// handleListChunks returns the ordered chunk sequence, partial while the book
// is still converting.
func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	book, err := s.store.GetBook(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	chunks, err := s.chunks.List(r.Context(), id)
	if err != nil {
		httpError(w, "list chunks failed", http.StatusInternalServerError)
		return
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"book_id":                id,
		"status":                 book.Status,
		"total_duration_seconds": book.TotalDurationSeconds,
		"chunks":                 chunks,
	})
}

func (s *Server) handleChunkAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 0 {
		httpError(w, "invalid sequence", http.StatusBadRequest)
		return
	}
	chunk, err := s.store.GetChunk(r.Context(), id, seq)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	data, err := s.chunks.Open(r.Context(), chunk)
	if err != nil {
		s.logger.Error("open chunk", "book_id", id, "sequence", seq, "error", err)
		httpError(w, "chunk audio unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.ListEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpError(w, "list events failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.Retry(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			writeStoreError(w, err)
			return
		}
		httpError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.coord.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrBookNotFound) {
			writeStoreError(w, err)
			return
		}
		httpError(w, err.Error(), http.StatusConflict)
		return
	}
	book, err := s.store.GetBook(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": book.Status})
}

func clientFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "anonymous"
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrBookNotFound), errors.Is(err, store.ErrChunkNotFound):
		httpError(w, err.Error(), http.StatusNotFound)
	default:
		httpError(w, "internal error", http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
