package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"audiobook-pipeline/internal/media"
	"audiobook-pipeline/internal/models"
)

// ExtractStage pulls plain text out of the uploaded document. Dispatch over
// the source format is a closed switch; anything outside pdf/epub/txt is a
// permanent failure, never a silent skip.
type ExtractStage struct {
	Objects   media.ObjectStore
	Extractor Extractor
	// OCR, when set, is tried once after native extraction fails. An OCR
	// failure is permanent: re-running OCR on the same bytes yields nothing new.
	OCR    OCRExtractor
	Logger *slog.Logger
}

func (s *ExtractStage) Stage() models.Stage { return models.StageExtract }

func (s *ExtractStage) Run(ctx context.Context, book models.Book, _ models.Job, _ Heartbeat) (map[string]any, error) {
	data, err := s.Objects.Get(ctx, book.SourceHandle)
	if err != nil {
		return nil, Transientf("load source %s: %w", book.SourceHandle, err)
	}

	var text string
	switch book.SourceFormat {
	case models.FormatTXT:
		if !utf8.Valid(data) {
			return nil, Permanentf("txt source is not valid UTF-8")
		}
		text = string(data)
	case models.FormatPDF, models.FormatEPUB:
		text, err = s.Extractor.Extract(ctx, data, book.SourceFormat)
		if err != nil {
			if s.OCR == nil {
				return nil, classifyCollaborator(err, "extract %s: %w", book.SourceFormat)
			}
			s.logger().Warn("native extraction failed, trying OCR",
				"book_id", book.ID, "format", book.SourceFormat, "error", err)
			text, err = s.OCR.ExtractOCR(ctx, data)
			if err != nil {
				return nil, Permanentf("ocr fallback: %w", err)
			}
		}
	default:
		return nil, Permanent(fmt.Errorf("%w: %q", models.ErrUnsupportedFormat, book.SourceFormat))
	}

	if strings.TrimSpace(text) == "" {
		return nil, Permanentf("document contains no extractable text")
	}
	return map[string]any{"text": text}, nil
}

func (s *ExtractStage) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// classifyCollaborator preserves a collaborator's own classification and wraps
// everything else as transient.
func classifyCollaborator(err error, format string, args ...any) error {
	if Classify(err) == KindPermanent {
		return Permanentf(format, append(args, err)...)
	}
	return Transientf(format, append(args, err)...)
}
