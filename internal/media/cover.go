package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

// CoverHandle is the storage location for a book's cover thumbnail.
func CoverHandle(bookID string) string {
	return fmt.Sprintf("books/%s/cover.jpg", bookID)
}

// StoreCover resizes an uploaded cover image to a thumbnail of the given width
// and stores it, returning the handle.
func StoreCover(ctx context.Context, objects ObjectStore, bookID string, raw []byte, width int) (string, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("decode cover: %w", err)
	}
	if width <= 0 {
		width = 320
	}

	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode cover: %w", err)
	}

	handle := CoverHandle(bookID)
	if err := objects.Put(ctx, handle, buf.Bytes(), "image/jpeg"); err != nil {
		return "", err
	}
	return handle, nil
}
