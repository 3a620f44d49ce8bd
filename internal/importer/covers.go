package importer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"bookshelf-worker/internal/files"
	"bookshelf-worker/internal/models"
)

var coverNames = []string{"cover.jpg", "cover.jpeg", "cover.png"}

// siblingCoverPath locates a well-known cover image next to a book file.
func siblingCoverPath(folder string) string {
	for _, name := range coverNames {
		candidate := filepath.Join(folder, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// storeCover thumbnails and uploads one cover file, reusing an
// already-stored cover when the thumbnail bytes hash to an existing object.
func (im *Importer) storeCover(ctx context.Context, coverPath string) (models.StoredFile, bool) {
	raw, err := os.ReadFile(coverPath)
	if err != nil {
		im.log.Warn("read cover failed", "file", coverPath, "error", err)
		return models.StoredFile{}, false
	}

	thumb, err := im.thumbnail(raw, coverPath)
	if err != nil {
		// Undecodable image: store the original bytes unchanged.
		im.log.Warn("cover thumbnail failed, storing original", "file", coverPath, "error", err)
		thumb = raw
	}

	if existing, ok, err := im.fileStore.FindByHash(ctx, files.HashHex(thumb)); err != nil {
		im.log.Warn("cover hash lookup failed", "file", coverPath, "error", err)
		return models.StoredFile{}, false
	} else if ok {
		return existing, true
	}

	name := fmt.Sprintf("thumb_%d_%s", time.Now().UnixMilli(), filepath.Base(coverPath))
	stored, err := im.fileStore.GetOrUpload(ctx, bytes.NewReader(thumb), name, im.coversPrefix)
	if err != nil {
		im.log.Warn("cover upload failed", "file", coverPath, "error", err)
		return models.StoredFile{}, false
	}
	return stored, true
}

// thumbnail downscales the cover to the configured width, preserving aspect
// ratio. Images already narrower than the target pass through unchanged.
func (im *Importer) thumbnail(raw []byte, coverPath string) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode cover: %w", err)
	}
	if img.Bounds().Dx() > im.thumbWidth {
		img = imaging.Resize(img, im.thumbWidth, 0, imaging.Lanczos)
	}

	format := imaging.JPEG
	if strings.EqualFold(filepath.Ext(coverPath), ".png") {
		format = imaging.PNG
	}
	var out bytes.Buffer
	if err := imaging.Encode(&out, img, format); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}
