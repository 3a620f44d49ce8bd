package importer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bookshelf-worker/internal/models"
)

// BookExtensions is the recognized set of importable book files.
var BookExtensions = []string{".epub", ".mobi", ".azw3", ".pdf", ".fb2", ".rtf"}

// preferredFormats orders format selection when the metadata index lists
// several files for one book.
var preferredFormats = []string{"EPUB", "AZW3", "MOBI", "PDF"}

// FileStore is the content-addressed storage the importer uploads through.
type FileStore interface {
	GetOrUpload(ctx context.Context, r io.Reader, name string, prefix string) (models.StoredFile, error)
	FindByHash(ctx context.Context, sha string) (models.StoredFile, bool, error)
}

// BookStore creates library records and reports what the owner already has.
type BookStore interface {
	Create(ctx context.Context, b models.Book) (models.Book, error)
	OriginalFilenames(ctx context.Context, ownerID int64) ([]string, error)
}

// ProgressFunc receives (processed, total) after every candidate file,
// whether it imported, skipped, or errored.
type ProgressFunc func(processed, total int)

// Options tune a single import run.
type Options struct {
	ImportCovers bool
	OnProgress   ProgressFunc
}

// Importer scans a library directory and imports book files and optional
// covers. When a metadata.db index sits at the root the indexed path is used
// for accurate metadata; otherwise files are discovered by extension.
//
// Duplicate detection against the owner's library is by original filename,
// case-insensitive. It deliberately does not compare content; the file store
// underneath separately dedups identical bytes by hash.
type Importer struct {
	fileStore FileStore
	bookStore BookStore
	log       *slog.Logger

	originalsPrefix string
	coversPrefix    string
	thumbWidth      int
}

func New(fileStore FileStore, bookStore BookStore, log *slog.Logger, originalsPrefix, coversPrefix string, thumbWidth int) *Importer {
	if log == nil {
		log = slog.Default()
	}
	if originalsPrefix == "" {
		originalsPrefix = "originals"
	}
	if coversPrefix == "" {
		coversPrefix = "cover-thumbnails"
	}
	if thumbWidth <= 0 {
		thumbWidth = 300
	}
	return &Importer{
		fileStore:       fileStore,
		bookStore:       bookStore,
		log:             log,
		originalsPrefix: originalsPrefix,
		coversPrefix:    coversPrefix,
		thumbWidth:      thumbWidth,
	}
}

// ImportFromDirectory imports every recognized book file under root for the
// owner. Per-file failures are logged and counted as processed only; the run
// aborts on a missing root or on cancellation.
func (im *Importer) ImportFromDirectory(ctx context.Context, root string, ownerID int64, opts Options) (imported, skipped int, err error) {
	if strings.TrimSpace(root) == "" {
		return 0, 0, fmt.Errorf("import path required")
	}
	info, err := os.Stat(root)
	if err != nil {
		return 0, 0, fmt.Errorf("import path: %w", err)
	}
	if !info.IsDir() {
		return 0, 0, fmt.Errorf("import path %s is not a directory", root)
	}

	indexPath := filepath.Join(root, "metadata.db")
	if _, err := os.Stat(indexPath); err == nil {
		im.log.Info("found metadata.db, importing via index", "path", root)
		return im.importFromIndex(ctx, indexPath, root, ownerID, opts)
	}

	return im.scanDirectory(ctx, root, ownerID, opts)
}

// scanDirectory is the index-less path: recursive discovery by extension,
// metadata derived from the path shape .../Author/Title/file.ext.
func (im *Importer) scanDirectory(ctx context.Context, root string, ownerID int64, opts Options) (imported, skipped int, err error) {
	existing, err := im.existingFilenames(ctx, ownerID)
	if err != nil {
		return 0, 0, err
	}

	var candidates []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if isBookFile(path) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("scan import directory: %w", err)
	}

	total := len(candidates)
	processed := 0

	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			return imported, skipped, err
		}

		originalFilename := filepath.Base(path)
		if existing[strings.ToLower(originalFilename)] {
			skipped++
			processed++
			report(opts.OnProgress, processed, total)
			continue
		}

		title, authors := metadataFromPath(root, path)
		var coverPath string
		if opts.ImportCovers {
			coverPath = siblingCoverPath(filepath.Dir(path))
		}
		if err := im.importFile(ctx, path, ownerID, title, authors, bookMetadata{}, coverPath); err != nil {
			im.log.Error("import file failed", "file", path, "error", err)
			processed++
			report(opts.OnProgress, processed, total)
			continue
		}

		existing[strings.ToLower(originalFilename)] = true
		imported++
		processed++
		report(opts.OnProgress, processed, total)
	}

	return imported, skipped, nil
}

// bookMetadata carries index-sourced fields; zero for the scan path.
type bookMetadata struct {
	Publisher   *string
	ISBN        *string
	PublishedAt *string
	Series      *string
	SeriesIndex *int
	Tags        *string
}

// importFile uploads one book file and creates its library record. A
// non-empty coverPath names the cover image to thumbnail and attach.
func (im *Importer) importFile(ctx context.Context, path string, ownerID int64, title, authors string, meta bookMetadata, coverPath string) error {
	originalFilename := filepath.Base(path)

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open book file: %w", err)
	}
	defer f.Close()

	uploadName := fmt.Sprintf("%d_%s", time.Now().UnixMilli(), originalFilename)
	stored, err := im.fileStore.GetOrUpload(ctx, f, uploadName, im.originalsPrefix)
	if err != nil {
		return fmt.Errorf("upload book file: %w", err)
	}

	var coverStorage *string
	var coverFileID *int64
	if coverPath != "" {
		// A broken cover never fails the book itself.
		if cover, ok := im.storeCover(ctx, coverPath); ok {
			coverStorage = &cover.StoragePath
			coverFileID = &cover.ID
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat book file: %w", err)
	}

	book := models.Book{
		OwnerID:          ownerID,
		Title:            title,
		Authors:          authors,
		OriginalFilename: originalFilename,
		FilePath:         stored.StoragePath,
		FileSize:         stored.Size,
		MimeType:         mimeTypeFor(originalFilename),
		FileID:           stored.ID,
		CoverPath:        coverStorage,
		CoverFileID:      coverFileID,
		Publisher:        meta.Publisher,
		ISBN:             meta.ISBN,
		PublishedAt:      meta.PublishedAt,
		Series:           meta.Series,
		SeriesIndex:      meta.SeriesIndex,
		Tags:             meta.Tags,
		CreatedAt:        info.ModTime().UTC(),
		UpdatedAt:        info.ModTime().UTC(),
	}
	if _, err := im.bookStore.Create(ctx, book); err != nil {
		return fmt.Errorf("create book record: %w", err)
	}
	return nil
}

// existingFilenames seeds the case-insensitive duplicate-skip set.
func (im *Importer) existingFilenames(ctx context.Context, ownerID int64) (map[string]bool, error) {
	names, err := im.bookStore.OriginalFilenames(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list existing filenames: %w", err)
	}
	existing := make(map[string]bool, len(names))
	for _, n := range names {
		existing[strings.ToLower(n)] = true
	}
	return existing, nil
}

// metadataFromPath derives title and author from .../Author/Title/file.ext or
// .../Title/file.ext.
func metadataFromPath(root, path string) (title, authors string) {
	title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	rel, err := filepath.Rel(root, path)
	if err != nil {
		return title, ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) >= 3 {
		authors = parts[len(parts)-3]
		title = parts[len(parts)-2]
	} else if len(parts) == 2 {
		authors = parts[len(parts)-2]
	}
	return title, authors
}

func isBookFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range BookExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func mimeTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".epub":
		return "application/epub+zip"
	case ".mobi":
		return "application/x-mobipocket-ebook"
	case ".azw3":
		return "application/vnd.amazon.ebook"
	case ".pdf":
		return "application/pdf"
	case ".fb2":
		return "application/fb2"
	default:
		return "application/octet-stream"
	}
}

func report(fn ProgressFunc, processed, total int) {
	if fn != nil {
		fn(processed, total)
	}
}
