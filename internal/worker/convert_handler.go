package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"bookshelf-worker/internal/models"
)

// ConvertBookStore is what the convert handler needs from the book layer.
type ConvertBookStore interface {
	GetByID(ctx context.Context, id int64) (models.Book, bool, error)
	AddFormat(ctx context.Context, f models.Format) (models.Format, error)
}

// ConvertFileStore reads source bytes and stores converted output.
type ConvertFileStore interface {
	Open(ctx context.Context, storagePath string) (io.ReadCloser, error)
	GetOrUpload(ctx context.Context, r io.Reader, name string, prefix string) (models.StoredFile, error)
}

// ConvertHandler produces an alternate format for a job's book: load the
// stored source bytes, produce output bytes, and register the result as a new
// format row.
type ConvertHandler struct {
	books        ConvertBookStore
	files        ConvertFileStore
	outputPrefix string
	log          *slog.Logger
}

func NewConvertHandler(books ConvertBookStore, files ConvertFileStore, outputPrefix string, log *slog.Logger) *ConvertHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConvertHandler{
		books:        books,
		files:        files,
		outputPrefix: outputPrefix,
		log:          log,
	}
}

// Handle processes one claimed convert job.
func (h *ConvertHandler) Handle(ctx context.Context, job models.Job) error {
	if job.BookID == nil {
		return Terminal("book not found")
	}
	book, ok, err := h.books.GetByID(ctx, *job.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !ok {
		return Terminal("book not found")
	}
	if book.FilePath == "" {
		return Terminal("book file not found")
	}

	src, err := h.files.Open(ctx, book.FilePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	converted, err := convert(ctx, src)
	if err != nil {
		return fmt.Errorf("convert book %d: %w", book.ID, err)
	}

	const targetFormat = "pdf"
	name := fmt.Sprintf("%d_converted.%s", time.Now().UnixMilli(), targetFormat)
	stored, err := h.files.GetOrUpload(ctx, bytes.NewReader(converted), name, h.outputPrefix)
	if err != nil {
		return fmt.Errorf("store converted file: %w", err)
	}

	_, err = h.books.AddFormat(ctx, models.Format{
		BookID:   book.ID,
		Format:   targetFormat,
		FileID:   stored.ID,
		FilePath: stored.StoragePath,
		FileSize: stored.Size,
	})
	if err != nil {
		return fmt.Errorf("register format: %w", err)
	}

	h.log.Info("convert finished", "jobId", job.ExternalID, "book", book.ID, "format", targetFormat)
	return nil
}

// convert produces the output bytes for a source stream. The conversion is a
// passthrough copy for now; the surrounding plumbing (load, store, format
// registration) is the part exercised by the pipeline.
func convert(ctx context.Context, src io.Reader) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := io.Copy(&out, src); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
