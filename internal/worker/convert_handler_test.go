package worker

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"bookshelf-worker/internal/models"
)

type fakeConvertBooks struct {
	books   map[int64]models.Book
	formats []models.Format
}

func (f *fakeConvertBooks) GetByID(_ context.Context, id int64) (models.Book, bool, error) {
	b, ok := f.books[id]
	return b, ok, nil
}

func (f *fakeConvertBooks) AddFormat(_ context.Context, fm models.Format) (models.Format, error) {
	fm.ID = int64(len(f.formats) + 1)
	f.formats = append(f.formats, fm)
	return fm, nil
}

type fakeConvertFiles struct {
	objects map[string][]byte
	nextID  int64
}

func (f *fakeConvertFiles) Open(_ context.Context, storagePath string) (io.ReadCloser, error) {
	body, ok := f.objects[storagePath]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func (f *fakeConvertFiles) GetOrUpload(_ context.Context, r io.Reader, name string, prefix string) (models.StoredFile, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return models.StoredFile{}, err
	}
	f.nextID++
	key := prefix + "/" + name
	f.objects[key] = body
	return models.StoredFile{ID: f.nextID, StoragePath: key, Size: int64(len(body))}, nil
}

func TestConvertHandlerRegistersFormat(t *testing.T) {
	bookID := int64(5)
	books := &fakeConvertBooks{books: map[int64]models.Book{
		bookID: {ID: bookID, FilePath: "originals/book.epub"},
	}}
	files := &fakeConvertFiles{objects: map[string][]byte{
		"originals/book.epub": []byte("source-bytes"),
	}}

	h := NewConvertHandler(books, files, "originals", nil)
	job := queuedJob(1, "abc", "convert")
	job.BookID = &bookID

	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(books.formats) != 1 {
		t.Fatalf("expected one format row, got %d", len(books.formats))
	}
	f := books.formats[0]
	if f.BookID != bookID || f.Format != "pdf" {
		t.Fatalf("format row wrong: %+v", f)
	}
	if !strings.HasSuffix(f.FilePath, "_converted.pdf") {
		t.Fatalf("unexpected output path: %s", f.FilePath)
	}
	if string(files.objects[f.FilePath]) != "source-bytes" {
		t.Fatal("converted output not stored")
	}
}

func TestConvertHandlerMissingBookIsTerminal(t *testing.T) {
	books := &fakeConvertBooks{books: map[int64]models.Book{}}
	files := &fakeConvertFiles{objects: map[string][]byte{}}
	h := NewConvertHandler(books, files, "originals", nil)

	job := queuedJob(1, "abc", "convert")
	if err := h.Handle(context.Background(), job); err == nil || !isTerminal(err) {
		t.Fatalf("nil book id should be terminal, got %v", err)
	}

	missing := int64(99)
	job.BookID = &missing
	if err := h.Handle(context.Background(), job); err == nil || !isTerminal(err) {
		t.Fatalf("missing book should be terminal, got %v", err)
	}
}

func TestConvertHandlerMissingFileIsTerminal(t *testing.T) {
	bookID := int64(5)
	books := &fakeConvertBooks{books: map[int64]models.Book{bookID: {ID: bookID}}}
	files := &fakeConvertFiles{objects: map[string][]byte{}}
	h := NewConvertHandler(books, files, "originals", nil)

	job := queuedJob(1, "abc", "convert")
	job.BookID = &bookID
	if err := h.Handle(context.Background(), job); err == nil || !isTerminal(err) {
		t.Fatalf("book without file should be terminal, got %v", err)
	}
}
